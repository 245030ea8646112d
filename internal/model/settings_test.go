package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChatSettings_EmptyYieldsDefaults(t *testing.T) {
	for _, raw := range []string{"", "   ", "\n"} {
		s, err := ParseChatSettings(raw)
		require.NoError(t, err)
		assert.Equal(t, DefaultChatSettings(), s)
	}
}

func TestParseChatSettings_RoundTrip(t *testing.T) {
	in := ChatSettings{OnlyAdminsCanPost: true, OnlyAdminsCanPin: true}
	out, err := ParseChatSettings(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseChatSettings_UnknownKeysAreTolerated(t *testing.T) {
	// Старые клиенты писали в блоб лишние ключи.
	s, err := ParseChatSettings(`{"onlyAdminsCanPost":true,"legacyTheme":"dark"}`)
	require.NoError(t, err)
	assert.True(t, s.OnlyAdminsCanPost)
}

func TestParseChatSettings_MalformedIsAnError(t *testing.T) {
	for _, raw := range []string{`{`, `{"onlyAdminsCanPost":`, `[1,2]`, `"just a string"`} {
		_, err := ParseChatSettings(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}
