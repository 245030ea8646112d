package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessagePreview(t *testing.T) {
	m := &Message{Content: strings.Repeat("a", 150)}
	assert.Len(t, m.Preview(100), 100)

	short := &Message{Content: "привет"}
	assert.Equal(t, "привет", short.Preview(100))

	// Truncation counts runes, not bytes.
	cyr := &Message{Content: strings.Repeat("ё", 120)}
	assert.Equal(t, strings.Repeat("ё", 100), cyr.Preview(100))

	img := &Message{ImageURL: "https://cdn/x.png"}
	assert.Equal(t, "[image]", img.Preview(100))

	empty := &Message{}
	assert.Equal(t, "", empty.Preview(100))
}

func TestMessageHasReader(t *testing.T) {
	m := &Message{ReadBy: []string{"alice", "bob"}}
	assert.True(t, m.HasReader("alice"))
	assert.False(t, m.HasReader("carol"))
}
