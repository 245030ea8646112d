package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsEveryoneMention(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"", false},
		{"hello team", false},
		{"@everyone meeting at 5", true},
		{"@EVERYONE", true},
		{"please read @all", true},
		{"@All hands", true},
		{"midword@everyone", true},
		// Substring match fires on addresses too; this is the shipped behavior.
		{"write to email@all.com", true},
		{"@ everyone", false},
		{"everyone and all", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ContainsEveryoneMention(tc.text), "text=%q", tc.text)
	}
}
