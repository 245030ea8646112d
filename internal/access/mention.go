package access

import "strings"

// ContainsEveryoneMention reports whether text carries a broadcast mention.
// The match is a case-insensitive substring search for "@everyone" or "@all",
// so "email@all.com" matches too. That over-matching is the shipped behavior
// clients rely on; a word-boundary tokenizer would be stricter but changes
// which messages fan out.
func ContainsEveryoneMention(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	return strings.Contains(lower, "@everyone") || strings.Contains(lower, "@all")
}
