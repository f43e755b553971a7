package conversation

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultTitle   = "New Chat"
	MaxTitleLength = 50
	minTitleLength = 5
)

// titlePrefixes are stripped from the start of the first user message, longest first.
var titlePrefixes = []string{
	"i would like you to",
	"i would like to",
	"can you please",
	"could you please",
	"would you please",
	"i want you to",
	"i need you to",
	"i want to",
	"i need to",
	"can you",
	"could you",
	"would you",
	"help me",
	"please",
	"hello",
	"hey",
	"hi",
}

// DeriveTitle turns the text of the first user message into a conversation title.
// Conversational openers are removed case-insensitively, the rest is cut to MaxTitleLength
// characters with an ellipsis, and DefaultTitle is returned when five characters or fewer remain.
func DeriveTitle(text string) string {
	t := strings.Join(strings.Fields(text), " ")

	for {
		stripped := stripPrefix(t)
		if stripped == t {
			break
		}
		t = stripped
	}

	if utf8.RuneCountInString(t) <= minTitleLength {
		return DefaultTitle
	}

	runes := []rune(t)
	if len(runes) > MaxTitleLength {
		return strings.TrimSpace(string(runes[:MaxTitleLength])) + "..."
	}
	return t
}

func stripPrefix(t string) string {
	for _, p := range titlePrefixes {
		if len(t) < len(p) || !strings.EqualFold(t[:len(p)], p) {
			continue
		}
		rest := t[len(p):]
		// only whole words: "history" must not lose its "hi"
		if rest != "" {
			r, _ := utf8.DecodeRuneInString(rest)
			if !isSeparator(r) {
				continue
			}
		}
		return strings.TrimLeft(rest, " ,.!?:;-")
	}
	return t
}

func isSeparator(r rune) bool {
	return strings.ContainsRune(" ,.!?:;-", r)
}
