package conversation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"greeting only", "Hello", DefaultTitle},
		{"greeting with punctuation", "Hi!", DefaultTitle},
		{"short remainder", "hey, help me fix", DefaultTitle},
		{"prefix stripped", "Can you explain goroutines?", "explain goroutines?"},
		{"case insensitive", "PLEASE summarize this article", "summarize this article"},
		{"stacked prefixes", "Hi, could you please write a haiku", "write a haiku"},
		{"word boundary", "History of the Roman empire", "History of the Roman empire"},
		{"whitespace collapsed", "  tell   me\n a joke  ", "tell me a joke"},
		{"empty", "", DefaultTitle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveTitle(tt.in))
		})
	}
}

func TestDeriveTitleTruncates(t *testing.T) {
	in := "Write " + strings.Repeat("a very long sentence ", 10)
	got := DeriveTitle(in)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len([]rune(strings.TrimSuffix(got, "..."))), MaxTitleLength)
	assert.True(t, strings.HasPrefix(got, "Write a very long"))
}
