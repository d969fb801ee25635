package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tonimelisma/kobo-go/internal/kobo"
)

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"passthrough", "Exit West", "Exit West"},
		{"path separators removed", "a/b\\c", "abc"},
		{"colon and quotes removed", `Book: "The One"`, "Book The One"},
		{"trailing dots trimmed", "Vol. 2...", "Vol. 2"},
		{"trailing spaces trimmed", "  padded  ", "padded"},
		{"non-ascii preserved", "Café Müller 本", "Café Müller 本"},
		{"asterisk and question mark removed", "what*ever?", "whatever"},
		{"allowed punctuation kept", "Don't Stop #1 (remix) [ok]", "Don't Stop #1 (remix) [ok]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeFileName(tt.in))
		})
	}
}

func TestSanitizeFileNameCapsLength(t *testing.T) {
	long := ""
	for range 50 {
		long += "abcde"
	}

	got := sanitizeFileName(long)
	assert.Len(t, []rune(got), 100)
}

func TestFileNameForBook(t *testing.T) {
	book := &kobo.Book{
		ProductID: "0123456789abcdef",
		Title:     "Exit West",
		Author:    "Mohsin Hamid",
	}

	got := FileNameForBook(book, "{Author} - {Title} {ShortRevisionId}")
	assert.Equal(t, "Mohsin Hamid - Exit West 01234567", got)

	got = FileNameForBook(book, "{Title}")
	assert.Equal(t, "Exit West", got)
}
