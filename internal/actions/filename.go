package actions

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/kobo-go/internal/kobo"
)

// Characters allowed in filenames besides letters and digits.
const allowedPunctuation = ` ,;.!(){}[]#$'-+@_`

// maxFileNameRunes caps sanitized components, mostly for filesystems
// with short path limits.
const maxFileNameRunes = 100

// sanitizeFileName strips characters that are unsafe in filenames,
// normalizes to NFC so composed and decomposed accents produce the same
// name, and trims trailing dots and spaces.
func sanitizeFileName(s string) string {
	s = norm.NFC.String(s)

	var b strings.Builder
	for _, r := range s {
		if isAlnum(r) || strings.ContainsRune(allowedPunctuation, r) {
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), " .")

	runes := []rune(out)
	if len(runes) > maxFileNameRunes {
		out = string(runes[:maxFileNameRunes])
	}

	return out
}

func isAlnum(r rune) bool {
	return r >= '0' && r <= '9' ||
		r >= 'a' && r <= 'z' ||
		r >= 'A' && r <= 'Z' ||
		r > 127 // non-ASCII letters pass through; norm handled composition
}

// FileNameForBook expands the filename format string for one book.
// Recognized placeholders: {Author}, {Title}, {ShortRevisionId}. The
// result has no extension; the caller appends one per book type.
func FileNameForBook(book *kobo.Book, format string) string {
	r := strings.NewReplacer(
		"{Author}", sanitizeFileName(book.Author),
		"{Title}", sanitizeFileName(book.Title),
		"{ShortRevisionId}", book.ShortProductID(),
	)

	return r.Replace(format)
}
