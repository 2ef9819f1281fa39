package keyword

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonTokenChars = regexp.MustCompile(`[^\pL\pN\s]+`)

// Lower-cases s and strips combining marks, so "Cásino" and "casino" compare equal.
//
// transform.Chain keeps internal state, so a new chain is built per call.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		return strings.ToLower(s)
	}
	return out
}

// Splits a chat message in to lower-case, accent-folded tokens. Punctuation separates tokens and is dropped, so "FREE-crypto!!" yields ["free", "crypto"].
//
// Stop word lists go through the same function, which is what makes matching whole-token: "casinos" is never the token "casino".
func TokenizeText(text string) []string {
	return strings.Fields(fold(nonTokenChars.ReplaceAllString(text, " ")))
}

func splitIdentRune(c rune) bool {
	return !unicode.IsLetter(c) && !unicode.IsNumber(c)
}

// Splits a username or display handle in to tokens, dropping single-character ones.
//
// For example, free_crypto-signals99 would be split in to ["free", "crypto", "signals99"]
func TokenizeIdentifier(orig string) []string {
	fields := strings.FieldsFunc(orig, splitIdentRune)
	out := make([]string, 0, len(fields))
	for _, v := range fields {
		tok := Slugify(v)
		if len(tok) > 1 {
			out = append(out, tok)
		}
	}
	return out
}
