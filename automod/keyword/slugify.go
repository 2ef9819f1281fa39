package keyword

import (
	"regexp"
)

var nonSlugChars = regexp.MustCompile(`[^\pL\pN]+`)

// Reduces a username fragment to bare letters and digits, lower-cased and accent-folded, so "Crÿpto_Bøt" and "cryptobot" share a slug. Letters without a decomposition (eg, "ø") are kept as-is.
func Slugify(orig string) string {
	return nonSlugChars.ReplaceAllString(fold(orig), "")
}
