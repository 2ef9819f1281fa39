package helpers

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/spaolacci/murmur3"
)

func DedupeStrings(in []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, v := range in {
		if !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	return out
}

// returns a fast, compact hash of a string
//
// current implementation uses murmur3, default seed, and hex encoding
func HashOfString(s string) string {
	val := murmur3.Sum64([]byte(s))
	return fmt.Sprintf("%016x", val)
}

// based on: https://stackoverflow.com/a/48769624, with no trailing period allowed
var urlRegex = regexp.MustCompile(`(?:(?:https?|ftp):\/\/)?[\w/\-?=%.]+\.[\w/\-&?=%.]*[\w/\-&?=%]+`)

// chat handles: 5-32 chars, must start with a letter. the leading boundary group is matched (no lookbehind in RE2) and trimmed off below.
var mentionRegex = regexp.MustCompile(`(?:^|[\s(\[,;])(@[A-Za-z][A-Za-z0-9_]{4,31})\b`)

func ExtractTextURLs(raw string) []string {
	return urlRegex.FindAllString(raw, -1)
}

// Returns "@handle" mentions in order of appearance. Email addresses are not mentions.
func ExtractMentions(raw string) []string {
	var out []string
	for _, m := range mentionRegex.FindAllStringSubmatch(raw, -1) {
		out = append(out, m[1])
	}
	return out
}

// Returns URLs and mentions found in text, in order of appearance and without duplicates.
//
// Bare matches which only look like a URL (version numbers, "e.g.") are filtered out by requiring an alphabetic top-level domain.
func ExtractLinks(raw string) []string {
	type hit struct {
		pos int
		val string
	}
	var hits []hit
	for _, loc := range urlRegex.FindAllStringIndex(raw, -1) {
		val := raw[loc[0]:loc[1]]
		if plausibleLink(val) {
			hits = append(hits, hit{pos: loc[0], val: val})
		}
	}
	for _, loc := range mentionRegex.FindAllStringSubmatchIndex(raw, -1) {
		hits = append(hits, hit{pos: loc[2], val: raw[loc[2]:loc[3]]})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	vals := make([]string, len(hits))
	for i, h := range hits {
		vals[i] = h.val
	}
	return DedupeStrings(vals)
}

func plausibleLink(s string) bool {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "ftp://") {
		return true
	}
	host := LinkHost(s)
	idx := strings.LastIndexByte(host, '.')
	if idx < 0 {
		return false
	}
	tld := host[idx+1:]
	if len(tld) < 2 {
		return false
	}
	for _, r := range tld {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// Returns the lower-cased hostname of a link, without any "www." prefix. Mentions and empty strings return "".
func LinkHost(link string) string {
	if link == "" || strings.HasPrefix(link, "@") {
		return ""
	}
	s := strings.ToLower(link)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, ".")
	return strings.TrimPrefix(s, "www.")
}

// Returns the host and each of its parent domains, most specific first, stopping before the bare TLD.
//
// For example, "a.b.example.com" gives ["a.b.example.com", "b.example.com", "example.com"].
func ParentDomains(host string) []string {
	if host == "" {
		return nil
	}
	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return []string{host}
	}
	out := make([]string, 0, len(parts)-1)
	for i := 0; i < len(parts)-1; i++ {
		out = append(out, strings.Join(parts[i:], "."))
	}
	return out
}
