package keyword

// Matches text against a configured list of stop words and phrases.
//
// Both the list entries and the text are run through TokenizeText, so matching is case-insensitive, ignores accents and punctuation, and only ever matches whole tokens: "ass" does not match "class". Multi-word entries match as a contiguous token sequence.
//
// Safe for concurrent use once constructed.
type StopWords struct {
	single  map[string]string
	phrases []stopPhrase
}

type stopPhrase struct {
	tokens []string
	orig   string
}

func NewStopWords(words []string) *StopWords {
	sw := &StopWords{
		single: make(map[string]string, len(words)),
	}
	for _, w := range words {
		toks := TokenizeText(w)
		switch len(toks) {
		case 0:
			continue
		case 1:
			if _, ok := sw.single[toks[0]]; !ok {
				sw.single[toks[0]] = w
			}
		default:
			sw.phrases = append(sw.phrases, stopPhrase{tokens: toks, orig: w})
		}
	}
	return sw
}

// Number of distinct entries.
func (sw *StopWords) Len() int {
	return len(sw.single) + len(sw.phrases)
}

// Returns the configured entry which matched, or empty string.
func (sw *StopWords) Match(text string) string {
	if sw == nil || sw.Len() == 0 {
		return ""
	}
	return sw.MatchTokens(TokenizeText(text))
}

// Like Match, for text which has already been tokenized.
func (sw *StopWords) MatchTokens(tokens []string) string {
	if sw == nil {
		return ""
	}
	for i, tok := range tokens {
		if orig, ok := sw.single[tok]; ok {
			return orig
		}
		for _, p := range sw.phrases {
			if hasPrefix(tokens[i:], p.tokens) {
				return p.orig
			}
		}
	}
	return ""
}

func hasPrefix(tokens, prefix []string) bool {
	if len(prefix) > len(tokens) {
		return false
	}
	for i := range prefix {
		if tokens[i] != prefix[i] {
			return false
		}
	}
	return true
}
