package governance

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DefaultStopWords are matched when no list is configured.
var DefaultStopWords = []string{"stop", "halt", "freeze", "stop moving", "emergency stop"}

// normalizeUtterance folds text to NFC lower case with punctuation turned
// into single spaces.
func normalizeUtterance(s string) string {
	s = strings.ToLower(norm.NFC.String(s))
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// StopWords matches stop phrases in user utterances. Multi-word phrases
// match as substrings; single words must stand alone.
type StopWords struct {
	phrases []string
	words   []*regexp.Regexp
	raw     []string
}

func NewStopWords(list []string) *StopWords {
	if len(list) == 0 {
		list = DefaultStopWords
	}
	s := &StopWords{}
	for _, w := range list {
		n := normalizeUtterance(w)
		if n == "" {
			continue
		}
		s.raw = append(s.raw, n)
		if strings.Contains(n, " ") {
			s.phrases = append(s.phrases, n)
			continue
		}
		s.words = append(s.words, regexp.MustCompile(`(^|\s)`+regexp.QuoteMeta(n)+`($|\s)`))
	}
	return s
}

// Match returns the first stop phrase found in text.
func (s *StopWords) Match(text string) (string, bool) {
	n := normalizeUtterance(text)
	if n == "" {
		return "", false
	}
	for _, p := range s.phrases {
		if strings.Contains(n, p) {
			return p, true
		}
	}
	for _, re := range s.words {
		if m := re.FindString(n); m != "" {
			return strings.TrimSpace(m), true
		}
	}
	return "", false
}

// List returns the normalized stop phrases.
func (s *StopWords) List() []string { return s.raw }
