// Package lexical turns free text into the normalized terms used for keyword
// matching. Index-side stemming and ranking belong to the store; this package
// only decides which query terms are worth matching.
package lexical

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrUnsupportedLanguage is returned by New when no analyzer exists for the
// requested language. The returned analyzer is still usable.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Simple is the language-agnostic analyzer name.
const Simple = "simple"

// Analyzer extracts match terms from text.
type Analyzer interface {
	// Name is the language the analyzer was built for.
	Name() string
	// Terms returns the distinct normalized terms of text in first-seen order.
	Terms(text string) []string
}

// New returns the analyzer for language. Unknown languages fall back to the
// simple analyzer together with ErrUnsupportedLanguage.
func New(language string) (Analyzer, error) {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" || lang == Simple {
		return &analyzer{name: Simple}, nil
	}
	stop, ok := stopwordSets[lang]
	if !ok {
		return &analyzer{name: Simple}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	return &analyzer{name: lang, stopwords: stop}, nil
}

// Languages lists the languages with a dedicated analyzer.
func Languages() []string {
	out := []string{Simple}
	for lang := range stopwordSets {
		out = append(out, lang)
	}
	return out
}

type analyzer struct {
	name      string
	stopwords map[string]struct{}
}

func (a *analyzer) Name() string { return a.name }

func (a *analyzer) Terms(text string) []string {
	folded := Fold(text)
	words := strings.FieldsFunc(folded, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	seen := make(map[string]struct{}, len(words))
	var terms []string
	for _, w := range words {
		if len([]rune(w)) < 2 {
			continue
		}
		if _, skip := a.stopwords[w]; skip {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, w)
	}
	return terms
}

// Fold lowercases text and strips combining marks, so "Café" and "cafe" match.
func Fold(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, text)
	if err != nil {
		out = text
	}
	return strings.ToLower(out)
}
