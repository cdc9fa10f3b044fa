package matcher

import (
	"context"
	"math"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "of": true, "to": true,
	"for": true, "in": true, "on": true, "with": true, "that": true, "is": true,
	"by": true, "or": true, "from": true, "it": true, "this": true, "be": true,
}

// NewLexical returns a Matcher that scores by term-frequency cosine
// similarity. It needs no network access.
func NewLexical(catalog *Catalog, opts *Options) *Matcher {
	return newMatcher(catalog, lexicalScorer{}, opts)
}

type lexicalScorer struct{}

func (lexicalScorer) score(_ context.Context, query string, docs []string) ([]float64, error) {
	qv := termVector(query)
	out := make([]float64, len(docs))
	for i, d := range docs {
		out[i] = sparseCosine(qv, termVector(d))
	}
	return out, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func termVector(text string) map[string]float64 {
	v := make(map[string]float64)
	for _, tok := range tokenize(text) {
		v[tok]++
	}
	return v
}

func sparseCosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for k, x := range a {
		na += x * x
		if y, ok := b[k]; ok {
			dot += x * y
		}
	}
	for _, y := range b {
		nb += y * y
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
