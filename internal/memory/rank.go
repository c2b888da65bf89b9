// ABOUTME: Relevance scoring for memory recall
// ABOUTME: Cosine similarity over embeddings and lexical token overlap as the fallback

package memory

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// stopwords are ignored by lexical matching.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "i": true, "in": true,
	"is": true, "it": true, "me": true, "my": true, "of": true, "on": true,
	"or": true, "the": true, "to": true, "was": true, "what": true, "with": true,
	"you": true,
}

// Tokenize lowercases text and splits it into distinct content words.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopwords[f] || seen[f] {
			continue
		}
		// Lone letters are contraction debris ("what's" -> "what", "s")
		if len([]rune(f)) == 1 && unicode.IsLetter([]rune(f)[0]) {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}

// lexicalScore is the fraction of query tokens present in the content.
func lexicalScore(queryTokens []string, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, t := range Tokenize(content) {
		have[t] = true
	}
	var hits int
	for _, t := range queryTokens {
		if have[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// when the vectors differ in length or either is zero.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rankResults orders by score descending. Equal scores put short-term
// entries first, then the more recent record.
func rankResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		aShort := a.Record.Kind == KindShortTerm
		bShort := b.Record.Kind == KindShortTerm
		if aShort != bShort {
			return aShort
		}
		return a.Record.CreatedAt.After(b.Record.CreatedAt)
	})
}
