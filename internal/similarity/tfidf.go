// Package similarity ranks a corpus of texts against a query with TF-IDF
// weighting and cosine scoring. The model is rebuilt on every call; no
// vocabulary or vectors survive between calls.
package similarity

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Match is one ranked corpus entry.
type Match struct {
	Index int
	Score float64
}

const epsilon = 1e-12

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Rank scores every corpus entry against query and returns the non-zero
// matches, highest score first. Equal scores favour the later entry.
// k <= 0 returns every match.
func Rank(corpus []string, query string, k int) []Match {
	if len(corpus) == 0 {
		return nil
	}
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	docs := make([][]string, len(corpus))
	df := make(map[string]int)
	for i, text := range corpus {
		docs[i] = tokenize(text)
		seen := make(map[string]struct{}, len(docs[i]))
		for _, tok := range docs[i] {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			df[tok]++
		}
	}
	if len(df) == 0 {
		return nil
	}

	// Smoothed idf keeps single-document corpora finite and non-zero.
	n := float64(len(corpus))
	idf := make(map[string]float64, len(df))
	for term, count := range df {
		idf[term] = math.Log((1+n)/(1+float64(count))) + 1.0
	}

	qv := weigh(queryTokens, idf)
	if len(qv) == 0 {
		return nil
	}

	matches := make([]Match, 0, len(corpus))
	for i, tokens := range docs {
		dv := weigh(tokens, idf)
		score := dot(qv, dv)
		if score <= epsilon {
			continue
		}
		matches = append(matches, Match{Index: i, Score: score})
	}

	sort.SliceStable(matches, func(a, b int) bool {
		if math.Abs(matches[a].Score-matches[b].Score) > epsilon {
			return matches[a].Score > matches[b].Score
		}
		return matches[a].Index > matches[b].Index
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// weigh builds an L2-normalized sparse tf-idf vector. Terms outside the
// vocabulary are ignored.
func weigh(tokens []string, idf map[string]float64) map[string]float64 {
	tf := make(map[string]int)
	total := 0
	for _, tok := range tokens {
		if _, ok := idf[tok]; !ok {
			continue
		}
		tf[tok]++
		total++
	}
	if total == 0 {
		return nil
	}
	vec := make(map[string]float64, len(tf))
	norm := 0.0
	for term, count := range tf {
		w := float64(count) / float64(total) * idf[term]
		vec[term] = w
		norm += w * w
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil
	}
	for term := range vec {
		vec[term] /= norm
	}
	return vec
}

func dot(a, b map[string]float64) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	sum := 0.0
	for term, w := range a {
		sum += w * b[term]
	}
	return sum
}

func tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at",
		"by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "its", "this", "that",
		"these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such",
		"into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off",
		"own", "same", "too", "very", "can", "will", "just", "don", "should", "now", "i", "you", "me", "my",
		"we", "our", "do", "does", "did", "what", "s",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
