package resolver

import (
	"math"
	"sort"
	"strings"

	"github.com/batvault/gateway/pkg/contracts"
)

// Candidate is one entry in the local fallback pool.
type Candidate struct {
	ID    string
	Title string
}

// BM25 constants; standard values, stable across deployments.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// ScoreBM25 ranks pool candidates against the query with a BM25-style
// scorer over whitespace/slug tokens. Results are sorted by descending score
// with id tiebreak; zero-score candidates are omitted.
func ScoreBM25(query string, pool []Candidate) []contracts.QueryMatch {
	if len(pool) == 0 {
		return nil
	}

	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return nil
	}

	docs := make([][]string, len(pool))
	totalLen := 0
	for i, c := range pool {
		docs[i] = tokenize(c.ID + " " + c.Title)
		totalLen += len(docs[i])
	}
	avgLen := float64(totalLen) / float64(len(pool))
	if avgLen == 0 {
		return nil
	}

	// Document frequency per query token.
	df := make(map[string]int, len(qTokens))
	for _, qt := range qTokens {
		for _, doc := range docs {
			if containsToken(doc, qt) {
				df[qt]++
			}
		}
	}

	n := float64(len(pool))
	var out []contracts.QueryMatch
	for i, c := range pool {
		score := 0.0
		docLen := float64(len(docs[i]))
		for _, qt := range qTokens {
			tf := float64(countToken(docs[i], qt))
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[qt])+0.5)/(float64(df[qt])+0.5))
			score += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
		}
		if score > 0 {
			out = append(out, contracts.QueryMatch{ID: c.ID, Title: c.Title, Score: score})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// tokenize lowercases and splits on whitespace, hyphens, and underscores.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '-' || r == '_' ||
			r == '?' || r == '.' || r == ',' || r == '!'
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func containsToken(doc []string, tok string) bool {
	for _, d := range doc {
		if d == tok {
			return true
		}
	}
	return false
}

func countToken(doc []string, tok string) int {
	n := 0
	for _, d := range doc {
		if d == tok {
			n++
		}
	}
	return n
}
