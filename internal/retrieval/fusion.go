package retrieval

import (
	"math"
	"sort"
)

// Weights scale the two candidate scores. They need not sum to 1; a zero
// weight turns the search into a single-path search.
type Weights struct {
	Vector float64 `json:"vector"`
	Text   float64 `json:"text"`
}

// DefaultWeights favours semantic similarity.
var DefaultWeights = Weights{Vector: 0.7, Text: 0.3}

// ScoredRecord is a fused search result. Scores are computed per query and
// never stored.
type ScoredRecord struct {
	Record
	FinalScore  float64
	VectorScore float64
	TextScore   float64
}

// scorePrecision is the number of decimal places scores are rounded to.
const scorePrecision = 4

func roundScore(v float64) float64 {
	p := math.Pow(10, scorePrecision)
	return math.Round(v*p) / p
}

// Fuse merges vector and lexical candidates into one list ordered by
// weighted score, newest record first on ties, then by id. A record missing
// from one candidate set scores 0 on that side.
func Fuse(vector []VectorHit, lexical []LexicalHit, w Weights, limit int) []ScoredRecord {
	byID := make(map[string]*ScoredRecord, len(vector)+len(lexical))
	var order []string

	entry := func(r Record) *ScoredRecord {
		sr, ok := byID[r.ID]
		if !ok {
			sr = &ScoredRecord{Record: r}
			byID[r.ID] = sr
			order = append(order, r.ID)
		}
		return sr
	}

	for _, h := range vector {
		sr := entry(h.Record)
		sr.VectorScore = math.Max(sr.VectorScore, h.Similarity())
	}
	for _, h := range lexical {
		sr := entry(h.Record)
		sr.TextScore = math.Max(sr.TextScore, clamp01(h.Rank))
	}

	out := make([]ScoredRecord, 0, len(order))
	for _, id := range order {
		sr := byID[id]
		sr.FinalScore = roundScore(w.Vector*sr.VectorScore + w.Text*sr.TextScore)
		sr.VectorScore = roundScore(sr.VectorScore)
		sr.TextScore = roundScore(sr.TextScore)
		out = append(out, *sr)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
