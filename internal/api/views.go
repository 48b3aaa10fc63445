package api

import (
	"time"

	"github.com/kalambet/recall/internal/retrieval"
)

// RecordView is the wire form of a record.
type RecordView struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Content   string         `json:"content"`
	Category  string         `json:"category"`
	Metadata  map[string]any `json:"metadata"`
	Embedded  bool           `json:"embedded"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func recordView(r retrieval.Record) RecordView {
	md := r.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return RecordView{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Content:   r.Content,
		Category:  r.Category,
		Metadata:  md,
		Embedded:  r.HasCurrentEmbedding(),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// RecordList is a page of records.
type RecordList struct {
	Records []RecordView `json:"records"`
	Total   int          `json:"total"`
}

func recordList(records []retrieval.Record, total int) RecordList {
	out := RecordList{Records: make([]RecordView, len(records)), Total: total}
	for i, r := range records {
		out.Records[i] = recordView(r)
	}
	return out
}

// SearchHit is one ranked search result.
type SearchHit struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Category    string         `json:"category"`
	FinalScore  float64        `json:"final_score"`
	VectorScore float64        `json:"vector_score"`
	BM25Score   float64        `json:"bm25_score"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SearchResponse is the wire form of retrieval.SearchResult.
type SearchResponse struct {
	Query          string                 `json:"query"`
	OwnerID        string                 `json:"owner_id"`
	ResultsCount   int                    `json:"results_count"`
	Degraded       bool                   `json:"degraded"`
	DegradedReason string                 `json:"degraded_reason,omitempty"`
	Results        []SearchHit            `json:"results"`
	Debug          *retrieval.SearchDebug `json:"debug,omitempty"`
}

func searchResponse(res retrieval.SearchResult) SearchResponse {
	out := SearchResponse{
		Query:          res.Query,
		OwnerID:        res.OwnerID,
		ResultsCount:   len(res.Results),
		Degraded:       res.Degraded,
		DegradedReason: res.DegradedReason,
		Results:        make([]SearchHit, len(res.Results)),
		Debug:          res.Debug,
	}
	for i, r := range res.Results {
		md := r.Metadata
		if md == nil {
			md = map[string]any{}
		}
		out.Results[i] = SearchHit{
			ID:          r.ID,
			Content:     r.Content,
			Category:    r.Category,
			FinalScore:  r.FinalScore,
			VectorScore: r.VectorScore,
			BM25Score:   r.TextScore,
			Metadata:    md,
			CreatedAt:   r.CreatedAt,
		}
	}
	return out
}

// StatsView is the wire form of retrieval.Stats.
type StatsView struct {
	Total       int            `json:"total"`
	ByCategory  map[string]int `json:"by_category"`
	LastUpdated *time.Time     `json:"last_updated"`
	Embedded    int            `json:"embedded"`
	Pending     int            `json:"pending"`
}

func statsView(s retrieval.Stats) StatsView {
	by := s.ByCategory
	if by == nil {
		by = map[string]int{}
	}
	return StatsView{
		Total:       s.Total,
		ByCategory:  by,
		LastUpdated: s.LastUpdated,
		Embedded:    s.Embedded,
		Pending:     s.Pending,
	}
}
