package domain

import "context"

// QueryEngine answers a free-text question.
type QueryEngine interface {
	Query(ctx context.Context, question string) (QueryResult, error)
}

type QueryResult struct {
	Answer string `json:"answer"`
}

// ContentEngine extracts and indexes uploaded documents.
// Initialize must succeed before any IngestDocument call is accepted.
type ContentEngine interface {
	Initialize(ctx context.Context) error
	IngestDocument(ctx context.Context, data []byte, filename string) (IngestResult, error)
}

type IngestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
