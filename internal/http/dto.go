// Package httpapi provides HTTP handlers and data transfer objects for the AkiDB API.
package httpapi

import (
	"encoding/json"

	"github.com/aifocal/akidb/internal/engine"
)

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string   `json:"status"`
	Collections []string `json:"collections"`
}

// CreateCollectionRequest creates a collection.
type CreateCollectionRequest struct {
	Name      string `json:"name"`
	Dimension uint32 `json:"dimension"`
	Metric    string `json:"metric"`           // cosine | l2 | dot
	Policy    string `json:"policy,omitempty"` // memory | memory_remote | remote_only
}

// InsertRequest inserts one vector document.
type InsertRequest struct {
	ID      string          `json:"id"` // UUID format
	Vector  []float32       `json:"vector"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InsertResponse acknowledges an insert.
type InsertResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// QueryRequest represents a top-k search request.
type QueryRequest struct {
	Vector []float32       `json:"vector"`
	K      int             `json:"k,omitempty"` // Default: 10
	Filter json.RawMessage `json:"filter,omitempty"`
}

// QueryResult is one ranked hit.
type QueryResult struct {
	ID       string          `json:"id"`
	Distance float32         `json:"distance"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// QueryResponse represents ranked search results.
type QueryResponse struct {
	Results  []QueryResult `json:"results"`
	Count    int           `json:"count"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// GetResponse returns one document.
type GetResponse struct {
	ID      string          `json:"id"`
	Vector  []float32       `json:"vector"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StatsResponse mirrors engine.CollectionStats.
type StatsResponse struct {
	Collection string                  `json:"collection"`
	Stats      *engine.CollectionStats `json:"stats"`
}
