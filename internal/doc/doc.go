// Package doc defines the document identity and payload types shared by the
// storage, index, and engine layers.
package doc

import (
	"encoding/json"
	"fmt"

	"github.com/aifocal/akidb/internal/vector"
	"github.com/google/uuid"
)

// ID is a globally unique, time-ordered 128-bit document identifier.
// Clients supply it; UUIDv7 keeps insertion order roughly chronological.
type ID = uuid.UUID

// NewID generates a fresh time-ordered ID. Falls back to a random (v4) UUID
// if generating the v7 UUID fails.
func NewID() ID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// ParseID parses a textual document ID.
func ParseID(s string) (ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid document id %q: %w", s, err)
	}
	return id, nil
}

// Payload is an opaque JSON object attached to a vector. The core stores it
// as raw bytes; the filter evaluator decodes the typed subset on demand.
type Payload []byte

// Fields decodes the payload into a generic map. A nil payload decodes to nil.
func (p Payload) Fields() (map[string]any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return m, nil
}

// Valid reports whether the payload is absent or well-formed JSON.
func (p Payload) Valid() bool {
	return len(p) == 0 || json.Valid(p)
}

// Document pairs an identifier with its vector and payload.
type Document struct {
	ID      ID
	Vector  vector.Vector
	Payload Payload
}
