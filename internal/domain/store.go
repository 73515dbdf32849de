package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Record kinds persisted by the core.
const (
	RecordKindSession     = "session"
	RecordKindPerformance = "performance"
	RecordKindAlert       = "alert"
)

// Record is an opaque JSON row identified by kind and id.
type Record struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewRecord encodes v as the payload of a record.
func NewRecord(kind, id string, v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, NewSubSystemError("store", "NewRecord", ErrInvalidInput, err.Error())
	}
	return Record{Kind: kind, ID: id, Payload: data, UpdatedAt: time.Now()}, nil
}

// Decode unmarshals the payload into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// RecordStore persists session and metrics records. Get returns an error
// wrapping ErrNotFound when the record does not exist.
type RecordStore interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, kind, id string) (*Record, error)
	List(ctx context.Context, kind string) ([]Record, error)
	Delete(ctx context.Context, kind, id string) error
	Close() error
}
