// Package archive keeps the history of finished jobs after the reaper has
// removed them from memory. Records go to SQLite and, optionally, to an
// S3-compatible bucket as MessagePack batches.
package archive

import (
	"bytes"
	"fmt"
	"time"

	"github.com/aristath/quantlab/internal/jobs"
	"github.com/vmihailenco/msgpack/v5"
)

// Entry is the archived form of a job record.
type Entry struct {
	ID          string     `msgpack:"id" json:"id"`
	Kind        string     `msgpack:"kind" json:"kind"`
	Status      string     `msgpack:"status" json:"status"`
	CreatedAt   time.Time  `msgpack:"created_at" json:"created_at"`
	StartedAt   *time.Time `msgpack:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time `msgpack:"completed_at,omitempty" json:"completed_at,omitempty"`
	Progress    *float64   `msgpack:"progress,omitempty" json:"progress,omitempty"`
	Message     string     `msgpack:"message,omitempty" json:"message,omitempty"`
	Error       string     `msgpack:"error,omitempty" json:"error,omitempty"`
	Result      []byte     `msgpack:"result,omitempty" json:"-"`
}

// NewEntry converts a record, encoding its result as MessagePack.
func NewEntry(rec jobs.Record) (Entry, error) {
	result, err := encodeResult(rec.Result)
	if err != nil {
		return Entry{}, fmt.Errorf("encode result of job %s: %w", rec.ID, err)
	}
	return Entry{
		ID:          rec.ID,
		Kind:        string(rec.Kind),
		Status:      string(rec.Status),
		CreatedAt:   rec.CreatedAt,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		Progress:    rec.Progress,
		Message:     rec.Message,
		Error:       rec.Error,
		Result:      result,
	}, nil
}

// Record converts the entry back. Structured results come back as generic
// maps and slices keyed by their JSON field names.
func (e Entry) Record() (jobs.Record, error) {
	result, err := decodeResult(e.Result)
	if err != nil {
		return jobs.Record{}, fmt.Errorf("decode result of job %s: %w", e.ID, err)
	}
	return jobs.Record{
		ID:          e.ID,
		Kind:        jobs.Kind(e.Kind),
		Status:      jobs.Status(e.Status),
		CreatedAt:   e.CreatedAt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		Progress:    e.Progress,
		Message:     e.Message,
		Error:       e.Error,
		Result:      result,
	}, nil
}

func encodeResult(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	// Reuse the JSON names so archived results read like API responses.
	enc.SetCustomStructTag("json")
	enc.SetOmitEmpty(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeResult(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	return dec.DecodeInterface()
}

// encodeBatch encodes entries as one MessagePack array.
func encodeBatch(entries []Entry) ([]byte, error) {
	return msgpack.Marshal(entries)
}

// DecodeBatch reads an object written by the S3 sink.
func DecodeBatch(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
