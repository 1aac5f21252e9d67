package job

import (
	"context"
	"errors"
	"iter"
)

// ErrMalformedSubmission is returned by DequeueSubmission when the popped
// entry cannot be decoded. The entry is gone; the queue is still usable.
var ErrMalformedSubmission = errors.New("malformed submission")

// Store persists job records, the pending submission queue and named scalars.
// Every operation is atomic at the level of a single job record.
type Store interface {
	// Update merges fields into the job's record, creating it if absent.
	Update(ctx context.Context, id string, fields Fields) error
	// GetField returns one field; ok is false when the field or record is absent.
	GetField(ctx context.Context, id, name string) (value string, ok bool, err error)
	// GetAll returns the whole record, or an empty map when absent.
	GetAll(ctx context.Context, id string) (Fields, error)
	// Scan lazily enumerates job ids starting with prefix. Each call starts a
	// fresh enumeration; concurrent writes never break it.
	Scan(ctx context.Context, prefix string) iter.Seq2[string, error]

	PushSubmission(ctx context.Context, s Submission) error
	// DequeueSubmission pops one pending submission, or returns nil when empty.
	// An undecodable entry is dropped and reported as ErrMalformedSubmission.
	DequeueSubmission(ctx context.Context) (*Submission, error)

	GetScalar(ctx context.Context, name string) (value string, ok bool, err error)
	SetScalar(ctx context.Context, name, value string) error

	Close() error
}
