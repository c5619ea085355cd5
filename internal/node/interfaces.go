package node

import (
	"context"
	"time"
)

// Device is the capability set a hardware family implements. The executor
// owns the status register and guarantees Execute is never called
// concurrently.
type Device interface {
	// Connect builds a fresh client handle for the device and probes it.
	Connect(ctx context.Context) error
	// About returns the capability descriptor served on /about.
	About() About
	// Execute performs exactly one dispatched action. Failures are returned
	// as errors, classified with *Error where the kind is known.
	Execute(ctx context.Context, req ActionRequest) (Result, error)
}

// HistoryStore persists finished action records.
type HistoryStore interface {
	RecordAction(ctx context.Context, rec ActionRecord) error
	RecentActions(ctx context.Context, limit int) ([]ActionRecord, error)
}

// Archiver mirrors a local artifact to remote storage and returns its URI.
type Archiver interface {
	Archive(ctx context.Context, kind, localPath string) (string, error)
}

// Publisher pushes action events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes artifact digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces action IDs.
type IDGenerator interface {
	NewID() (string, error)
}
