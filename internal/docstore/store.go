// Package docstore defines the reactive document store consumed by the sync core and an
// in-memory implementation used by tests and local runs.
package docstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrInvalidPath is returned for empty paths or paths that do not address a document.
var ErrInvalidPath = errors.New("docstore: invalid document path")

// Record is a single document snapshot.
type Record struct {
	Path       string
	ID         string
	Data       map[string]any
	UpdateTime time.Time
}

// Unsubscribe stops a subscription. Implementations make it safe to call more than once.
type Unsubscribe func()

// ChangeFunc receives the latest snapshot. exists is false when the document is absent.
type ChangeFunc func(rec Record, exists bool)

// ErrorFunc receives stream failures. The subscription may keep delivering afterwards.
type ErrorFunc func(err error)

// Increment marks a numeric field to be atomically increased by the given amount during a write.
type Increment int64

// Store is the document store contract. Subscribe never invokes callbacks on the caller's
// goroutine, and callbacks of one subscription are delivered in order.
type Store interface {
	Get(ctx context.Context, path string) (Record, bool, error)
	Subscribe(ctx context.Context, path string, onChange ChangeFunc, onError ErrorFunc) (Unsubscribe, error)
	Write(ctx context.Context, path string, data map[string]any, merge bool) error
	RunTransaction(ctx context.Context, fn TxFunc) error
}

// Tx is the read-then-write view available inside RunTransaction.
type Tx interface {
	Get(path string) (Record, bool, error)
	Write(path string, data map[string]any, merge bool) error
}

// TxFunc runs inside a transaction. Returning an error aborts every write made through tx.
type TxFunc func(ctx context.Context, tx Tx) error

// SplitPath validates a document path and returns its segments.
func SplitPath(path string) ([]string, error) {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return nil, ErrInvalidPath
	}
	parts := strings.Split(trimmed, "/")
	if len(parts)%2 != 0 {
		return nil, ErrInvalidPath
	}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return nil, ErrInvalidPath
		}
	}
	return parts, nil
}
