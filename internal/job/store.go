package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store persists and retrieves job status records keyed by session id.
type Store interface {
	// Put atomically replaces the record stored under id.
	Put(ctx context.Context, id string, r *Record) error
	// Get returns nil, nil when no record exists for id.
	Get(ctx context.Context, id string) (*Record, error)
	// List returns session ids, most recently updated first.
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
	// DeleteTerminalBefore removes terminal records last updated before the
	// given time and returns how many were removed.
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// Watcher is implemented by stores that can signal changes to a record.
// The returned channel receives a value after the record for id may have
// changed and is closed when ctx is done.
type Watcher interface {
	Watch(ctx context.Context, id string) (<-chan struct{}, error)
}

// ErrInvalidID is returned for session ids that cannot be used as store keys.
var ErrInvalidID = errors.New("invalid session id")

// validateID rejects ids that could escape a store's namespace when used as a
// file name.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
