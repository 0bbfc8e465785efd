// Package store defines the persistence gateway used by the ingest pipeline
// and the CRUD endpoints. Implementations live in the redisstore and pgstore
// subpackages.
package store

import (
	"context"
	"fmt"

	"golang.org/x/xerrors"

	"roadwatch/internal/data"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = xerrors.New("record not found")

// Error wraps any datastore failure other than a missing record.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %s", e.Op, e.Err.Error())
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns a *Error for op, or nil when err is nil. ErrNotFound passes
// through unchanged so callers can still match it.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if xerrors.Is(err, ErrNotFound) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Store is safe for concurrent use.
type Store interface {
	// Insert persists rec and returns it with its assigned id.
	Insert(ctx context.Context, rec data.CanonicalRecord) (data.StoredRecord, error)
	Get(ctx context.Context, id int64) (data.StoredRecord, error)
	// Update replaces every field of the record with the given id.
	Update(ctx context.Context, id int64, rec data.CanonicalRecord) (data.StoredRecord, error)
	// Delete removes the record and returns what was stored.
	Delete(ctx context.Context, id int64) (data.StoredRecord, error)
	// List returns all records ordered by id.
	List(ctx context.Context) ([]data.StoredRecord, error)
	Ping(ctx context.Context) error
	Close() error
}
