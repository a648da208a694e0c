package store

import (
	"errors"
	"fmt"
)

// PersistenceError is any workspace record store failure. Conflict marks
// the expected create race: a concurrent caller already inserted the row
// for the same organization id.
type PersistenceError struct {
	Op       string
	Conflict bool
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.Conflict {
		return fmt.Sprintf("%s: conflict", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a uniqueness-violation PersistenceError.
func IsConflict(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Conflict
}
