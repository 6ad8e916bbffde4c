package state

import (
	"errors"
	"fmt"
)

// ErrIdentityNotFound reports that no identity has been persisted yet.
var ErrIdentityNotFound = errors.New("cluster identity not found")

// StoreError wraps an I/O failure on a file under the state directory.
type StoreError struct {
	// Op is the failed operation (open, read, write, sync, lock, ...).
	Op string
	// Path is the file the operation acted on.
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// InvalidIdentityError indicates that the identity file holds a token this tool did not generate.
type InvalidIdentityError struct {
	Path  string
	Value string
}

func (e *InvalidIdentityError) Error() string {
	return fmt.Sprintf("identity file %s holds malformed value %q", e.Path, e.Value)
}

// IsInvalidIdentityError reports whether err is, or wraps, an InvalidIdentityError.
func IsInvalidIdentityError(err error) bool {
	var target *InvalidIdentityError
	return errors.As(err, &target)
}
