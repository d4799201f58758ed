package shelf

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist and no default
	// was supplied.
	ErrNotFound = errors.New("record not found")
	// ErrTypeMismatch is returned when an update produces no record, or a
	// record whose PersistentKey differs from the key being updated.
	ErrTypeMismatch = errors.New("record type or key mismatch")
	// ErrConfiguration is returned for an invalid Config.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrIndexNotRegistered is returned by ScanIndex for an unknown index.
	ErrIndexNotRegistered = errors.New("index not registered")
	// ErrEmptyKey is returned by Dict for keys that encode to zero bytes.
	ErrEmptyKey = errors.New("empty key")
)

// StorageError wraps a failure of the lock or the underlying engine.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
