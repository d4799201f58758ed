// Package engine defines the ordered key-value engine that shelf stores are
// built on, together with its backends.
//
// Keys and values are opaque byte strings. Every backend keeps keys in
// byte-wise order, so a prefix scan visits entries in key order.
package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned by Get and Delete when the key is absent.
	ErrKeyNotFound = errors.New("key not found")
	// ErrClosed is returned by any operation on a closed engine.
	ErrClosed = errors.New("engine closed")
	// ErrEmptyKey is returned when a key of length zero is written.
	ErrEmptyKey = errors.New("empty key")
	// ErrUnknownOp is returned by Apply for an op code it does not understand.
	ErrUnknownOp = errors.New("unknown batch op")
)

// Engine is the primitive storage contract. Implementations are safe for
// concurrent use.
type Engine interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	Set(key, value []byte) error
	// Delete removes key. It returns ErrKeyNotFound when the key is absent.
	Delete(key []byte) error
	// Scan calls fn for every entry whose key starts with prefix, in key
	// order. An empty prefix visits every entry. Returning an error from fn
	// stops the scan and that error is returned. fn must not retain k or v.
	Scan(prefix []byte, fn func(k, v []byte) error) error
	// Apply performs every op or none of them. Deleting an absent key inside
	// a batch is not an error.
	Apply(ops []Op) error
	// Sync flushes buffered writes to durable storage.
	Sync() error
	// Close releases the engine. Calling it more than once is harmless.
	Close() error
}

// OpCode selects the action of a batch Op.
type OpCode uint8

const (
	OpSet OpCode = iota
	OpDelete
)

func (c OpCode) String() string {
	switch c {
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(c))
	}
}

// Op is one step of an atomic batch.
type Op struct {
	Code  OpCode
	Key   []byte
	Value []byte
}

// SetOp returns an Op that stores value under key.
func SetOp(key, value []byte) Op {
	return Op{Code: OpSet, Key: key, Value: value}
}

// DeleteOp returns an Op that removes key.
func DeleteOp(key []byte) Op {
	return Op{Code: OpDelete, Key: key}
}

// OpenError reports a location that could not be opened.
type OpenError struct {
	Location string
	Err      error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open engine %q: %v", e.Location, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// validateOps rejects a batch before any backend starts applying it.
func validateOps(ops []Op) error {
	for i, op := range ops {
		if op.Code != OpSet && op.Code != OpDelete {
			return fmt.Errorf("batch op %d: %w: %s", i, ErrUnknownOp, op.Code)
		}
		if len(op.Key) == 0 {
			return fmt.Errorf("batch op %d: %w", i, ErrEmptyKey)
		}
	}
	return nil
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists (prefix is empty or all 0xff).
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
