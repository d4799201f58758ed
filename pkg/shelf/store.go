package shelf

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"sync"

	"github.com/celerix-dev/shelf/internal/flock"
	"github.com/celerix-dev/shelf/pkg/codec"
	"github.com/celerix-dev/shelf/pkg/engine"
)

// Record is implemented by every type a Store persists. PersistentKey
// returns the record's identifier, which must have a JSON encoding.
type Record[K comparable] interface {
	PersistentKey() K
}

// Store persists records of type T identified by K.
type Store[K comparable, T Record[K]] struct {
	ns     string
	loc    engine.Location
	codec  *codec.Codec
	logger *slog.Logger
	lock   *flock.Lock

	// pooled is the engine shared by every call; nil means each call opens
	// and closes its own handle under the lock.
	pooled    engine.Engine
	ownsPool  bool
	closeOnce sync.Once
	closeErr  error

	mu      sync.RWMutex
	indexes map[string]IndexFunc[T]
}

// New validates cfg and returns a Store. Memory and remote locations are
// opened immediately and kept for the life of the Store; on-disk locations
// are opened per call.
func New[K comparable, T Record[K]](cfg Config[T]) (*Store[K, T], error) {
	set, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	s := &Store[K, T]{
		ns:      set.namespace,
		loc:     set.loc,
		codec:   set.codec,
		logger:  set.logger.With("namespace", set.namespace),
		lock:    flock.New(set.lockPath),
		indexes: make(map[string]IndexFunc[T]),
	}
	for name, fn := range cfg.Indexes {
		if err := s.RegisterIndex(name, fn); err != nil {
			return nil, err
		}
	}

	switch {
	case set.engine != nil:
		s.pooled = set.engine
	case set.loc.Dir() == "":
		e, err := engine.OpenLocation(set.loc, engine.WithLogger(set.logger))
		if err != nil {
			return nil, storageErr("open", err)
		}
		s.pooled = e
		s.ownsPool = true
	}
	s.logger.Debug("store ready", "location", set.loc.String(), "lock", s.lock.Path(), "pooled", s.pooled != nil)
	return s, nil
}

// Namespace returns the key namespace of the store.
func (s *Store[K, T]) Namespace() string {
	return s.ns
}

// RegisterIndex adds or replaces the extractor for name. Existing records
// are not reindexed.
func (s *Store[K, T]) RegisterIndex(name string, fn IndexFunc[T]) error {
	if name == "" {
		return fmt.Errorf("%w: empty index name", ErrConfiguration)
	}
	if fn == nil {
		return fmt.Errorf("%w: index %q has no extractor", ErrConfiguration, name)
	}
	if err := checkLen16("index name", name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[name] = fn
	return nil
}

func (s *Store[K, T]) indexSnapshot() map[string]IndexFunc[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.indexes)
}

// withEngine runs fn against the pooled engine, or against a handle opened
// for this call only.
func (s *Store[K, T]) withEngine(fn func(engine.Engine) error) error {
	if s.pooled != nil {
		return fn(s.pooled)
	}
	e, err := engine.OpenLocation(s.loc, engine.WithLogger(s.logger))
	if err != nil {
		return storageErr("open", err)
	}
	err = fn(e)
	if cerr := e.Close(); cerr != nil && err == nil {
		err = storageErr("close", cerr)
	}
	return err
}

// locked runs fn with the cross-process lock held.
func (s *Store[K, T]) locked(fn func(engine.Engine) error) error {
	guard, err := s.lock.Acquire()
	if err != nil {
		return storageErr("lock", err)
	}
	defer guard.Release()
	s.logger.Debug("lock acquired", "path", s.lock.Path())
	return s.withEngine(fn)
}

// read runs fn without the lock when the engine is pooled. Per-call handles
// always need it because some backends allow one open handle per directory.
func (s *Store[K, T]) read(fn func(engine.Engine) error) error {
	if s.pooled != nil {
		return s.withEngine(fn)
	}
	return s.locked(fn)
}

func (s *Store[K, T]) primaryKey(id K) ([]byte, error) {
	idJSON, err := marshalKeyPart(id)
	if err != nil {
		return nil, fmt.Errorf("encode key %q: %w", fmt.Sprint(id), err)
	}
	return primaryKey(s.ns, idJSON), nil
}

func (s *Store[K, T]) decode(data []byte) (T, error) {
	var rec T
	if err := s.codec.DecodeInto(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// get loads and decodes the record under pk. found is false when absent.
func (s *Store[K, T]) get(e engine.Engine, pk []byte) (rec T, found bool, err error) {
	data, err := e.Get(pk)
	if errors.Is(err, engine.ErrKeyNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, storageErr("get", err)
	}
	rec, err = s.decode(data)
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// Load returns the record stored under id, or ErrNotFound.
func (s *Store[K, T]) Load(id K) (T, error) {
	var zero T
	pk, err := s.primaryKey(id)
	if err != nil {
		return zero, err
	}
	var rec T
	var found bool
	err = s.read(func(e engine.Engine) error {
		var gerr error
		rec, found, gerr = s.get(e, pk)
		return gerr
	})
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	return rec, nil
}

// LoadOr returns the record stored under id, or def when there is none.
func (s *Store[K, T]) LoadOr(id K, def T) (T, error) {
	rec, err := s.Load(id)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	return rec, err
}

// Exists reports whether a record is stored under id.
func (s *Store[K, T]) Exists(id K) (bool, error) {
	pk, err := s.primaryKey(id)
	if err != nil {
		return false, err
	}
	var found bool
	err = s.read(func(e engine.Engine) error {
		_, err := e.Get(pk)
		switch {
		case err == nil:
			found = true
		case errors.Is(err, engine.ErrKeyNotFound):
		default:
			return storageErr("get", err)
		}
		return nil
	})
	return found, err
}

type updateOptions[T any] struct {
	def    func() T
	mutate func(T) (T, error)
}

// UpdateOption configures Update.
type UpdateOption[T any] func(*updateOptions[T])

// WithDefault supplies the record to start from when none is stored. The
// store does not assign the key: the default, after the mutator, must
// return id from PersistentKey or Update fails with ErrTypeMismatch.
func WithDefault[T any](fn func() T) UpdateOption[T] {
	return func(o *updateOptions[T]) { o.def = fn }
}

// WithMutator sets the function applied to the current record. For pointer
// records, returning nil keeps the value passed in, which lets the mutator
// modify the record in place. For value records the result is always used,
// so it must be a complete record; returning the zero value stores it (and
// fails with ErrTypeMismatch when its key is not id). An error aborts the
// update without writing anything.
func WithMutator[T any](fn func(T) (T, error)) UpdateOption[T] {
	return func(o *updateOptions[T]) { o.mutate = fn }
}

// Save stores rec under rec.PersistentKey(), replacing any previous record
// and its index entries.
func (s *Store[K, T]) Save(rec T) (T, error) {
	if isNil(rec) {
		var zero T
		return zero, fmt.Errorf("%w: cannot save a nil record", ErrTypeMismatch)
	}
	return s.Update(rec.PersistentKey(),
		WithDefault(func() T { return rec }),
		WithMutator(func(T) (T, error) { return rec, nil }),
	)
}

// Update loads the record under id (or the default), applies the mutator
// and writes the result together with its index changes in one batch, all
// under the lock.
func (s *Store[K, T]) Update(id K, opts ...UpdateOption[T]) (T, error) {
	var o updateOptions[T]
	for _, opt := range opts {
		opt(&o)
	}
	var zero T
	pk, err := s.primaryKey(id)
	if err != nil {
		return zero, err
	}
	encodedID, err := s.codec.Encode(any(id))
	if err != nil {
		return zero, err
	}
	indexes := s.indexSnapshot()

	var result T
	err = s.locked(func(e engine.Engine) error {
		current, found, err := s.get(e, pk)
		if err != nil {
			return err
		}
		prev := map[entrySig]struct{}{}
		if found {
			if prev, err = computeEntries(indexes, current); err != nil {
				return err
			}
		} else {
			if o.def == nil {
				return fmt.Errorf("%w: %v", ErrNotFound, id)
			}
			current = o.def()
		}

		next := current
		if o.mutate != nil && !isNil(current) {
			out, err := o.mutate(current)
			if err != nil {
				return err
			}
			if !isNil(out) {
				next = out
			}
		}
		if isNil(next) {
			return fmt.Errorf("%w: update of %v produced no record", ErrTypeMismatch, id)
		}
		if got := next.PersistentKey(); got != id {
			return fmt.Errorf("%w: record key %v does not match %v", ErrTypeMismatch, got, id)
		}

		nextEntries, err := computeEntries(indexes, next)
		if err != nil {
			return err
		}
		value, err := s.codec.Encode(next)
		if err != nil {
			return err
		}
		deletes, sets := diffEntries(s.ns, prev, nextEntries, pk, encodedID)
		ops := make([]engine.Op, 0, len(deletes)+1+len(sets))
		ops = append(ops, deletes...)
		ops = append(ops, engine.SetOp(pk, value))
		ops = append(ops, sets...)
		if err := e.Apply(ops); err != nil {
			return storageErr("apply", err)
		}
		s.logger.Debug("record written", "key", id, "ops", len(ops), "index_deletes", len(deletes), "index_sets", len(sets))
		result = next
		return nil
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}

// Delete removes the record under id and all of its index entries. It
// returns false when there was nothing to delete.
func (s *Store[K, T]) Delete(id K) (bool, error) {
	pk, err := s.primaryKey(id)
	if err != nil {
		return false, err
	}
	indexes := s.indexSnapshot()

	var deleted bool
	err = s.locked(func(e engine.Engine) error {
		current, found, err := s.get(e, pk)
		if err != nil || !found {
			return err
		}
		entries, err := computeEntries(indexes, current)
		if err != nil {
			return err
		}
		deletes, _ := diffEntries(s.ns, entries, nil, pk, nil)
		ops := append(deletes, engine.DeleteOp(pk))
		if err := e.Apply(ops); err != nil {
			return storageErr("apply", err)
		}
		s.logger.Debug("record deleted", "key", id, "ops", len(ops))
		deleted = true
		return nil
	})
	return deleted, err
}

// scanKeys calls fn with the identifier and raw value of every record in
// the namespace, in engine order.
func (s *Store[K, T]) scanKeys(e engine.Engine, fn func(id K, value []byte) error) error {
	err := e.Scan(namespacePrefix(s.ns), func(k, v []byte) error {
		ns, idJSON, ok := parsePrimaryKey(k)
		if !ok || ns != s.ns {
			return nil
		}
		var id K
		if err := json.Unmarshal(idJSON, &id); err != nil {
			return &codec.DeserializationError{Kind: codec.KindStructured, Type: reflect.TypeFor[K]().String(), Reason: "primary key", Err: err}
		}
		return fn(id, v)
	})
	var de *codec.DeserializationError
	if err != nil && !errors.As(err, &de) {
		return storageErr("scan", err)
	}
	return err
}

// Scan returns every record whose identifier satisfies pred, in engine
// order. A nil pred matches everything.
func (s *Store[K, T]) Scan(pred func(K) bool) ([]T, error) {
	var out []T
	err := s.read(func(e engine.Engine) error {
		return s.scanKeys(e, func(id K, value []byte) error {
			if pred != nil && !pred(id) {
				return nil
			}
			rec, err := s.decode(value)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Keys returns the identifier of every record without decoding the records.
func (s *Store[K, T]) Keys() ([]K, error) {
	var out []K
	err := s.read(func(e engine.Engine) error {
		return s.scanKeys(e, func(id K, _ []byte) error {
			out = append(out, id)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanIndex returns the records indexed under value in the named index.
// Entries whose record has disappeared are skipped.
func (s *Store[K, T]) ScanIndex(name string, value any) ([]T, error) {
	s.mu.RLock()
	_, ok := s.indexes[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrIndexNotRegistered, name)
	}
	valJSON, err := marshalIndexValue(name, value)
	if err != nil {
		return nil, err
	}
	prefix := indexPrefix(s.ns, name, valJSON)

	var out []T
	err = s.locked(func(e engine.Engine) error {
		var ids []K
		err := e.Scan(prefix, func(k, v []byte) error {
			if _, ok := parseIndexKey(prefix, k); !ok {
				return nil
			}
			var id K
			if err := s.codec.DecodeInto(v, &id); err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		})
		if err != nil {
			var de *codec.DeserializationError
			if errors.As(err, &de) {
				return err
			}
			return storageErr("scan", err)
		}

		for _, id := range ids {
			pk, err := s.primaryKey(id)
			if err != nil {
				return err
			}
			rec, found, err := s.get(e, pk)
			if err != nil {
				return err
			}
			if !found {
				s.logger.Warn("index entry without record, skipping", "index", name, "key", id)
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Children is ScanIndex for an index that holds a parent identifier.
func (s *Store[K, T]) Children(name string, value any) ([]T, error) {
	return s.ScanIndex(name, value)
}

// Sync flushes the engine to durable storage.
func (s *Store[K, T]) Sync() error {
	return s.read(func(e engine.Engine) error {
		return storageErr("sync", e.Sync())
	})
}

// Close releases an engine the Store opened itself. A caller-supplied
// Config.Engine is left open.
func (s *Store[K, T]) Close() error {
	s.closeOnce.Do(func() {
		if s.ownsPool && s.pooled != nil {
			s.closeErr = storageErr("close", s.pooled.Close())
		}
	})
	return s.closeErr
}

func isNil[T any](v T) bool {
	return isNilValue(reflect.ValueOf(&v).Elem())
}
