package engine

import (
	"bytes"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

// MemStore is a thread-safe ordered in-memory engine. With a Persistence
// attached, every committed write is also flushed to the JSON snapshot before
// the call returns.
type MemStore struct {
	mu        sync.RWMutex
	data      *treemap.Map // string(key) -> []byte
	persister *Persistence
	closed    bool
}

// NewMemStore initializes a store.
// It accepts existing data (from LoadAll) and an optional persister.
func NewMemStore(initialData map[string][]byte, p *Persistence) *MemStore {
	data := treemap.NewWithStringComparator()
	for k, v := range initialData {
		data.Put(k, append([]byte{}, v...))
	}
	return &MemStore{
		data:      data,
		persister: p,
	}
}

// OpenJSON opens the JSON snapshot backend in dir.
func OpenJSON(dir string) (*MemStore, error) {
	p, err := NewPersistence(dir)
	if err != nil {
		return nil, err
	}
	initial, err := p.LoadAll()
	if err != nil {
		return nil, err
	}
	return NewMemStore(initial, p), nil
}

func (m *MemStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	val, ok := m.data.Get(string(key))
	if !ok {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(val.([]byte)), nil
}

func (m *MemStore) Set(key, value []byte) error {
	return m.Apply([]Op{SetOp(key, value)})
}

func (m *MemStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.data.Get(string(key)); !ok {
		return ErrKeyNotFound
	}
	return m.applyLocked([]Op{DeleteOp(key)})
}

// Scan copies matching entries under the read lock and calls fn after
// releasing it, so fn may call back into the store.
func (m *MemStore) Scan(prefix []byte, fn func(k, v []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	p := string(prefix)
	var keys []string
	var vals [][]byte
	it := m.data.Iterator()
	for it.Next() {
		k := it.Key().(string)
		if k < p {
			continue
		}
		if !strings.HasPrefix(k, p) {
			break
		}
		keys = append(keys, k)
		vals = append(vals, bytes.Clone(it.Value().([]byte)))
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := fn([]byte(k), vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) Apply(ops []Op) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.applyLocked(ops)
}

// applyLocked applies ops and persists the result. If the snapshot cannot be
// written the in-memory state is rolled back. It MUST be called while holding
// m.mu.Lock.
func (m *MemStore) applyLocked(ops []Op) error {
	type undo struct {
		key     string
		prev    []byte
		existed bool
	}
	undos := make([]undo, 0, len(ops))
	for _, op := range ops {
		k := string(op.Key)
		prev, existed := m.data.Get(k)
		u := undo{key: k, existed: existed}
		if existed {
			u.prev = prev.([]byte)
		}
		undos = append(undos, u)

		switch op.Code {
		case OpSet:
			m.data.Put(k, append([]byte{}, op.Value...))
		case OpDelete:
			m.data.Remove(k)
		}
	}

	if m.persister == nil {
		return nil
	}
	if err := m.persister.Save(m.entriesLocked()); err != nil {
		for i := len(undos) - 1; i >= 0; i-- {
			u := undos[i]
			if u.existed {
				m.data.Put(u.key, u.prev)
			} else {
				m.data.Remove(u.key)
			}
		}
		return err
	}
	return nil
}

// entriesLocked copies the key space into a plain map for the persister.
func (m *MemStore) entriesLocked() map[string][]byte {
	out := make(map[string][]byte, m.data.Size())
	it := m.data.Iterator()
	for it.Next() {
		out[it.Key().(string)] = it.Value().([]byte)
	}
	return out
}

func (m *MemStore) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if m.persister == nil {
		return nil
	}
	return m.persister.Save(m.entriesLocked())
}

// Len returns the number of stored entries.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Size()
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
