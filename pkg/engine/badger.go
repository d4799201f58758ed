package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Engine on a badger database directory. Badger allows
// one open handle per directory, so cooperating processes must serialise
// their opens with an external lock.
type BadgerStore struct {
	mu     sync.RWMutex
	db     *badger.DB
	closed bool
}

// OpenBadger opens (or creates) a badger database in dir. Badger's own log
// output is forwarded to logger at debug level and above.
func OpenBadger(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger.With("engine", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) handle() (*badger.DB, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.db, nil
}

func (s *BadgerStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var val []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if val == nil {
		val = []byte{}
	}
	return val, nil
}

func (s *BadgerStore) Set(key, value []byte) error {
	return s.Apply([]Op{SetOp(key, value)})
}

func (s *BadgerStore) Delete(key []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrKeyNotFound
	}
	return err
}

// Scan collects matching entries inside one read transaction and calls fn
// afterwards, so fn may write to the store.
func (s *BadgerStore) Scan(prefix []byte, fn func(k, v []byte) error) error {
	s.mu.RLock()
	db, err := s.handle()
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	type entry struct{ k, v []byte }
	var entries []entry
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if v == nil {
				v = []byte{}
			}
			entries = append(entries, entry{k: item.KeyCopy(nil), v: v})
		}
		return nil
	})
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := fn(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) Apply(ops []Op) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			var err error
			switch op.Code {
			case OpSet:
				value := op.Value
				if value == nil {
					value = []byte{}
				}
				err = txn.Set(op.Key, value)
			case OpDelete:
				err = txn.Delete(op.Key)
			}
			if err != nil {
				return fmt.Errorf("%s %x: %w", op.Code, op.Key, err)
			}
		}
		return nil
	})
}

func (s *BadgerStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Sync()
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) log(level slog.Level, format string, args ...any) {
	if !b.l.Enabled(context.Background(), level) {
		return
	}
	b.l.Log(context.Background(), level, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Errorf(format string, args ...any)   { b.log(slog.LevelError, format, args...) }
func (b badgerLogger) Warningf(format string, args ...any) { b.log(slog.LevelWarn, format, args...) }
func (b badgerLogger) Infof(format string, args ...any)    { b.log(slog.LevelDebug, format, args...) }
func (b badgerLogger) Debugf(format string, args ...any)   { b.log(slog.LevelDebug, format, args...) }
