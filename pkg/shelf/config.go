package shelf

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/celerix-dev/shelf/pkg/codec"
	"github.com/celerix-dev/shelf/pkg/engine"
)

// LockFile is the lock file name used inside an on-disk store directory.
const LockFile = ".shelf.lock"

// Config describes where and how a Store keeps its records.
type Config[T any] struct {
	// Location is an engine location understood by engine.Open, for example
	// "sqlite:./data", "badger:/var/lib/app", "json:./snap", "tcp://host:7001"
	// or "" for memory.
	Location string
	// InMemory selects a private in-memory engine. Location must be empty.
	InMemory bool
	// Engine, when set, is used for every call and never closed by the
	// Store. Location and InMemory must be unset.
	Engine engine.Engine
	// LockPath overrides the lock file. The default is <dir>/.shelf.lock for
	// on-disk locations and $TMPDIR/shelf-<namespace>.lock otherwise.
	LockPath string
	// Namespace overrides the key namespace, which defaults to the type name
	// of T with pointers stripped.
	Namespace string
	// Indexes are registered at construction.
	Indexes map[string]IndexFunc[T]
	// Codec encodes records and identifiers. Defaults to codec.New().
	Codec *codec.Codec
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// settings is a validated Config.
type settings[T any] struct {
	loc       engine.Location
	engine    engine.Engine
	lockPath  string
	namespace string
	codec     *codec.Codec
	logger    *slog.Logger
}

func (c Config[T]) resolve() (settings[T], error) {
	var s settings[T]
	if c.Engine != nil && (c.Location != "" || c.InMemory) {
		return s, fmt.Errorf("%w: Engine cannot be combined with Location or InMemory", ErrConfiguration)
	}

	loc, err := engine.ParseLocation(c.Location)
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if c.InMemory && loc.Scheme != engine.SchemeMemory {
		return s, fmt.Errorf("%w: InMemory with location %q", ErrConfiguration, c.Location)
	}
	if dir := loc.Dir(); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return s, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		loc.Path = abs
	}
	s.loc = loc
	s.engine = c.Engine

	s.namespace = c.Namespace
	if s.namespace == "" {
		s.namespace = typeName[T]()
	}
	if s.namespace == "" {
		return s, fmt.Errorf("%w: record type has no name, set Namespace", ErrConfiguration)
	}
	if err := checkLen16("namespace", s.namespace); err != nil {
		return s, err
	}

	switch {
	case c.LockPath != "":
		s.lockPath = c.LockPath
	case loc.Dir() != "" && c.Engine == nil:
		s.lockPath = filepath.Join(loc.Dir(), LockFile)
	default:
		s.lockPath = filepath.Join(os.TempDir(), "shelf-"+sanitize(s.namespace)+".lock")
	}

	s.codec = c.Codec
	if s.codec == nil {
		s.codec = codec.New()
	}
	s.logger = c.Logger
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// typeName returns the name of T with pointers stripped.
func typeName[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// sanitize makes a namespace safe to use in a file name.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
