package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Location schemes understood by Open.
const (
	SchemeMemory = "mem"
	SchemeSQLite = "sqlite"
	SchemeBadger = "badger"
	SchemeJSON   = "json"
	SchemeTCP    = "tcp"
)

// Location is a parsed engine location string.
//
//	""  "mem:"  ":memory:"   in-process memory engine
//	"sqlite:<dir>" or "<dir>" sqlite database <dir>/shelf.db
//	"badger:<dir>"           badger database directory
//	"json:<dir>"             JSON snapshot <dir>/shelf.json
//	"tcp://host:port"        remote engine served by shelfd
type Location struct {
	Scheme string
	Path   string // directory, or host:port for tcp
}

// ParseLocation parses s. It fails only for a known scheme with an empty
// path.
func ParseLocation(s string) (Location, error) {
	switch s {
	case "", "mem", "mem:", ":memory:":
		return Location{Scheme: SchemeMemory}, nil
	}
	if rest, ok := strings.CutPrefix(s, "tcp://"); ok {
		if rest == "" {
			return Location{}, errors.New("tcp location needs host:port")
		}
		return Location{Scheme: SchemeTCP, Path: rest}, nil
	}
	for _, scheme := range []string{SchemeSQLite, SchemeBadger, SchemeJSON} {
		if rest, ok := strings.CutPrefix(s, scheme+":"); ok {
			if rest == "" {
				return Location{}, fmt.Errorf("%s location needs a directory", scheme)
			}
			return Location{Scheme: scheme, Path: rest}, nil
		}
	}
	return Location{Scheme: SchemeSQLite, Path: s}, nil
}

// Dir returns the filesystem directory of a local on-disk location, or "".
func (l Location) Dir() string {
	switch l.Scheme {
	case SchemeSQLite, SchemeBadger, SchemeJSON:
		return l.Path
	default:
		return ""
	}
}

func (l Location) String() string {
	switch l.Scheme {
	case SchemeMemory:
		return "mem:"
	case SchemeTCP:
		return "tcp://" + l.Path
	default:
		return l.Scheme + ":" + l.Path
	}
}

// Options carries settings shared by every backend.
type Options struct {
	Logger *slog.Logger
}

// Option configures Open.
type Option func(*Options)

// WithLogger sets the logger handed to the backend.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// OpenFunc opens one backend for a parsed location.
type OpenFunc func(loc Location, opts Options) (Engine, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]OpenFunc{
		SchemeMemory: func(Location, Options) (Engine, error) {
			return NewMemStore(nil, nil), nil
		},
		SchemeSQLite: func(loc Location, _ Options) (Engine, error) {
			return OpenSQLite(loc.Path)
		},
		SchemeBadger: func(loc Location, o Options) (Engine, error) {
			return OpenBadger(loc.Path, o.Logger)
		},
		SchemeJSON: func(loc Location, _ Options) (Engine, error) {
			return OpenJSON(loc.Path)
		},
	}
)

// RegisterOpener installs the backend for scheme, replacing any previous one.
// The remote client registers "tcp" this way.
func RegisterOpener(scheme string, fn OpenFunc) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[scheme] = fn
}

// Open parses location and opens the matching backend. Every failure is an
// *OpenError.
func Open(location string, opts ...Option) (Engine, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, &OpenError{Location: location, Err: err}
	}
	return OpenLocation(loc, opts...)
}

// OpenLocation opens an already parsed location.
func OpenLocation(loc Location, opts ...Option) (Engine, error) {
	o := Options{Logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	openersMu.RLock()
	fn, ok := openers[loc.Scheme]
	openersMu.RUnlock()
	if !ok {
		err := fmt.Errorf("no backend registered for scheme %q", loc.Scheme)
		if loc.Scheme == SchemeTCP {
			err = fmt.Errorf("%w (import github.com/celerix-dev/shelf/pkg/sdk)", err)
		}
		return nil, &OpenError{Location: loc.String(), Err: err}
	}
	e, err := fn(loc, o)
	if err != nil {
		return nil, &OpenError{Location: loc.String(), Err: err}
	}
	o.Logger.Debug("engine opened", "location", loc.String())
	return e, nil
}
