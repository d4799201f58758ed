package shelf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/celerix-dev/shelf/pkg/codec"
	"github.com/celerix-dev/shelf/pkg/engine"
)

// Dict is map-style access to an engine. Keys are []byte as is, strings as
// UTF-8 and anything else as JSON. Values go through the codec.
type Dict struct {
	e     engine.Engine
	codec *codec.Codec
	owns  bool
	once  sync.Once
	err   error
}

// OpenDict opens location with engine.Open and wraps it. Close closes the
// engine.
func OpenDict(location string, c *codec.Codec, opts ...engine.Option) (*Dict, error) {
	e, err := engine.Open(location, opts...)
	if err != nil {
		return nil, storageErr("open", err)
	}
	d := NewDict(e, c)
	d.owns = true
	return d, nil
}

// NewDict wraps an engine the caller keeps ownership of. A nil codec means
// codec.New().
func NewDict(e engine.Engine, c *codec.Codec) *Dict {
	if c == nil {
		c = codec.New()
	}
	return &Dict{e: e, codec: c}
}

// EncodeKey returns the engine key for key.
func EncodeKey(key any) ([]byte, error) {
	var b []byte
	switch k := key.(type) {
	case []byte:
		b = k
	case string:
		b = []byte(k)
	default:
		var err error
		if b, err = marshalKeyPart(key); err != nil {
			return nil, fmt.Errorf("encode key: %w", err)
		}
	}
	if len(b) == 0 {
		return nil, ErrEmptyKey
	}
	return b, nil
}

// Lookup returns the decoded value for key and whether it exists.
func (d *Dict) Lookup(key any) (any, bool, error) {
	data, found, err := d.raw(key)
	if err != nil || !found {
		return nil, found, err
	}
	v, err := d.codec.Decode(data)
	if err != nil {
		return nil, true, err
	}
	return v, true, nil
}

// Get returns the decoded value for key, or def when it is absent.
func (d *Dict) Get(key, def any) (any, error) {
	v, found, err := d.Lookup(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return def, nil
	}
	return v, nil
}

// GetInto decodes the value for key into target and reports whether it
// existed. target is untouched when it did not.
func (d *Dict) GetInto(key, target any) (bool, error) {
	data, found, err := d.raw(key)
	if err != nil || !found {
		return found, err
	}
	return true, d.codec.DecodeInto(data, target)
}

func (d *Dict) raw(key any) ([]byte, bool, error) {
	k, err := EncodeKey(key)
	if err != nil {
		return nil, false, err
	}
	data, err := d.e.Get(k)
	if errors.Is(err, engine.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("get", err)
	}
	return data, true, nil
}

// Has reports whether key exists.
func (d *Dict) Has(key any) (bool, error) {
	_, found, err := d.raw(key)
	return found, err
}

// Set stores value under key.
func (d *Dict) Set(key, value any) error {
	k, err := EncodeKey(key)
	if err != nil {
		return err
	}
	v, err := d.codec.Encode(value)
	if err != nil {
		return err
	}
	return storageErr("set", d.e.Set(k, v))
}

// Delete removes key and reports whether it existed.
func (d *Dict) Delete(key any) (bool, error) {
	k, err := EncodeKey(key)
	if err != nil {
		return false, err
	}
	err = d.e.Delete(k)
	if errors.Is(err, engine.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("delete", err)
	}
	return true, nil
}

// Scan calls fn with every key starting with prefix and its decoded value.
// A nil prefix visits everything.
func (d *Dict) Scan(prefix any, fn func(key []byte, value any) error) error {
	var p []byte
	if prefix != nil {
		var err error
		if p, err = EncodeKey(prefix); err != nil {
			return err
		}
	}
	var fnErr error
	err := d.e.Scan(p, func(k, v []byte) error {
		val, err := d.codec.Decode(v)
		if err == nil {
			err = fn(k, val)
		}
		fnErr = err
		return err
	})
	if fnErr != nil {
		return fnErr
	}
	return storageErr("scan", err)
}

// Sync flushes the engine.
func (d *Dict) Sync() error {
	return storageErr("sync", d.e.Sync())
}

// Close closes the engine if the Dict opened it. Calling it again is
// harmless.
func (d *Dict) Close() error {
	d.once.Do(func() {
		if d.owns {
			d.err = storageErr("close", d.e.Close())
		}
	})
	return d.err
}
