package shelf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/shelf/pkg/codec"
	"github.com/celerix-dev/shelf/pkg/engine"
)

func TestEncodeKey(t *testing.T) {
	cases := []struct {
		key  any
		want string
	}{
		{[]byte{0x00, 0xff}, "\x00\xff"},
		{"abc", "abc"},
		{42, "42"},
		{[]string{"a", "b"}, `["a","b"]`},
	}
	for _, tc := range cases {
		got, err := EncodeKey(tc.key)
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(got))
	}

	_, err := EncodeKey("")
	require.ErrorIs(t, err, ErrEmptyKey)
	_, err = EncodeKey([]byte{})
	require.ErrorIs(t, err, ErrEmptyKey)
	_, err = EncodeKey(make(chan int))
	require.ErrorIs(t, err, codec.ErrUnsupportedType)
}

func TestDict_RoundTrip(t *testing.T) {
	d, err := OpenDict("mem:", nil)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Set("raw", []byte{0x00, 0x01}))
	require.NoError(t, d.Set("text", "hello"))
	require.NoError(t, d.Set("doc", map[string]any{"n": 1}))

	v, found, err := d.Lookup("raw")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte{0x00, 0x01}, v)

	v, err = d.Get("text", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = d.Get("doc", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(1)}, v)

	var into struct{ N int }
	found, err = d.GetInto("doc", &into)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, into.N)

	v, err = d.Get("missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	_, found, err = d.Lookup("missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDict_HasDelete(t *testing.T) {
	mem := engine.NewMemStore(nil, nil)
	d := NewDict(mem, nil)

	require.NoError(t, d.Set(7, "seven"))
	ok, err := d.Has(7)
	require.NoError(t, err)
	assert.True(t, ok)

	raw, err := mem.Get([]byte("7"))
	require.NoError(t, err)
	assert.Equal(t, append([]byte{byte(codec.KindText)}, "seven"...), raw)

	deleted, err := d.Delete(7)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = d.Delete(7)
	require.NoError(t, err)
	assert.False(t, deleted)

	ok, err = d.Has(7)
	require.NoError(t, err)
	assert.False(t, ok)

	// The caller keeps ownership of the engine.
	require.NoError(t, d.Close())
	require.NoError(t, mem.Set([]byte("k"), nil))
}

func TestDict_Scan(t *testing.T) {
	d := NewDict(engine.NewMemStore(nil, nil), nil)
	for _, k := range []string{"user:1", "user:2", "group:1"} {
		require.NoError(t, d.Set(k, k))
	}

	var keys []string
	require.NoError(t, d.Scan("user:", func(k []byte, v any) error {
		assert.Equal(t, string(k), v)
		keys = append(keys, string(k))
		return nil
	}))
	assert.Equal(t, []string{"user:1", "user:2"}, keys)

	count := 0
	require.NoError(t, d.Scan(nil, func([]byte, any) error {
		count++
		return nil
	}))
	assert.Equal(t, 3, count)

	stop := errors.New("stop")
	err := d.Scan(nil, func([]byte, any) error { return stop })
	require.ErrorIs(t, err, stop)
	var se *StorageError
	assert.False(t, errors.As(err, &se))
}

func TestDict_RawOnlyCodec(t *testing.T) {
	d := NewDict(engine.NewMemStore(nil, nil), &codec.Codec{})
	require.NoError(t, d.Set("k", "v"))
	err := d.Set("k", 1)
	require.ErrorIs(t, err, codec.ErrUnsupportedType)
}

func TestDict_Persistent(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDict("json:"+dir, nil)
	require.NoError(t, err)
	require.NoError(t, d.Set("k", "v"))
	require.NoError(t, d.Sync())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	d, err = OpenDict("json:"+dir, nil)
	require.NoError(t, err)
	defer d.Close()
	v, err := d.Get("k", nil)
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	_, err = OpenDict("badger:", nil)
	var se *StorageError
	require.ErrorAs(t, err, &se)
}
