package shelf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/shelf/pkg/codec"
)

func TestPrimaryKey_Injective(t *testing.T) {
	pairs := [][2][]byte{
		{primaryKey("a", []byte(`"bc"`)), primaryKey("ab", []byte(`"c"`))},
		{primaryKey("note", []byte(`1`)), primaryKey("note", []byte(`"1"`))},
		{primaryKey("", []byte(`"x"`)), primaryKey("x", []byte(`""`))},
	}
	for _, p := range pairs {
		assert.NotEqual(t, p[0], p[1])
	}
}

func TestPrimaryKey_Layout(t *testing.T) {
	got := primaryKey("ns", []byte(`"id"`))
	want := []byte{'K', 2, 0, 'n', 's', 4, 0, 0, 0, '"', 'i', 'd', '"'}
	assert.Equal(t, want, got)
	assert.True(t, bytes.HasPrefix(got, namespacePrefix("ns")))
}

func TestParsePrimaryKey(t *testing.T) {
	ns, id, ok := parsePrimaryKey(primaryKey("note", []byte(`"n1"`)))
	require.True(t, ok)
	assert.Equal(t, "note", ns)
	assert.Equal(t, `"n1"`, string(id))

	bad := [][]byte{
		nil,
		{'K'},
		{'I', 0, 0, 0, 0, 0, 0},
		append(primaryKey("note", []byte(`"n1"`)), 'x'),
		primaryKey("note", []byte(`"n1"`))[:8],
	}
	for _, b := range bad {
		_, _, ok := parsePrimaryKey(b)
		assert.False(t, ok, "%q", b)
	}
}

func TestIndexKey_PrefixIsExact(t *testing.T) {
	pk := primaryKey("note", []byte(`"n1"`))
	short := indexPrefix("note", "tag", []byte(`"a"`))
	long := indexKey("note", "tag", []byte(`"ab"`), pk)
	assert.False(t, bytes.HasPrefix(long, short), "value a must not match value ab")

	other := indexKey("note", "tags", []byte(`"a"`), pk)
	assert.False(t, bytes.HasPrefix(other, indexPrefix("note", "tag", []byte(`"a"`))))

	k := indexKey("note", "tag", []byte(`"a"`), pk)
	got, ok := parseIndexKey(short, k)
	require.True(t, ok)
	assert.Equal(t, pk, got)

	_, ok = parseIndexKey(short, k[:len(k)-1])
	assert.False(t, ok)
}

func TestDescribeKey(t *testing.T) {
	pk := primaryKey("note", []byte(`"n1"`))
	info, ok := DescribeKey(pk)
	require.True(t, ok)
	assert.Equal(t, "record", info.Kind)
	assert.Equal(t, "note", info.Namespace)
	assert.JSONEq(t, `"n1"`, string(info.ID))

	info, ok = DescribeKey(indexKey("note", "tag", []byte(`"b"`), pk))
	require.True(t, ok)
	assert.Equal(t, "index", info.Kind)
	assert.Equal(t, "tag", info.Index)
	assert.JSONEq(t, `"b"`, string(info.Value))
	assert.JSONEq(t, `"n1"`, string(info.ID))

	for _, b := range [][]byte{
		nil,
		[]byte("user:1"),
		append(bytes.Clone(pk), 'x'),
		indexPrefix("note", "tag", []byte(`"b"`)),
	} {
		_, ok := DescribeKey(b)
		assert.False(t, ok, "%q", b)
	}
}

func TestMarshalKeyPart_RejectsInvalidUTF8(t *testing.T) {
	type wrapped struct {
		Name string `json:"name"`
	}
	bad := []any{
		"\xff",
		"ok\xfe",
		[]string{"fine", "\xff"},
		map[string]int{"\xff": 1},
		wrapped{Name: "\xfe"},
		&wrapped{Name: "\xfe"},
	}
	for _, v := range bad {
		_, err := marshalKeyPart(v)
		assert.ErrorIs(t, err, codec.ErrUnsupportedType, "%#v", v)
	}

	a, err := marshalKeyPart("\ufffd")
	require.NoError(t, err)
	b, err := marshalKeyPart([]byte{0xff})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	for _, v := range []any{"plain", 42, []string{"a", "b"}, wrapped{Name: "n"}, nil} {
		_, err := marshalKeyPart(v)
		assert.NoError(t, err, "%#v", v)
	}
}
