package shelf

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"

	"github.com/celerix-dev/shelf/pkg/codec"
)

// Key layout, all lengths little endian:
//
//	primary  'K' u16 len(ns) ns  u32 len(id) id
//	index    'I' u16 len(ns) ns  u16 len(name) name  u32 len(val) val  u32 len(pk) pk
//
// id and val are the JSON encodings of the identifier and the index value,
// see marshalKeyPart.
// Every variable part is length-prefixed, so distinct tuples never encode to
// the same bytes and one tuple's prefix never matches a longer sibling.
const (
	primaryTag byte = 'K'
	indexTag   byte = 'I'
)

// marshalKeyPart is the JSON encoding of an identifier or index value.
// encoding/json replaces invalid UTF-8 with U+FFFD, which would map
// distinct strings to one key, so such values are rejected.
func marshalKeyPart(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", codec.ErrUnsupportedType, v, err)
	}
	if !validUTF8(reflect.ValueOf(v)) {
		return nil, fmt.Errorf("%w: %T holds a string that is not valid UTF-8", codec.ErrUnsupportedType, v)
	}
	return b, nil
}

// validUTF8 reports whether every string json.Marshal would write for v is
// valid UTF-8. Byte slices are base64 encoded and always safe.
func validUTF8(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String:
		return utf8.ValidString(v.String())
	case reflect.Pointer, reflect.Interface:
		return v.IsNil() || validUTF8(v.Elem())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return true
		}
		fallthrough
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if !validUTF8(v.Index(i)) {
				return false
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if !validUTF8(iter.Key()) || !validUTF8(iter.Value()) {
				return false
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if f := t.Field(i); (f.IsExported() || f.Anonymous) && !validUTF8(v.Field(i)) {
				return false
			}
		}
	}
	return true
}

func appendU16(b []byte, s []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func appendU32(b []byte, s []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func checkLen16(what, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrConfiguration, what, math.MaxUint16)
	}
	return nil
}

func namespacePrefix(ns string) []byte {
	b := make([]byte, 0, 3+len(ns))
	b = append(b, primaryTag)
	return appendU16(b, []byte(ns))
}

func primaryKey(ns string, idJSON []byte) []byte {
	b := make([]byte, 0, 7+len(ns)+len(idJSON))
	b = append(b, namespacePrefix(ns)...)
	return appendU32(b, idJSON)
}

func indexPrefix(ns, name string, valJSON []byte) []byte {
	b := make([]byte, 0, 9+len(ns)+len(name)+len(valJSON))
	b = append(b, indexTag)
	b = appendU16(b, []byte(ns))
	b = appendU16(b, []byte(name))
	return appendU32(b, valJSON)
}

func indexKey(ns, name string, valJSON, pk []byte) []byte {
	return appendU32(indexPrefix(ns, name, valJSON), pk)
}

// parsePrimaryKey splits a primary key. ok is false for anything that is not
// exactly one well-formed primary key.
func parsePrimaryKey(b []byte) (ns string, idJSON []byte, ok bool) {
	if len(b) < 3 || b[0] != primaryTag {
		return "", nil, false
	}
	nsLen := int(binary.LittleEndian.Uint16(b[1:3]))
	rest := b[3:]
	if len(rest) < nsLen+4 {
		return "", nil, false
	}
	ns = string(rest[:nsLen])
	rest = rest[nsLen:]
	idLen := int(binary.LittleEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if len(rest) != idLen {
		return "", nil, false
	}
	return ns, bytes.Clone(rest), true
}

// parseIndexKey returns the primary key embedded at the end of an index key
// that starts with prefix.
func parseIndexKey(prefix, b []byte) (pk []byte, ok bool) {
	if !bytes.HasPrefix(b, prefix) || len(b) < len(prefix)+4 {
		return nil, false
	}
	rest := b[len(prefix):]
	n := int(binary.LittleEndian.Uint32(rest[:4]))
	if len(rest)-4 != n {
		return nil, false
	}
	return bytes.Clone(rest[4:]), true
}

// KeyInfo describes an engine key written by a Store.
type KeyInfo struct {
	Kind      string          `json:"kind"` // "record" or "index"
	Namespace string          `json:"namespace"`
	ID        json.RawMessage `json:"id,omitempty"`
	Index     string          `json:"index,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// DescribeKey decodes a record or index key. ok is false for keys that
// were not written by a Store, such as Dict keys.
func DescribeKey(b []byte) (info KeyInfo, ok bool) {
	if ns, id, ok := parsePrimaryKey(b); ok && json.Valid(id) {
		return KeyInfo{Kind: "record", Namespace: ns, ID: id}, true
	}
	if len(b) < 3 || b[0] != indexTag {
		return info, false
	}
	rest := b[1:]
	next16 := func() ([]byte, bool) {
		if len(rest) < 2 {
			return nil, false
		}
		n := int(binary.LittleEndian.Uint16(rest))
		if len(rest) < 2+n {
			return nil, false
		}
		v := rest[2 : 2+n]
		rest = rest[2+n:]
		return v, true
	}
	next32 := func() ([]byte, bool) {
		if len(rest) < 4 {
			return nil, false
		}
		n := int(binary.LittleEndian.Uint32(rest))
		if len(rest)-4 < n {
			return nil, false
		}
		v := rest[4 : 4+n]
		rest = rest[4+n:]
		return v, true
	}
	ns, ok1 := next16()
	name, ok2 := next16()
	val, ok3 := next32()
	pk, ok4 := next32()
	if !ok1 || !ok2 || !ok3 || !ok4 || len(rest) != 0 || !json.Valid(val) {
		return info, false
	}
	_, id, ok := parsePrimaryKey(pk)
	if !ok {
		return info, false
	}
	return KeyInfo{
		Kind:      "index",
		Namespace: string(ns),
		ID:        id,
		Index:     string(name),
		Value:     bytes.Clone(val),
	}, true
}
