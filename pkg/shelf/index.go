package shelf

import (
	"bytes"
	"fmt"
	"reflect"
	"slices"

	"github.com/celerix-dev/shelf/pkg/engine"
)

// IndexFunc extracts the values a record is indexed under.
//
// A nil result produces no entry. A string or []byte is one value. Any other
// slice or array produces one entry per element, skipping nil elements.
// Anything else is one value. Values must have a JSON encoding.
type IndexFunc[T any] func(T) any

// entrySig identifies one index entry: the index name and the JSON encoding
// of the value.
type entrySig struct {
	name  string
	value string
}

// indexValues normalises an IndexFunc result to its list of values.
func indexValues(v any) []any {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case string, []byte:
		return []any{v}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map:
		if rv.IsNil() {
			return nil
		}
		return []any{v}
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return []any{v}
		}
	case reflect.Array:
	default:
		return []any{v}
	}
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i)
		if isNilValue(elem) {
			continue
		}
		out = append(out, elem.Interface())
	}
	return out
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// marshalIndexValue is the single encoding used both to write an entry and
// to build the scan prefix for a lookup.
func marshalIndexValue(name string, v any) ([]byte, error) {
	b, err := marshalKeyPart(v)
	if err != nil {
		return nil, fmt.Errorf("index %q: %w", name, err)
	}
	return b, nil
}

// computeEntries evaluates every extractor against rec.
func computeEntries[T any](indexes map[string]IndexFunc[T], rec T) (map[entrySig]struct{}, error) {
	entries := make(map[entrySig]struct{})
	for name, fn := range indexes {
		for _, v := range indexValues(fn(rec)) {
			b, err := marshalIndexValue(name, v)
			if err != nil {
				return nil, err
			}
			entries[entrySig{name: name, value: string(b)}] = struct{}{}
		}
	}
	return entries, nil
}

// diffEntries turns the change from prev to next into engine ops: a delete
// for every entry only in prev and a set (value encodedID) for every entry
// only in next. Entries in both are left alone. Each list is sorted by key.
func diffEntries(ns string, prev, next map[entrySig]struct{}, pk, encodedID []byte) (deletes, sets []engine.Op) {
	for sig := range prev {
		if _, ok := next[sig]; !ok {
			deletes = append(deletes, engine.DeleteOp(indexKey(ns, sig.name, []byte(sig.value), pk)))
		}
	}
	for sig := range next {
		if _, ok := prev[sig]; !ok {
			sets = append(sets, engine.SetOp(indexKey(ns, sig.name, []byte(sig.value), pk), encodedID))
		}
	}
	byKey := func(a, b engine.Op) int { return bytes.Compare(a.Key, b.Key) }
	slices.SortFunc(deletes, byKey)
	slices.SortFunc(sets, byKey)
	return deletes, sets
}
