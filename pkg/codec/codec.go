// Package codec implements the self-describing value encoding used for every
// value written to a shelf store.
//
// An encoded value is a single tag byte followed by the payload:
//
//	0x00 RAW         opaque bytes
//	0x01 TEXT        UTF-8 string
//	0x02 STRUCTURED  JSON form of any other value
//
// Decoding switches on the tag only. RAW and TEXT payloads never reach the
// JSON decoder, so untrusted byte values cannot trigger structured decoding.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Kind is the tag byte that prefixes every encoded value.
type Kind byte

const (
	// KindRaw marks an opaque byte payload.
	KindRaw Kind = 0x00
	// KindText marks a UTF-8 string payload.
	KindText Kind = 0x01
	// KindStructured marks a JSON payload, optionally wrapped in a type envelope.
	KindStructured Kind = 0x02
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindText:
		return "text"
	case KindStructured:
		return "structured"
	default:
		return fmt.Sprintf("kind(%#x)", byte(k))
	}
}

// ErrUnsupportedType is returned when a value cannot be encoded, either because
// structured encoding is disabled or because the value has no JSON form.
var ErrUnsupportedType = errors.New("unsupported value type")

// DeserializationError reports a payload that could not be turned back into a
// value of the requested type.
type DeserializationError struct {
	Kind   Kind
	Type   string // registered type name or Go target type
	Reason string
	Err    error
}

func (e *DeserializationError) Error() string {
	msg := fmt.Sprintf("cannot decode %s value", e.Kind)
	if e.Type != "" {
		msg += " as " + e.Type
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

// Value is the tagged union produced by Parse. Payload aliases the input.
type Value struct {
	Kind    Kind
	Payload []byte
}

// Raw returns the payload of a RAW value, or nil for any other kind.
func (v Value) Raw() []byte {
	if v.Kind != KindRaw {
		return nil
	}
	return v.Payload
}

// Text returns the payload of a TEXT value, or "" for any other kind.
func (v Value) Text() string {
	if v.Kind != KindText {
		return ""
	}
	return string(v.Payload)
}

// Parse splits an encoded value into its tag and payload without decoding it.
//
// An empty input is an empty RAW value. An unknown tag yields the whole input
// unchanged as a RAW value.
func Parse(data []byte) Value {
	if len(data) == 0 {
		return Value{Kind: KindRaw, Payload: []byte{}}
	}
	switch k := Kind(data[0]); k {
	case KindRaw, KindText, KindStructured:
		return Value{Kind: k, Payload: data[1:]}
	default:
		return Value{Kind: KindRaw, Payload: data}
	}
}

// Codec encodes and decodes values. The zero value refuses structured values;
// use New for the common configuration.
type Codec struct {
	// AllowStructured enables the JSON fallback for values that are neither
	// []byte nor string.
	AllowStructured bool
	// Registry, when set, wraps values of registered types in a named envelope
	// so they decode back to their concrete type.
	Registry *Registry
}

// New returns a codec with structured encoding enabled and an empty registry.
func New() *Codec {
	return &Codec{AllowStructured: true, Registry: NewRegistry()}
}

// Encode returns the tagged encoding of v.
func (c *Codec) Encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return append([]byte{byte(KindRaw)}, t...), nil
	case string:
		return append([]byte{byte(KindText)}, t...), nil
	}
	if !c.AllowStructured {
		return nil, fmt.Errorf("%w: %T (structured encoding disabled)", ErrUnsupportedType, v)
	}
	payload, err := c.marshalStructured(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(KindStructured))
	return append(out, payload...), nil
}

// Decode returns the value held in data: []byte for RAW, string for TEXT, and
// for STRUCTURED either a pointer to the registered type named in the envelope
// or the generic JSON form (map[string]any, []any, float64, ...).
func (c *Codec) Decode(data []byte) (any, error) {
	v := Parse(data)
	switch v.Kind {
	case KindText:
		return string(v.Payload), nil
	case KindStructured:
		env, isEnv, payload := splitPayload(v.Payload)
		if isEnv {
			return c.instantiate(env)
		}
		var out any
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, &DeserializationError{Kind: KindStructured, Err: err}
		}
		return out, nil
	default:
		return bytes.Clone(v.Payload), nil
	}
}

// DecodeInto decodes data into target, which must be a non-nil pointer.
//
// RAW and TEXT values decode into *[]byte, *string or *any. STRUCTURED values
// decode into any JSON target; envelopes decode into a target the registered
// type is assignable to.
func (c *Codec) DecodeInto(data []byte, target any) error {
	v := Parse(data)
	if v.Kind == KindStructured {
		return c.unmarshalStructured(v.Payload, target)
	}
	switch t := target.(type) {
	case *[]byte:
		*t = bytes.Clone(v.Payload)
	case *string:
		*t = string(v.Payload)
	case *any:
		if v.Kind == KindText {
			*t = string(v.Payload)
		} else {
			*t = bytes.Clone(v.Payload)
		}
	default:
		return &DeserializationError{Kind: v.Kind, Type: fmt.Sprintf("%T", target), Reason: "target must be *[]byte, *string or *any"}
	}
	return nil
}

func (c *Codec) marshalStructured(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrUnsupportedType, v, err)
	}
	name, ok := "", false
	if c.Registry != nil && v != nil {
		name, ok = c.Registry.nameOf(reflect.TypeOf(v))
	}
	if !ok {
		if obj, isObj := topLevel(data); isObj && (obj[typeKey] != nil || obj[plainKey] != nil) {
			return json.Marshal(map[string]json.RawMessage{plainKey: data})
		}
		return data, nil
	}
	wrapped, err := json.Marshal(envelope{Type: name, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrUnsupportedType, v, err)
	}
	return wrapped, nil
}

func (c *Codec) unmarshalStructured(payload []byte, target any) error {
	tv := reflect.ValueOf(target)
	if tv.Kind() != reflect.Pointer || tv.IsNil() {
		return &DeserializationError{Kind: KindStructured, Type: fmt.Sprintf("%T", target), Reason: "target must be a non-nil pointer"}
	}
	env, isEnv, payload := splitPayload(payload)
	if !isEnv {
		if err := json.Unmarshal(payload, target); err != nil {
			return &DeserializationError{Kind: KindStructured, Type: tv.Type().Elem().String(), Err: err}
		}
		return nil
	}
	obj, err := c.instantiate(env)
	if err != nil {
		return err
	}
	dst := tv.Elem()
	src := reflect.ValueOf(obj)
	switch {
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
	case src.Elem().Type().AssignableTo(dst.Type()):
		dst.Set(src.Elem())
	default:
		return &DeserializationError{Kind: KindStructured, Type: env.Type, Reason: "not assignable to " + dst.Type().String()}
	}
	return nil
}

// instantiate resolves the envelope's type name and fills a fresh instance.
func (c *Codec) instantiate(env envelope) (any, error) {
	if c.Registry == nil {
		return nil, &DeserializationError{Kind: KindStructured, Type: env.Type, Reason: "no type registry configured"}
	}
	factory, ok := c.Registry.lookup(env.Type)
	if !ok {
		return nil, &DeserializationError{Kind: KindStructured, Type: env.Type, Reason: "type is not registered"}
	}
	obj := factory()
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return nil, &DeserializationError{Kind: KindStructured, Type: env.Type, Reason: fmt.Sprintf("factory returned %T, want pointer to struct", obj)}
	}
	if err := json.Unmarshal(env.Data, obj); err != nil {
		return nil, &DeserializationError{Kind: KindStructured, Type: env.Type, Err: err}
	}
	return obj, nil
}

// A registered value is written as {"$type": name, "data": fields}. A plain
// object that has a top-level "$type" or "$plain" key is written as
// {"$plain": object}, so it can never be read back as an envelope.
const (
	typeKey  = "$type"
	plainKey = "$plain"
)

type envelope struct {
	Type string          `json:"$type"`
	Data json.RawMessage `json:"data"`
}

// topLevel returns the members of payload when it is a JSON object that
// may carry one of the reserved keys.
func topLevel(payload []byte) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' || !bytes.Contains(trimmed, []byte(`"$`)) {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// splitPayload reports whether payload is a type envelope and otherwise
// returns the plain JSON it holds.
func splitPayload(payload []byte) (env envelope, isEnv bool, plain []byte) {
	obj, ok := topLevel(payload)
	if !ok {
		return envelope{}, false, payload
	}
	if raw, ok := obj[plainKey]; ok && len(obj) == 1 {
		return envelope{}, false, raw
	}
	if raw, ok := obj[typeKey]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil && name != "" {
			return envelope{Type: name, Data: obj["data"]}, true, nil
		}
	}
	return envelope{}, false, payload
}
