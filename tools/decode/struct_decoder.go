// Package decode turns loosely typed JSON objects into structs. Frame data
// from browsers is not always typed the way the server wants ("3" for 3,
// bare numbers for string ids), so decoding goes through mapstructure with
// a few conversion hooks instead of straight json.Unmarshal.
package decode

import (
	"bytes"
	"encoding/json"
	"reflect"

	"ShiftChat/tools/errs"

	"github.com/mitchellh/mapstructure"
)

type Options struct {
	// Strict turns off weak typing: "7" no longer fills an int.
	Strict bool
	// RejectUnknown fails on keys the target struct has no field for.
	RejectUnknown bool
}

// DecodeRaw parses raw as a JSON object and decodes it into a new T using
// the json tags. Empty input and null give the zero T.
func DecodeRaw[T any](raw []byte, opts ...Options) (*T, error) {
	m, err := objectOf(raw)
	if err != nil {
		return nil, err
	}
	return DecodeMap[T](m, opts...)
}

func DecodeMap[T any](m map[string]any, opts ...Options) (*T, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	out := new(T)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: !o.Strict,
		ErrorUnused:      o.RejectUnknown,
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(numberHook, stringsHook),
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "build decoder")
	}
	if err := dec.Decode(m); err != nil {
		return nil, errs.ErrArgs.WrapMsg("decode", "err", err)
	}
	return out, nil
}

// objectOf keeps numbers as json.Number so 64-bit ids keep every digit.
func objectOf(raw []byte) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	m := map[string]any{}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return m, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, errs.ErrArgs.WrapMsg("data is not a JSON object", "err", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

var stringSlice = reflect.TypeOf([]string(nil))

// numberHook converts json.Number to the kind the field wants. An
// interface field keeps the json.Number, which re-encodes unchanged.
func numberHook(_, to reflect.Type, data any) (any, error) {
	n, ok := data.(json.Number)
	if !ok {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return n.Int64()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return nil, errs.ErrArgs.WrapMsg("not an unsigned integer", "value", n.String())
		}
		return uint64(i), nil
	case reflect.Float32, reflect.Float64:
		return n.Float64()
	case reflect.String:
		return n.String(), nil
	}
	return data, nil
}

// stringsHook lets a []string field take mixed arrays such as message ids
// sent as numbers.
func stringsHook(_, to reflect.Type, data any) (any, error) {
	src, ok := data.([]any)
	if !ok || to != stringSlice {
		return data, nil
	}
	out := make([]string, 0, len(src))
	for _, it := range src {
		switch v := it.(type) {
		case string:
			out = append(out, v)
		case json.Number:
			out = append(out, v.String())
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			out = append(out, string(b))
		}
	}
	return out, nil
}
