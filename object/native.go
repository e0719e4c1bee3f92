package object

import (
	"fmt"
	"time"
)

// Bridging between Objects and native Go values. Conversions use the
// comma-ok idiom throughout so malformed input degrades to errors, not
// panics.

// FromNative converts a native Go value into an Object. Supported
// inputs: nil, bool, all fixed-width ints, int, uint, float32/64,
// string, []byte, time.Time, []any, map[string]any and *Object
// (retained as-is).
func FromNative(v any) (*Object, error) {
	switch val := v.(type) {
	case nil:
		return NewNull(), nil
	case *Object:
		return val.Retain(), nil
	case bool:
		return NewBool(val), nil
	case int:
		return NewInt64(int64(val)), nil
	case int8:
		return NewInt64(int64(val)), nil
	case int16:
		return NewInt64(int64(val)), nil
	case int32:
		return NewInt64(int64(val)), nil
	case int64:
		return NewInt64(val), nil
	case uint:
		return NewUint64(uint64(val)), nil
	case uint8:
		return NewUint64(uint64(val)), nil
	case uint16:
		return NewUint64(uint64(val)), nil
	case uint32:
		return NewUint64(uint64(val)), nil
	case uint64:
		return NewUint64(val), nil
	case float32:
		return NewDouble(float64(val)), nil
	case float64:
		return NewDouble(val), nil
	case string:
		return NewString(val), nil
	case []byte:
		return NewBinary(val, true), nil
	case time.Time:
		return NewDate(val), nil
	case []any:
		arr := NewArray()
		for _, item := range val {
			o, err := FromNative(item)
			if err != nil {
				arr.Release()
				return nil, err
			}
			arr.arr = append(arr.arr, o)
		}
		return arr, nil
	case map[string]any:
		dict := NewDictionary()
		for k, item := range val {
			o, err := FromNative(item)
			if err != nil {
				dict.Release()
				return nil, err
			}
			dict.keys = append(dict.keys, k)
			dict.dict[k] = o
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to object", v)
	}
}

// MustFromNative is FromNative for values known to convert; it panics
// on failure. Intended for literals in tests and builtin registration.
func MustFromNative(v any) *Object {
	o, err := FromNative(v)
	if err != nil {
		panic(err)
	}
	return o
}

// ToNative converts an Object tree to native Go values: containers to
// map[string]any / []any, dates to time.Time, errors to *ErrorValue.
func (o *Object) ToNative() any {
	switch o.kind {
	case KindNull:
		return nil
	case KindBool:
		return o.boolv
	case KindUint64:
		return o.u64
	case KindInt64:
		return o.i64
	case KindDouble:
		return o.f64
	case KindDate:
		return o.Date()
	case KindString:
		return o.str
	case KindBinary:
		return append([]byte(nil), o.bin...)
	case KindFD:
		return o.fd
	case KindArray:
		items := o.snapshotArray()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = item.ToNative()
		}
		return out
	case KindDictionary:
		keys, values := o.snapshotDict()
		out := make(map[string]any, len(keys))
		for i, k := range keys {
			out[k] = values[i].ToNative()
		}
		return out
	case KindError:
		return o.errv
	default:
		return nil
	}
}

// GetString looks up a string value under key in a dictionary object.
func (o *Object) GetString(key string) (string, bool) {
	v, ok := o.Get(key)
	if !ok || v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// GetInt looks up an integer value under key, accepting int64 and
// uint64 objects.
func (o *Object) GetInt(key string) (int64, bool) {
	v, ok := o.Get(key)
	if !ok {
		return 0, false
	}
	switch v.kind {
	case KindInt64:
		return v.i64, true
	case KindUint64:
		return int64(v.u64), true
	default:
		return 0, false
	}
}

// GetDict looks up a dictionary value under key.
func (o *Object) GetDict(key string) (*Object, bool) {
	v, ok := o.Get(key)
	if !ok || v.kind != KindDictionary {
		return nil, false
	}
	return v, true
}

// GetArray looks up an array value under key.
func (o *Object) GetArray(key string) (*Object, bool) {
	v, ok := o.Get(key)
	if !ok || v.kind != KindArray {
		return nil, false
	}
	return v, true
}
