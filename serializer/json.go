package serializer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/twoporeguys/librpc-go/object"
)

// Sentinel keys for kinds JSON has no native representation for. Plain
// JSON numbers decode as int64 (double when fractional); uint64 rides
// in a $uint sentinel so signedness survives the round trip.
const (
	jsonDateKey   = "$date"
	jsonBinaryKey = "$binary"
	jsonFDKey     = "$fd"
	jsonUintKey   = "$uint"
	jsonErrorKey  = "$error"
)

func init() {
	Register(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(o *object.Object) ([]byte, error) {
	v, err := encodeJSONValue(o)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte) (*object.Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return decodeJSONValue(v)
}

func encodeJSONValue(o *object.Object) (any, error) {
	switch o.Kind() {
	case object.KindNull:
		return nil, nil
	case object.KindBool:
		return o.Bool(), nil
	case object.KindUint64:
		return map[string]any{jsonUintKey: o.Uint64()}, nil
	case object.KindInt64:
		return o.Int64(), nil
	case object.KindDouble:
		return o.Double(), nil
	case object.KindDate:
		return map[string]any{jsonDateKey: o.DateUnix()}, nil
	case object.KindString:
		return o.StringValue(), nil
	case object.KindBinary:
		return map[string]any{jsonBinaryKey: base64.StdEncoding.EncodeToString(o.BinaryValue())}, nil
	case object.KindFD:
		return map[string]any{jsonFDKey: o.FD()}, nil
	case object.KindArray:
		out := make([]any, 0, o.Len())
		var encErr error
		o.ApplyArray(func(_ int, item *object.Object) bool {
			var v any
			v, encErr = encodeJSONValue(item)
			if encErr != nil {
				return false
			}
			out = append(out, v)
			return true
		})
		return out, encErr
	case object.KindDictionary:
		out := make(map[string]any, o.Len())
		var encErr error
		o.ApplyDict(func(key string, v *object.Object) bool {
			var jv any
			jv, encErr = encodeJSONValue(v)
			if encErr != nil {
				return false
			}
			out[key] = jv
			return true
		})
		return out, encErr
	case object.KindError:
		ev := o.Err()
		payload := map[string]any{
			"code":    ev.Code,
			"message": ev.Message,
		}
		if ev.Extra != nil {
			extra, err := encodeJSONValue(ev.Extra)
			if err != nil {
				return nil, err
			}
			payload["extra"] = extra
		}
		return map[string]any{jsonErrorKey: payload}, nil
	default:
		return nil, fmt.Errorf("cannot encode %s object as json", o.Kind())
	}
}

func decodeJSONValue(v any) (*object.Object, error) {
	switch val := v.(type) {
	case nil:
		return object.NewNull(), nil
	case bool:
		return object.NewBool(val), nil
	case string:
		return object.NewString(val), nil
	case json.Number:
		s := val.String()
		if strings.ContainsAny(s, ".eE") {
			f, err := val.Float64()
			if err != nil {
				return nil, err
			}
			return object.NewDouble(f), nil
		}
		if i, err := val.Int64(); err == nil {
			return object.NewInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return object.NewDouble(f), nil
	case []any:
		arr := object.NewArray()
		for _, item := range val {
			o, err := decodeJSONValue(item)
			if err != nil {
				arr.Release()
				return nil, err
			}
			arr.Append(o)
			o.Release()
		}
		return arr, nil
	case map[string]any:
		if len(val) == 1 {
			if o, ok, err := decodeJSONSentinel(val); ok {
				return o, err
			}
		}
		dict := object.NewDictionary()
		for k, item := range val {
			o, err := decodeJSONValue(item)
			if err != nil {
				dict.Release()
				return nil, err
			}
			dict.Set(k, o)
			o.Release()
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("cannot decode %T from json", v)
	}
}

func decodeJSONSentinel(m map[string]any) (*object.Object, bool, error) {
	for key, raw := range m {
		switch key {
		case jsonDateKey:
			secs, err := jsonInt(raw)
			if err != nil {
				return nil, true, err
			}
			return object.NewDateUnix(secs), true, nil
		case jsonUintKey:
			n, ok := raw.(json.Number)
			if !ok {
				return nil, true, fmt.Errorf("%s: expected number, got %T", jsonUintKey, raw)
			}
			u, err := parseUintNumber(n)
			if err != nil {
				return nil, true, err
			}
			return object.NewUint64(u), true, nil
		case jsonFDKey:
			fd, err := jsonInt(raw)
			if err != nil {
				return nil, true, err
			}
			return object.NewFD(int(fd)), true, nil
		case jsonBinaryKey:
			s, ok := raw.(string)
			if !ok {
				return nil, true, fmt.Errorf("%s: expected string, got %T", jsonBinaryKey, raw)
			}
			buf, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, true, err
			}
			return object.NewBinary(buf, true), true, nil
		case jsonErrorKey:
			payload, ok := raw.(map[string]any)
			if !ok {
				return nil, true, fmt.Errorf("%s: expected object, got %T", jsonErrorKey, raw)
			}
			code, err := jsonInt(payload["code"])
			if err != nil {
				return nil, true, err
			}
			message, _ := payload["message"].(string)
			var extra *object.Object
			if rawExtra, present := payload["extra"]; present {
				extra, err = decodeJSONValue(rawExtra)
				if err != nil {
					return nil, true, err
				}
			}
			return object.NewError(int(code), message, extra), true, nil
		}
	}
	return nil, false, nil
}

func jsonInt(raw any) (int64, error) {
	n, ok := raw.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
	return n.Int64()
}

func parseUintNumber(n json.Number) (uint64, error) {
	return strconv.ParseUint(n.String(), 10, 64)
}
