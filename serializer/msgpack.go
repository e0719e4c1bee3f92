package serializer

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/twoporeguys/librpc-go/object"
)

// Extension tags of the msgpack bridge.
const (
	extDate   = 0x01 // seconds since epoch, little-endian uint32
	extFD     = 0x02 // descriptor index, little-endian uint32
	extNested = 0x04 // complete msgpack-encoded object, re-enters the codec
)

// errorKey wraps error objects in a single-key map on the wire.
const errorKey = "%error"

func init() {
	Register(msgpackCodec{})
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(o *object.Object) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeMsgpack(enc, o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte) (*object.Object, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	return decodeMsgpack(dec)
}

func encodeMsgpack(enc *msgpack.Encoder, o *object.Object) error {
	switch o.Kind() {
	case object.KindNull:
		return enc.EncodeNil()
	case object.KindBool:
		return enc.EncodeBool(o.Bool())
	case object.KindUint64:
		// Full-width codes keep signedness across the round trip.
		return enc.EncodeUint64(o.Uint64())
	case object.KindInt64:
		return enc.EncodeInt64(o.Int64())
	case object.KindDouble:
		return enc.EncodeFloat64(o.Double())
	case object.KindString:
		return enc.EncodeString(o.StringValue())
	case object.KindBinary:
		buf := o.BinaryValue()
		if buf == nil {
			// EncodeBytes(nil) would emit msgpack nil and lose the kind.
			buf = []byte{}
		}
		return enc.EncodeBytes(buf)
	case object.KindDate:
		return encodeExtUint32(enc, extDate, uint32(o.DateUnix()))
	case object.KindFD:
		return encodeExtUint32(enc, extFD, uint32(o.FD()))
	case object.KindArray:
		var encErr error
		if err := enc.EncodeArrayLen(o.Len()); err != nil {
			return err
		}
		o.ApplyArray(func(_ int, item *object.Object) bool {
			encErr = encodeMsgpack(enc, item)
			return encErr == nil
		})
		return encErr
	case object.KindDictionary:
		var encErr error
		if err := enc.EncodeMapLen(o.Len()); err != nil {
			return err
		}
		o.ApplyDict(func(key string, v *object.Object) bool {
			if encErr = enc.EncodeString(key); encErr != nil {
				return false
			}
			encErr = encodeMsgpack(enc, v)
			return encErr == nil
		})
		return encErr
	case object.KindError:
		ev := o.Err()
		if err := enc.EncodeMapLen(1); err != nil {
			return err
		}
		if err := enc.EncodeString(errorKey); err != nil {
			return err
		}
		extra := ev.Extra
		if extra == nil {
			extra = object.NewNull()
			defer extra.Release()
		}
		if err := enc.EncodeMapLen(3); err != nil {
			return err
		}
		if err := enc.EncodeString("code"); err != nil {
			return err
		}
		if err := enc.EncodeInt64(int64(ev.Code)); err != nil {
			return err
		}
		if err := enc.EncodeString("message"); err != nil {
			return err
		}
		if err := enc.EncodeString(ev.Message); err != nil {
			return err
		}
		if err := enc.EncodeString("extra"); err != nil {
			return err
		}
		return encodeMsgpack(enc, extra)
	default:
		return fmt.Errorf("cannot encode %s object as msgpack", o.Kind())
	}
}

func encodeExtUint32(enc *msgpack.Encoder, tag int8, v uint32) error {
	if err := enc.EncodeExtHeader(tag, 4); err != nil {
		return err
	}
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], v)
	_, err := enc.Writer().Write(payload[:])
	return err
}

func decodeMsgpack(dec *msgpack.Decoder) (*object.Object, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}

	switch {
	case code == msgpcode.Nil:
		if err := dec.DecodeNil(); err != nil {
			return nil, err
		}
		return object.NewNull(), nil

	case code == msgpcode.True || code == msgpcode.False:
		v, err := dec.DecodeBool()
		if err != nil {
			return nil, err
		}
		return object.NewBool(v), nil

	case code == msgpcode.Uint8 || code == msgpcode.Uint16 ||
		code == msgpcode.Uint32 || code == msgpcode.Uint64:
		v, err := dec.DecodeUint64()
		if err != nil {
			return nil, err
		}
		return object.NewUint64(v), nil

	case msgpcode.IsFixedNum(code) ||
		code == msgpcode.Int8 || code == msgpcode.Int16 ||
		code == msgpcode.Int32 || code == msgpcode.Int64:
		v, err := dec.DecodeInt64()
		if err != nil {
			return nil, err
		}
		return object.NewInt64(v), nil

	case code == msgpcode.Float || code == msgpcode.Double:
		v, err := dec.DecodeFloat64()
		if err != nil {
			return nil, err
		}
		return object.NewDouble(v), nil

	case msgpcode.IsString(code):
		v, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		return object.NewString(v), nil

	case msgpcode.IsBin(code):
		v, err := dec.DecodeBytes()
		if err != nil {
			return nil, err
		}
		return object.NewBinary(v, true), nil

	case msgpcode.IsFixedArray(code) || code == msgpcode.Array16 || code == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		arr := object.NewArray()
		for i := 0; i < n; i++ {
			item, err := decodeMsgpack(dec)
			if err != nil {
				arr.Release()
				return nil, err
			}
			arr.Append(item)
			item.Release()
		}
		return arr, nil

	case msgpcode.IsFixedMap(code) || code == msgpcode.Map16 || code == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return nil, err
		}
		dict := object.NewDictionary()
		for i := 0; i < n; i++ {
			key, err := dec.DecodeString()
			if err != nil {
				dict.Release()
				return nil, err
			}
			v, err := decodeMsgpack(dec)
			if err != nil {
				dict.Release()
				return nil, err
			}
			dict.Set(key, v)
			v.Release()
		}
		if dict.Len() == 1 {
			if payload, ok := dict.GetDict(errorKey); ok {
				errObj := errorFromDict(payload)
				dict.Release()
				return errObj, nil
			}
		}
		return dict, nil

	case msgpcode.IsExt(code):
		tag, extLen, err := dec.DecodeExtHeader()
		if err != nil {
			return nil, err
		}
		payload := make([]byte, extLen)
		if err := dec.ReadFull(payload); err != nil {
			return nil, err
		}
		switch tag {
		case extDate:
			if extLen != 4 {
				return nil, fmt.Errorf("date extension with %d-byte payload", extLen)
			}
			return object.NewDateUnix(int64(binary.LittleEndian.Uint32(payload))), nil
		case extFD:
			if extLen != 4 {
				return nil, fmt.Errorf("fd extension with %d-byte payload", extLen)
			}
			return object.NewFD(int(int32(binary.LittleEndian.Uint32(payload)))), nil
		case extNested:
			nested := msgpack.NewDecoder(bytes.NewReader(payload))
			return decodeMsgpack(nested)
		default:
			// Unknown tags decode to null; the caller gets the error flag.
			return object.NewNull(), &UnknownTagError{Tag: fmt.Sprintf("%#x", tag)}
		}

	default:
		return nil, fmt.Errorf("unsupported msgpack code %#x", code)
	}
}

func errorFromDict(payload *object.Object) *object.Object {
	code, _ := payload.GetInt("code")
	message, _ := payload.GetString("message")
	var extra *object.Object
	if v, ok := payload.Get("extra"); ok && !v.IsNull() {
		extra = v.Retain()
	}
	return object.NewError(int(code), message, extra)
}
