package rpc

import (
	"github.com/twoporeguys/librpc-go/object"
	"github.com/twoporeguys/librpc-go/serializer"
)

// Frame kinds of the wire protocol. Every frame is an Object dictionary
// encoded with the connection's codec; the logical model is
// encoder-neutral.
type frameKind string

const (
	frameCall        frameKind = "call"
	frameResponse    frameKind = "response"
	frameFragment    frameKind = "fragment"
	frameEnd         frameKind = "end"
	frameError       frameKind = "error"
	frameContinue    frameKind = "continue"
	frameAbort       frameKind = "abort"
	frameEvent       frameKind = "event"
	frameSubscribe   frameKind = "subscribe"
	frameUnsubscribe frameKind = "unsubscribe"
)

// frame is the decoded form of one wire message. Only the fields
// meaningful for the kind are set.
type frame struct {
	kind  frameKind
	id    uint64
	seqno uint64

	// call / event / subscribe addressing
	path   string
	iface  string
	method string
	name   string

	// payload: call args, event args, response result, fragment value
	args *object.Object

	// error frames
	code    int
	message string
	extra   *object.Object
}

func (f *frame) release() {
	if f.args != nil {
		f.args.Release()
		f.args = nil
	}
	if f.extra != nil {
		f.extra.Release()
		f.extra = nil
	}
}

func encodeFrame(codec serializer.Codec, f *frame) ([]byte, error) {
	dict := object.NewDictionary()
	defer dict.Release()

	set := func(key string, v *object.Object) {
		dict.Set(key, v)
		v.Release()
	}
	set("type", object.NewString(string(f.kind)))

	switch f.kind {
	case frameEvent:
		set("path", object.NewString(f.path))
		set("interface", object.NewString(f.iface))
		set("name", object.NewString(f.name))
		if f.args != nil {
			dict.Set("args", f.args)
		}
	case frameSubscribe, frameUnsubscribe:
		set("path", object.NewString(f.path))
		set("interface", object.NewString(f.iface))
		set("name", object.NewString(f.name))
	case frameCall:
		set("id", object.NewUint64(f.id))
		set("path", object.NewString(f.path))
		set("interface", object.NewString(f.iface))
		set("method", object.NewString(f.method))
		if f.args != nil {
			dict.Set("args", f.args)
		}
	case frameResponse:
		set("id", object.NewUint64(f.id))
		if f.args != nil {
			dict.Set("result", f.args)
		}
	case frameFragment:
		set("id", object.NewUint64(f.id))
		set("seqno", object.NewUint64(f.seqno))
		if f.args != nil {
			dict.Set("value", f.args)
		}
	case frameEnd:
		set("id", object.NewUint64(f.id))
		set("seqno", object.NewUint64(f.seqno))
	case frameError:
		set("id", object.NewUint64(f.id))
		set("code", object.NewInt64(int64(f.code)))
		set("message", object.NewString(f.message))
		if f.extra != nil {
			dict.Set("extra", f.extra)
		}
	case frameContinue, frameAbort:
		set("id", object.NewUint64(f.id))
	}

	return codec.Marshal(dict)
}

func decodeFrame(codec serializer.Codec, data []byte) (*frame, error) {
	dict, err := codec.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	defer dict.Release()

	if dict.Kind() != object.KindDictionary {
		return nil, rpcError(object.EINVAL, "frame is not a dictionary")
	}
	kind, ok := dict.GetString("type")
	if !ok {
		return nil, rpcError(object.EINVAL, "frame has no type")
	}

	f := &frame{kind: frameKind(kind)}
	if id, ok := dict.GetInt("id"); ok {
		f.id = uint64(id)
	}
	if seqno, ok := dict.GetInt("seqno"); ok {
		f.seqno = uint64(seqno)
	}
	f.path, _ = dict.GetString("path")
	f.iface, _ = dict.GetString("interface")
	f.method, _ = dict.GetString("method")
	f.name, _ = dict.GetString("name")
	if code, ok := dict.GetInt("code"); ok {
		f.code = int(code)
	}
	f.message, _ = dict.GetString("message")

	for _, key := range []string{"args", "result", "value"} {
		if v, ok := dict.Get(key); ok {
			f.args = v.Retain()
			break
		}
	}
	if v, ok := dict.Get("extra"); ok {
		f.extra = v.Retain()
	}

	switch f.kind {
	case frameCall, frameResponse, frameFragment, frameEnd, frameError,
		frameContinue, frameAbort, frameEvent, frameSubscribe, frameUnsubscribe:
		return f, nil
	default:
		f.release()
		return nil, rpcError(object.EINVAL, "unknown frame type %q", kind)
	}
}

// errorObject converts an error frame payload to an error object.
func (f *frame) errorObject() *object.Object {
	var extra *object.Object
	if f.extra != nil {
		extra = f.extra.Retain()
	}
	return object.NewError(f.code, f.message, extra)
}
