package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twoporeguys/librpc-go/object"
	"github.com/twoporeguys/librpc-go/serializer"
)

func msgpackCodec(t *testing.T) serializer.Codec {
	t.Helper()
	c, err := serializer.Lookup("msgpack")
	require.NoError(t, err)
	return c
}

func TestCallFrameRoundTrip(t *testing.T) {
	codec := msgpackCodec(t)
	args := object.NewArray()
	a := object.NewInt64(2)
	args.Append(a)
	a.Release()

	data, err := encodeFrame(codec, &frame{
		kind:   frameCall,
		id:     7,
		path:   "/",
		iface:  "com.example.Calculator",
		method: "add",
		args:   args,
	})
	require.NoError(t, err)

	f, err := decodeFrame(codec, data)
	require.NoError(t, err)
	defer f.release()
	assert.Equal(t, frameCall, f.kind)
	assert.Equal(t, uint64(7), f.id)
	assert.Equal(t, "com.example.Calculator", f.iface)
	assert.Equal(t, "add", f.method)
	require.NotNil(t, f.args)
	assert.Equal(t, 1, f.args.Len())
}

func TestErrorFrameRoundTrip(t *testing.T) {
	codec := msgpackCodec(t)
	extra := object.NewString("details")
	data, err := encodeFrame(codec, &frame{
		kind:    frameError,
		id:      3,
		code:    object.EINVAL,
		message: "Validation failed",
		extra:   extra,
	})
	extra.Release()
	require.NoError(t, err)

	f, err := decodeFrame(codec, data)
	require.NoError(t, err)
	defer f.release()

	errObj := f.errorObject()
	require.Equal(t, object.KindError, errObj.Kind())
	assert.Equal(t, object.EINVAL, errObj.Err().Code)
	assert.Equal(t, "Validation failed", errObj.Err().Message)
	assert.Equal(t, "details", errObj.Err().Extra.StringValue())
}

func TestFragmentAndEndFrames(t *testing.T) {
	codec := msgpackCodec(t)
	v := object.NewInt64(1)
	data, err := encodeFrame(codec, &frame{kind: frameFragment, id: 9, seqno: 4, args: v})
	v.Release()
	require.NoError(t, err)
	f, err := decodeFrame(codec, data)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), f.seqno)
	f.release()

	data, err = encodeFrame(codec, &frame{kind: frameEnd, id: 9, seqno: 4})
	require.NoError(t, err)
	f, err = decodeFrame(codec, data)
	require.NoError(t, err)
	assert.Equal(t, frameEnd, f.kind)
	assert.Nil(t, f.args)
	f.release()
}

func TestDecodeRejectsUnknownFrameKind(t *testing.T) {
	codec := msgpackCodec(t)
	dict := object.NewDictionary()
	kind := object.NewString("bogus")
	dict.Set("type", kind)
	kind.Release()
	data, err := codec.Marshal(dict)
	require.NoError(t, err)

	_, err = decodeFrame(codec, data)
	require.Error(t, err)
}

func TestSplitMethod(t *testing.T) {
	iface, method := splitMethod("com.example.Calculator.add")
	assert.Equal(t, "com.example.Calculator", iface)
	assert.Equal(t, "add", method)

	iface, method = splitMethod("ping")
	assert.Equal(t, "", iface)
	assert.Equal(t, "ping", method)
}
