package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twoporeguys/librpc-go/object"
)

func allCodecs(t *testing.T) []Codec {
	t.Helper()
	var codecs []Codec
	for _, name := range []string{"msgpack", "yaml", "json"} {
		c, err := Lookup(name)
		require.NoError(t, err, "codec %s must be registered", name)
		codecs = append(codecs, c)
	}
	return codecs
}

func roundTrip(t *testing.T, c Codec, o *object.Object) *object.Object {
	t.Helper()
	data, err := c.Marshal(o)
	require.NoError(t, err, "%s marshal", c.Name())
	back, err := c.Unmarshal(data)
	require.NoError(t, err, "%s unmarshal", c.Name())
	return back
}

func TestLookupUnknownCodec(t *testing.T) {
	_, err := Lookup("xml")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "xml", nf.Name)
}

func TestPrimitiveRoundTripAllCodecs(t *testing.T) {
	primitives := []*object.Object{
		object.NewNull(),
		object.NewBool(true),
		object.NewBool(false),
		object.NewUint64(0),
		object.NewUint64(1<<63 + 17),
		object.NewInt64(-1234567),
		object.NewInt64(42),
		object.NewDouble(0.25),
		object.NewDateUnix(0),          // epoch
		object.NewDateUnix(1<<31 - 1),  // 2^31-1
		object.NewString(""),
		object.NewString("hello world"),
		object.NewBinary(nil, true), // zero-length
		object.NewBinary([]byte{0, 1, 2, 255}, true),
	}
	for _, codec := range allCodecs(t) {
		for _, o := range primitives {
			back := roundTrip(t, codec, o)
			assert.True(t, o.Equal(back), "%s: %s did not round-trip, got %s",
				codec.Name(), o, back)
		}
	}
}

func TestContainerRoundTripPreservesOrder(t *testing.T) {
	arr := object.NewArray()
	for i := 0; i < 10; i++ {
		v := object.NewInt64(int64(i))
		arr.Append(v)
		v.Release()
	}
	dict := object.NewDictionary()
	for _, k := range []string{"zulu", "alpha", "mike", "echo"} {
		v := object.NewString(k)
		dict.Set(k, v)
		v.Release()
	}

	for _, codec := range allCodecs(t) {
		backArr := roundTrip(t, codec, arr)
		assert.True(t, arr.Equal(backArr), "%s array order", codec.Name())

		backDict := roundTrip(t, codec, dict)
		assert.True(t, dict.Equal(backDict), "%s dict key set", codec.Name())
	}
}

func TestEmptyContainers(t *testing.T) {
	for _, codec := range allCodecs(t) {
		assert.True(t, object.NewArray().Equal(roundTrip(t, codec, object.NewArray())))
		assert.True(t, object.NewDictionary().Equal(roundTrip(t, codec, object.NewDictionary())))
	}
}

func TestNestedTreeRoundTrip(t *testing.T) {
	root := object.NewDictionary()
	level := root
	for i := 0; i < 6; i++ {
		child := object.NewDictionary()
		n := object.NewInt64(int64(i))
		child.Set("n", n)
		n.Release()
		level.Set("child", child)
		child.Release()
		level = child
	}
	for _, codec := range allCodecs(t) {
		back := roundTrip(t, codec, root)
		assert.True(t, root.Equal(back), "%s nested tree", codec.Name())
	}
}

func TestErrorObjectRoundTrip(t *testing.T) {
	extra := object.NewArray()
	detail := object.NewString("field a is bad")
	extra.Append(detail)
	detail.Release()
	o := object.NewError(object.EINVAL, "Validation failed", extra)

	for _, codec := range allCodecs(t) {
		back := roundTrip(t, codec, o)
		require.Equal(t, object.KindError, back.Kind(), codec.Name())
		assert.Equal(t, object.EINVAL, back.Err().Code, codec.Name())
		assert.Equal(t, "Validation failed", back.Err().Message, codec.Name())
		require.NotNil(t, back.Err().Extra, codec.Name())
		assert.True(t, o.Err().Extra.Equal(back.Err().Extra), codec.Name())
	}
}

func TestFDRoundTrip(t *testing.T) {
	// The codec carries the descriptor number; real descriptor passing
	// is the transport's concern.
	for _, codec := range allCodecs(t) {
		data, err := codec.Marshal(object.NewFD(7))
		require.NoError(t, err)
		back, err := codec.Unmarshal(data)
		require.NoError(t, err)
		require.Equal(t, object.KindFD, back.Kind(), codec.Name())
		assert.Equal(t, 7, back.FD(), codec.Name())
	}
}

func TestMsgpackDateUsesExtensionTag(t *testing.T) {
	codec, err := Lookup("msgpack")
	require.NoError(t, err)
	data, err := codec.Marshal(object.NewDateUnix(0x01020304))
	require.NoError(t, err)
	// fixext4 (0xd6), type 0x01, little-endian seconds
	require.Len(t, data, 6)
	assert.Equal(t, byte(0xd6), data[0])
	assert.Equal(t, byte(0x01), data[1])
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, data[2:6])
}

func TestYAMLDecodesPlainDocuments(t *testing.T) {
	codec, err := Lookup("yaml")
	require.NoError(t, err)
	doc := []byte("name: demo\ncount: 3\nnested:\n  ok: true\nitems:\n  - 1\n  - 2\n")
	o, err := codec.Unmarshal(doc)
	require.NoError(t, err)
	require.Equal(t, object.KindDictionary, o.Kind())

	name, ok := o.GetString("name")
	require.True(t, ok)
	assert.Equal(t, "demo", name)
	count, ok := o.GetInt("count")
	require.True(t, ok)
	assert.Equal(t, int64(3), count)
	items, ok := o.GetArray("items")
	require.True(t, ok)
	assert.Equal(t, 2, items.Len())
	assert.Equal(t, []string{"name", "count", "nested", "items"}, o.Keys(),
		"document order survives decoding")
}

func TestYAMLRecordsLineNumbers(t *testing.T) {
	codec, err := Lookup("yaml")
	require.NoError(t, err)
	o, err := codec.Unmarshal([]byte("a: 1\nb: 2\n"))
	require.NoError(t, err)
	b, ok := o.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, b.Line())
}
