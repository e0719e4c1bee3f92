package typing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twoporeguys/librpc-go/object"
)

const exampleIDL = `
meta:
  version: 1
  namespace: com.example
  description: Test declarations.

struct Pair<A,B>:
  members:
    a: A
    b: B

typedef IntPair: Pair<int64,int64>

struct Box<T>:
  members:
    value: T

enum Color:
  members: [red, green, blue]

union Scalar:
  members:
    i: int64
    s: string

struct Named:
  members:
    name:
      type: string
      description: Display name.
      constraints:
        min_length: 3

struct Base:
  members:
    x: int64

struct Derived:
  extends: Base
  members:
    y: string

interface Calculator:
  description: Arithmetic over the wire.
  method add:
    description: Add two integers.
    args:
      - name: a
        type: int64
      - name: b
        type: int64
    return: int64
  method noop:
  property precision:
    type: int64
    access: read_write
    notify: true
  event overflow:
    type: int64
`

func newTestContext(t *testing.T) *Context {
	t.Helper()
	c := NewContext()
	require.NoError(t, c.LoadString("example.idl", []byte(exampleIDL)))
	return c
}

// =============================================================================
// LOADING
// =============================================================================

func TestLoadRequiresMeta(t *testing.T) {
	c := NewContext()
	err := c.LoadString("bad.idl", []byte("struct Foo:\n  members:\n    a: int64\n"))
	var ev *object.ErrorValue
	require.ErrorAs(t, err, &ev)
	assert.Equal(t, object.EINVAL, ev.Code)
}

func TestLoadIsIdempotent(t *testing.T) {
	c := newTestContext(t)
	require.NoError(t, c.LoadString("example.idl", []byte("garbage that never parses")))
	assert.Len(t, c.Files(), 1)
}

func TestLoadRegistersQualifiedNames(t *testing.T) {
	c := newTestContext(t)
	require.NotNil(t, c.FindType("com.example.Pair"))
	require.NotNil(t, c.FindType("com.example.Color"))
	assert.Nil(t, c.FindType("Pair"), "unqualified lookup misses")
	assert.NotNil(t, c.FindType("int64"), "builtins are present")
}

func TestFuzzyLookupUsesNamespaceAndUses(t *testing.T) {
	c := newTestContext(t)
	other := `
meta:
  version: 1
  namespace: com.other
  use: [com.example]

struct Wrapper:
  members:
    pair: Pair<int64,int64>
`
	require.NoError(t, c.LoadString("other.idl", []byte(other)))
	w := c.FindType("com.other.Wrapper")
	require.NotNil(t, w)

	ti, err := c.memberType(w, w.Members["pair"])
	require.NoError(t, err)
	assert.Equal(t, "com.example.Pair<int64,int64>", ti.CanonicalForm())
}

func TestInterfaceParsing(t *testing.T) {
	c := newTestContext(t)
	iface := c.FindInterface("com.example.Calculator")
	require.NotNil(t, iface)
	assert.Equal(t, "Arithmetic over the wire.", iface.Description)

	add := iface.Method("add")
	require.NotNil(t, add)
	require.Len(t, add.Arguments, 2)
	assert.Equal(t, "a", add.Arguments[0].Name)
	assert.Equal(t, "int64", add.Arguments[0].Type.CanonicalForm())
	assert.Equal(t, "int64", add.Result.CanonicalForm())

	noop := iface.Method("noop")
	require.NotNil(t, noop)
	assert.Empty(t, noop.Arguments)
	assert.Nil(t, noop.Result)

	precision := iface.Member("precision")
	require.NotNil(t, precision)
	assert.Equal(t, MemberProperty, precision.Kind)
	assert.Equal(t, AccessReadWrite, precision.Access)
	assert.True(t, precision.Notify)

	overflow := iface.Member("overflow")
	require.NotNil(t, overflow)
	assert.Equal(t, MemberEvent, overflow.Kind)
}

// =============================================================================
// INSTANTIATION
// =============================================================================

func TestSplitTopLevelIsNestAware(t *testing.T) {
	assert.Equal(t,
		[]string{"Pair<int64,string>", "double"},
		splitTopLevel("Pair<int64,string>, double"))
	assert.Equal(t,
		[]string{"Box<Pair<int64,Box<string>>>", "int64"},
		splitTopLevel("Box<Pair<int64,Box<string>>>,int64"))
}

func TestCanonicalCacheReturnsSharedInstances(t *testing.T) {
	c := newTestContext(t)
	first, err := c.Instantiate("com.example.Pair<int64,int64>")
	require.NoError(t, err)
	second, err := c.Instantiate("com.example.Pair<int64,int64>")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.True(t, first.FullySpecialized())
}

func TestInstantiateArityMismatch(t *testing.T) {
	c := newTestContext(t)
	_, err := c.Instantiate("com.example.Pair<int64>")
	var ev *object.ErrorValue
	require.ErrorAs(t, err, &ev)
	assert.Equal(t, object.EINVAL, ev.Code)
}

func TestInstantiateUnknownType(t *testing.T) {
	c := newTestContext(t)
	_, err := c.Instantiate("com.example.Mystery")
	var ev *object.ErrorValue
	require.ErrorAs(t, err, &ev)
	assert.Equal(t, object.EINVAL, ev.Code)
}

func TestNestedGenericsToDepthEight(t *testing.T) {
	c := newTestContext(t)
	decl := "int64"
	for i := 0; i < 8; i++ {
		decl = "com.example.Box<" + decl + ">"
	}
	ti, err := c.Instantiate(decl)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("com.example.Box<", 8)+"int64"+strings.Repeat(">", 8),
		ti.CanonicalForm())

	// a value nested just as deep validates
	v := object.NewInt64(1)
	for i := 0; i < 8; i++ {
		box := object.NewDictionary()
		box.Set("value", v)
		v.Release()
		v = box
	}
	assert.Empty(t, c.Validate(ti, v))
}

func TestTypedefUnwind(t *testing.T) {
	c := newTestContext(t)
	ti, err := c.Instantiate("com.example.IntPair")
	require.NoError(t, err)
	unwound, err := c.Unwind(ti)
	require.NoError(t, err)
	assert.Equal(t, "com.example.Pair<int64,int64>", unwound.CanonicalForm())
}

// =============================================================================
// COMPATIBILITY
// =============================================================================

func TestAnyIsCompatibleWithEverything(t *testing.T) {
	c := newTestContext(t)
	anyTI, err := c.Instantiate("any")
	require.NoError(t, err)
	str, err := c.Instantiate("string")
	require.NoError(t, err)
	assert.True(t, c.IsCompatible(anyTI, str))
	assert.False(t, c.IsCompatible(str, anyTI))
}

func TestSpecializationsAreNotRecursivelyChecked(t *testing.T) {
	// Historical behavior: Box<int64> passes where Box<string> is
	// declared because specialization arguments are not compared.
	c := newTestContext(t)
	declared, err := c.Instantiate("com.example.Box<string>")
	require.NoError(t, err)
	actual, err := c.Instantiate("com.example.Box<int64>")
	require.NoError(t, err)
	assert.True(t, c.IsCompatible(declared, actual))
}

func TestParentChainCompatibility(t *testing.T) {
	c := newTestContext(t)
	base, err := c.Instantiate("com.example.Base")
	require.NoError(t, err)
	derived, err := c.Instantiate("com.example.Derived")
	require.NoError(t, err)
	assert.True(t, c.IsCompatible(base, derived))
	assert.False(t, c.IsCompatible(derived, base))
}

// =============================================================================
// VALIDATION
// =============================================================================

func dictOf(t *testing.T, pairs map[string]*object.Object) *object.Object {
	t.Helper()
	d := object.NewDictionary()
	for k, v := range pairs {
		d.Set(k, v)
		v.Release()
	}
	return d
}

func TestValidateIntPair(t *testing.T) {
	c := newTestContext(t)
	ti, err := c.Instantiate("com.example.IntPair")
	require.NoError(t, err)

	good := dictOf(t, map[string]*object.Object{
		"a": object.NewInt64(1),
		"b": object.NewInt64(2),
	})
	assert.Empty(t, c.Validate(ti, good))

	bad := dictOf(t, map[string]*object.Object{
		"a": object.NewString("x"),
		"b": object.NewInt64(2),
	})
	errs := c.Validate(ti, bad)
	require.Len(t, errs, 1)
	assert.Equal(t, ".a", errs[0].Path)
	assert.Equal(t, "Incompatible type string, should be int64", errs[0].Message)
}

func TestValidateMissingAndUnknownMembers(t *testing.T) {
	c := newTestContext(t)
	ti, err := c.Instantiate("com.example.IntPair")
	require.NoError(t, err)

	obj := dictOf(t, map[string]*object.Object{
		"a":     object.NewInt64(1),
		"extra": object.NewBool(true),
	})
	errs := c.Validate(ti, obj)
	paths := make(map[string]string)
	for _, e := range errs {
		paths[e.Path] = e.Message
	}
	assert.Contains(t, paths[".b"], "required")
	assert.Contains(t, paths[".extra"], "Unknown member")
}

func TestValidateInheritedMembers(t *testing.T) {
	c := newTestContext(t)
	ti, err := c.Instantiate("com.example.Derived")
	require.NoError(t, err)

	good := dictOf(t, map[string]*object.Object{
		"x": object.NewInt64(1),
		"y": object.NewString("s"),
	})
	assert.Empty(t, c.Validate(ti, good))

	missingParent := dictOf(t, map[string]*object.Object{
		"y": object.NewString("s"),
	})
	errs := c.Validate(ti, missingParent)
	require.Len(t, errs, 1)
	assert.Equal(t, ".x", errs[0].Path)
}

func TestValidateEnum(t *testing.T) {
	c := newTestContext(t)
	ti, err := c.Instantiate("com.example.Color")
	require.NoError(t, err)

	assert.Empty(t, c.Validate(ti, object.NewString("red")))

	errs := c.Validate(ti, object.NewString("purple"))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "purple")

	errs = c.Validate(ti, object.NewInt64(1))
	require.NotEmpty(t, errs)
}

func TestValidateUnion(t *testing.T) {
	c := newTestContext(t)
	ti, err := c.Instantiate("com.example.Scalar")
	require.NoError(t, err)

	assert.Empty(t, c.Validate(ti, object.NewInt64(5)))
	assert.Empty(t, c.Validate(ti, object.NewString("five")))
	assert.NotEmpty(t, c.Validate(ti, object.NewDouble(5.0)))
}

func TestValidateConstraints(t *testing.T) {
	c := newTestContext(t)
	ti, err := c.Instantiate("com.example.Named")
	require.NoError(t, err)

	ok := dictOf(t, map[string]*object.Object{"name": object.NewString("abc")})
	assert.Empty(t, c.Validate(ti, ok))

	short := dictOf(t, map[string]*object.Object{"name": object.NewString("ab")})
	errs := c.Validate(ti, short)
	require.Len(t, errs, 1)
	assert.Equal(t, ".name", errs[0].Path)
	assert.Contains(t, errs[0].Message, "shorter")
}

func TestValidateAnyAndNull(t *testing.T) {
	c := newTestContext(t)
	anyTI, err := c.Instantiate("any")
	require.NoError(t, err)
	assert.Empty(t, c.Validate(anyTI, object.NewDouble(1.5)))

	nullTI, err := c.Instantiate("nulltype")
	require.NoError(t, err)
	assert.Empty(t, c.Validate(nullTI, object.NewNull()))
	assert.NotEmpty(t, c.Validate(nullTI, object.NewInt64(0)))
}

// =============================================================================
// TYPED SERIALIZATION
// =============================================================================

func TestSerializeDeserializeTypedValue(t *testing.T) {
	c := newTestContext(t)
	ti, err := c.Instantiate("com.example.IntPair")
	require.NoError(t, err)

	value := dictOf(t, map[string]*object.Object{
		"a": object.NewInt64(1),
		"b": object.NewInt64(2),
	})
	value.SetTypeInstance(ti)

	wire, err := c.Serialize(value)
	require.NoError(t, err)
	name, ok := wire.GetString(SentinelType)
	require.True(t, ok)
	assert.Equal(t, "com.example.IntPair", name)
	payload, ok := wire.GetDict(SentinelValue)
	require.True(t, ok)
	n, _ := payload.GetInt("a")
	assert.Equal(t, int64(1), n)

	back, err := c.Deserialize(wire)
	require.NoError(t, err)
	require.NotNil(t, back.TypeInstance())
	assert.Same(t, ti, back.TypeInstance(), "annotation resolves to the cached instance")
	a, _ := back.GetInt("a")
	assert.Equal(t, int64(1), a)
}

func TestNilContextIsIdentity(t *testing.T) {
	var c *Context
	v := object.NewString("payload")
	out, err := c.Serialize(v)
	require.NoError(t, err)
	assert.Same(t, v, out)

	out, err = c.Deserialize(v)
	require.NoError(t, err)
	assert.Same(t, v, out)
}

func TestDeserializeRealmScopesLookups(t *testing.T) {
	c := newTestContext(t)
	wire := object.NewDictionary()
	realm := object.NewString("com.example")
	wire.Set(SentinelRealm, realm)
	realm.Release()
	typed := object.NewDictionary()
	name := object.NewString("IntPair")
	typed.Set(SentinelType, name)
	name.Release()
	inner := dictOf(t, map[string]*object.Object{
		"a": object.NewInt64(3),
		"b": object.NewInt64(4),
	})
	typed.Set(SentinelValue, inner)
	inner.Release()
	wire.Set("pair", typed)
	typed.Release()

	back, err := c.Deserialize(wire)
	require.NoError(t, err)
	pair, ok := back.Get("pair")
	require.True(t, ok)
	require.NotNil(t, pair.TypeInstance())
	assert.Equal(t, "com.example.IntPair", pair.TypeInstance().CanonicalForm())
}
