// Package object implements the dynamic value model of the RPC runtime.
//
// An Object is a tagged, reference-counted value: null, bool, uint64,
// int64, double, date, string, binary, file descriptor, array,
// dictionary or error. Containers own references to their elements;
// releasing the last reference destroys the value and closes any owned
// file descriptor.
package object

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Kind identifies the value stored in an Object.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindUint64
	KindInt64
	KindDouble
	KindDate
	KindString
	KindBinary
	KindFD
	KindDictionary
	KindArray
	KindError
)

// String returns the builtin type name for the kind. These names are
// reserved in the IDL and must not change.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "nulltype"
	case KindBool:
		return "bool"
	case KindUint64:
		return "uint64"
	case KindInt64:
		return "int64"
	case KindDouble:
		return "double"
	case KindDate:
		return "date"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindFD:
		return "fd"
	case KindDictionary:
		return "dictionary"
	case KindArray:
		return "array"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TypeAnnotation is implemented by the typing layer's type instances.
// The object model only needs the canonical form for diagnostics; the
// typing layer asserts back to its concrete instance type.
type TypeAnnotation interface {
	CanonicalForm() string
}

// Object is a tagged, refcounted value. The zero value is not usable;
// use the New* constructors, which return objects with refcount 1.
type Object struct {
	kind   Kind
	refcnt int32

	boolv  bool
	u64    uint64
	i64    int64
	f64    float64
	date   int64 // seconds since the Unix epoch, whole-second precision
	str    string
	bin    []byte
	borrow bool // binary buffer is borrowed, not owned
	fd     int

	mu   sync.Mutex // guards arr, dict and keys
	arr  []*Object
	dict map[string]*Object
	keys []string // dictionary insertion order

	errv *ErrorValue

	typei TypeAnnotation
	line  int // source line for diagnostics, 0 if unknown
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func newObject(k Kind) *Object {
	return &Object{kind: k, refcnt: 1, fd: -1}
}

// NewNull creates a null object.
func NewNull() *Object { return newObject(KindNull) }

// NewBool creates a bool object.
func NewBool(v bool) *Object {
	o := newObject(KindBool)
	o.boolv = v
	return o
}

// NewUint64 creates a uint64 object.
func NewUint64(v uint64) *Object {
	o := newObject(KindUint64)
	o.u64 = v
	return o
}

// NewInt64 creates an int64 object.
func NewInt64(v int64) *Object {
	o := newObject(KindInt64)
	o.i64 = v
	return o
}

// NewDouble creates a double object.
func NewDouble(v float64) *Object {
	o := newObject(KindDouble)
	o.f64 = v
	return o
}

// NewDate creates a date object, truncated to whole seconds.
func NewDate(t time.Time) *Object {
	return NewDateUnix(t.Unix())
}

// NewDateUnix creates a date object from seconds since the Unix epoch.
func NewDateUnix(secs int64) *Object {
	o := newObject(KindDate)
	o.date = secs
	return o
}

// NewString creates a string object.
func NewString(v string) *Object {
	o := newObject(KindString)
	o.str = v
	return o
}

// NewBinary creates a binary object. When copyBuf is true the buffer is
// copied; otherwise the object borrows the caller's storage, which must
// outlive the object.
func NewBinary(buf []byte, copyBuf bool) *Object {
	o := newObject(KindBinary)
	if copyBuf {
		o.bin = append([]byte(nil), buf...)
	} else {
		o.bin = buf
		o.borrow = true
	}
	return o
}

// NewFD creates a file descriptor object. Ownership of the descriptor
// transfers to the object; it is closed when the last reference is
// released.
func NewFD(fd int) *Object {
	o := newObject(KindFD)
	o.fd = fd
	return o
}

// NewArray creates an array object holding the given items. The items'
// references are transferred to the array (not re-retained).
func NewArray(items ...*Object) *Object {
	o := newObject(KindArray)
	o.arr = append(o.arr, items...)
	return o
}

// NewDictionary creates an empty dictionary object.
func NewDictionary() *Object {
	o := newObject(KindDictionary)
	o.dict = make(map[string]*Object)
	return o
}

// =============================================================================
// REFCOUNTING
// =============================================================================

// Retain increments the reference count and returns the object.
func (o *Object) Retain() *Object {
	atomic.AddInt32(&o.refcnt, 1)
	return o
}

// Release decrements the reference count, destroying the value when it
// reaches zero. Destruction releases container elements and closes an
// owned file descriptor.
func (o *Object) Release() {
	if atomic.AddInt32(&o.refcnt, -1) != 0 {
		return
	}
	switch o.kind {
	case KindArray:
		for _, item := range o.arr {
			item.Release()
		}
		o.arr = nil
	case KindDictionary:
		for _, v := range o.dict {
			v.Release()
		}
		o.dict = nil
		o.keys = nil
	case KindFD:
		if o.fd >= 0 {
			_ = unix.Close(o.fd)
			o.fd = -1
		}
	case KindError:
		if o.errv != nil && o.errv.Extra != nil {
			o.errv.Extra.Release()
		}
	}
}

// Refcount returns the current reference count.
func (o *Object) Refcount() int {
	return int(atomic.LoadInt32(&o.refcnt))
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Kind returns the object's kind tag.
func (o *Object) Kind() Kind { return o.kind }

// IsNull reports whether the object is null.
func (o *Object) IsNull() bool { return o == nil || o.kind == KindNull }

// Bool returns the bool value; false for non-bool objects.
func (o *Object) Bool() bool { return o.boolv }

// Uint64 returns the uint64 value; 0 for non-uint64 objects.
func (o *Object) Uint64() uint64 { return o.u64 }

// Int64 returns the int64 value; 0 for non-int64 objects.
func (o *Object) Int64() int64 { return o.i64 }

// Double returns the double value; 0 for non-double objects.
func (o *Object) Double() float64 { return o.f64 }

// Date returns the date value as a time.Time in UTC.
func (o *Object) Date() time.Time { return time.Unix(o.date, 0).UTC() }

// DateUnix returns the date value as seconds since the Unix epoch.
func (o *Object) DateUnix() int64 { return o.date }

// StringValue returns the string value; "" for non-string objects.
func (o *Object) StringValue() string { return o.str }

// BinaryValue returns the binary buffer. The buffer must not be
// modified; it may be borrowed storage.
func (o *Object) BinaryValue() []byte { return o.bin }

// Borrowed reports whether a binary object borrows its buffer.
func (o *Object) Borrowed() bool { return o.borrow }

// FD returns the file descriptor; -1 for non-fd objects.
func (o *Object) FD() int { return o.fd }

// Err returns the error value; nil for non-error objects.
func (o *Object) Err() *ErrorValue { return o.errv }

// TypeInstance returns the type annotation, if any.
func (o *Object) TypeInstance() TypeAnnotation { return o.typei }

// SetTypeInstance sets the type annotation.
func (o *Object) SetTypeInstance(t TypeAnnotation) { o.typei = t }

// Line returns the IDL source line the object was decoded from, 0 if
// unknown.
func (o *Object) Line() int { return o.line }

// SetLine records the IDL source line for diagnostics.
func (o *Object) SetLine(line int) { o.line = line }

// String renders the object for diagnostics. Not a wire format.
func (o *Object) String() string {
	if o == nil {
		return "<nil>"
	}
	switch o.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%v", o.boolv)
	case KindUint64:
		return fmt.Sprintf("%du", o.u64)
	case KindInt64:
		return fmt.Sprintf("%d", o.i64)
	case KindDouble:
		return fmt.Sprintf("%g", o.f64)
	case KindDate:
		return o.Date().Format(time.RFC3339)
	case KindString:
		return fmt.Sprintf("%q", o.str)
	case KindBinary:
		return fmt.Sprintf("binary(%d bytes)", len(o.bin))
	case KindFD:
		return fmt.Sprintf("fd(%d)", o.fd)
	case KindArray:
		o.mu.Lock()
		defer o.mu.Unlock()
		parts := make([]string, len(o.arr))
		for i, item := range o.arr {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindDictionary:
		o.mu.Lock()
		defer o.mu.Unlock()
		parts := make([]string, 0, len(o.keys))
		for _, k := range o.keys {
			parts = append(parts, fmt.Sprintf("%q: %s", k, o.dict[k].String()))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindError:
		return o.errv.String()
	default:
		return "<invalid>"
	}
}
