package object

import (
	"fmt"
	"runtime"
	"syscall"
)

// POSIX-style error codes carried by error objects. Errors crossing the
// wire carry code, message and extra only.
const (
	EPERM      = int(syscall.EPERM)
	ENOENT     = int(syscall.ENOENT)
	EIO        = int(syscall.EIO)
	ENXIO      = int(syscall.ENXIO)
	EBADF      = int(syscall.EBADF)
	EFAULT     = int(syscall.EFAULT)
	EBUSY      = int(syscall.EBUSY)
	EEXIST     = int(syscall.EEXIST)
	EINVAL     = int(syscall.EINVAL)
	ERANGE     = int(syscall.ERANGE)
	ENOTSUP    = int(syscall.ENOTSUP)
	ECONNRESET = int(syscall.ECONNRESET)
	ETIMEDOUT  = int(syscall.ETIMEDOUT)
	ECANCELED  = int(syscall.ECANCELED)
)

// Frame is one entry of an error object's optional stacktrace.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// ErrorValue is the payload of an error object: a POSIX-style code, a
// message, optional extra data and an optional stacktrace.
type ErrorValue struct {
	Code    int
	Message string
	Extra   *Object
	Stack   []Frame
}

func (e *ErrorValue) String() string {
	return fmt.Sprintf("error(%d, %q)", e.Code, e.Message)
}

// Error implements the Go error interface so error objects can flow
// through ordinary error returns.
func (e *ErrorValue) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// NewError creates an error object. Extra's reference is transferred to
// the object; pass nil when there is none.
func NewError(code int, message string, extra *Object) *Object {
	o := newObject(KindError)
	o.errv = &ErrorValue{Code: code, Message: message, Extra: extra}
	return o
}

// NewErrorf creates an error object with a formatted message and no
// extra payload.
func NewErrorf(code int, format string, args ...any) *Object {
	return NewError(code, fmt.Sprintf(format, args...), nil)
}

// NewErrorFromGo wraps a Go error as an error object. An *ErrorValue
// keeps its code; anything else becomes EFAULT.
func NewErrorFromGo(err error) *Object {
	if ev, ok := err.(*ErrorValue); ok {
		var extra *Object
		if ev.Extra != nil {
			extra = ev.Extra.Retain()
		}
		return NewError(ev.Code, ev.Message, extra)
	}
	return NewError(EFAULT, err.Error(), nil)
}

// AttachStack captures the caller's stack onto an error object. No-op
// for non-error objects. Stacks never cross the wire unless explicitly
// attached by the producer.
func (o *Object) AttachStack(skip int) {
	if o.kind != KindError {
		return
	}
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		o.errv.Stack = append(o.errv.Stack, Frame{
			File:     f.File,
			Line:     f.Line,
			Function: f.Function,
		})
		if !more {
			break
		}
	}
}

// =============================================================================
// GO-LEVEL ERRORS
// =============================================================================

// TypeError reports an operation applied to the wrong object kind.
type TypeError struct {
	Want Kind
	Got  Kind
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("expected %s object, got %s", e.Want, e.Got)
}

// NewTypeError creates a TypeError.
func NewTypeError(want, got Kind) *TypeError {
	return &TypeError{Want: want, Got: got}
}

// RangeError reports an array index out of bounds.
type RangeError struct {
	Index int
	Len   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("index %d out of range for array of length %d", e.Index, e.Len)
}

// NewRangeError creates a RangeError.
func NewRangeError(index, length int) *RangeError {
	return &RangeError{Index: index, Len: length}
}

// KeyError reports a missing dictionary key.
type KeyError struct {
	Key string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("key %q not found", e.Key)
}

// NewKeyError creates a KeyError.
func NewKeyError(key string) *KeyError {
	return &KeyError{Key: key}
}
