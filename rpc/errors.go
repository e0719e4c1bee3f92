package rpc

import (
	"fmt"

	"github.com/twoporeguys/librpc-go/object"
)

// Errors produced by the call engine are *object.ErrorValue so the same
// value can cross the wire as an error object and surface locally as a
// Go error.

func rpcError(code int, format string, args ...any) *object.ErrorValue {
	return &object.ErrorValue{Code: code, Message: fmt.Sprintf(format, args...)}
}

func errConnectionClosed() *object.ErrorValue {
	return rpcError(object.ECONNRESET, "connection closed")
}

func errCanceled() *object.ErrorValue {
	return rpcError(object.ECANCELED, "call aborted")
}

func errTimedOut() *object.ErrorValue {
	return rpcError(object.ETIMEDOUT, "call timed out")
}

func errMethodNotFound(name string) *object.ErrorValue {
	return rpcError(object.ENOENT, "method %s not found", name)
}

// MethodNotRegisteredError reports UnregisterMethod on an absent name.
type MethodNotRegisteredError struct {
	Name string
}

func (e *MethodNotRegisteredError) Error() string {
	return fmt.Sprintf("method %s is not registered", e.Name)
}

// ServerNotAttachedError reports Close on a server its context no
// longer tracks.
type ServerNotAttachedError struct {
	URI string
}

func (e *ServerNotAttachedError) Error() string {
	return fmt.Sprintf("server %s is not attached to its context", e.URI)
}
