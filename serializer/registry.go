// Package serializer maps Object trees to and from octet buffers.
//
// Codecs register under a name (msgpack, yaml, json); the connection
// layer and the IDL loader look them up at runtime. The registry is
// process-global and safe for concurrent use.
package serializer

import (
	"fmt"
	"sync"

	"github.com/twoporeguys/librpc-go/object"
)

// Codec encodes and decodes a full Object tree.
type Codec interface {
	Name() string
	Marshal(o *object.Object) ([]byte, error)
	Unmarshal(data []byte) (*object.Object, error)
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Codec)
)

// Register adds a codec under its name, replacing any previous codec
// with the same name.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	registry[c.Name()] = c
}

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := registry[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return c, nil
}

// Names returns the registered codec names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// NotFoundError reports a codec name with no registration.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no serializer registered under %q", e.Name)
}

// UnknownTagError reports an unrecognized extension tag in the input.
// The decoder returns a null object alongside it.
type UnknownTagError struct {
	Tag string
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown extension tag %s", e.Tag)
}
