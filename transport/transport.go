// Package transport defines the pluggable wire-transport interface and
// the process-global scheme registry.
//
// The runtime never touches sockets directly: connections and servers
// speak to a Link obtained from a registered Transport. A transport
// registers under a unique name with the URI schemes it claims; server
// and connection creation resolve the scheme through the registry.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/twoporeguys/librpc-go/object"
)

// Credentials are the peer's identity for transports able to supply it
// (unix domain sockets). Unset fields are -1.
type Credentials struct {
	UID int
	GID int
	PID int
}

// Link is one established peer link. Send and Recv move whole frames;
// descriptors ride out of band where the transport supports them.
type Link interface {
	// Send transmits one frame together with any file descriptors.
	Send(frame []byte, fds []int) error
	// Recv blocks for the next frame. Credentials are non-nil on the
	// first message for transports that can supply them.
	Recv() (frame []byte, fds []int, creds *Credentials, err error)
	// Abort unblocks a pending Recv and poisons the link.
	Abort() error
	// Close releases the link.
	Close() error
}

// Listener accepts inbound links for a server.
type Listener interface {
	Accept() (Link, error)
	Close() error
	Addr() string
}

// Transport connects and listens on the URI schemes it claims.
type Transport interface {
	Name() string
	Schemes() []string
	Connect(ctx context.Context, uri *url.URL, params map[string]any) (Link, error)
	Listen(ctx context.Context, uri *url.URL, params map[string]any) (Listener, error)
}

var (
	mu       sync.RWMutex
	byName   = make(map[string]Transport)
	byScheme = make(map[string]Transport)
)

// Register adds a transport under its name and schemes, replacing any
// previous claims.
func Register(t Transport) {
	mu.Lock()
	defer mu.Unlock()
	byName[t.Name()] = t
	for _, scheme := range t.Schemes() {
		byScheme[scheme] = t
	}
}

// LookupScheme resolves the transport claiming a URI scheme. Unknown
// schemes fail with ENXIO.
func LookupScheme(scheme string) (Transport, error) {
	mu.RLock()
	defer mu.RUnlock()
	t, ok := byScheme[scheme]
	if !ok {
		return nil, &object.ErrorValue{
			Code:    object.ENXIO,
			Message: fmt.Sprintf("no transport claims scheme %q", scheme),
		}
	}
	return t, nil
}

// Lookup resolves a transport by its registered name.
func Lookup(name string) (Transport, error) {
	mu.RLock()
	defer mu.RUnlock()
	t, ok := byName[name]
	if !ok {
		return nil, &object.ErrorValue{
			Code:    object.ENXIO,
			Message: fmt.Sprintf("no transport registered under %q", name),
		}
	}
	return t, nil
}

// ParseURI parses and resolves a URI in one step.
func ParseURI(uri string) (*url.URL, Transport, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, nil, &object.ErrorValue{Code: object.EINVAL, Message: err.Error()}
	}
	t, err := LookupScheme(u.Scheme)
	if err != nil {
		return nil, nil, err
	}
	return u, t, nil
}
