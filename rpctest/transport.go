// Package rpctest provides an in-memory transport and a client/server
// harness for exercising the RPC runtime in tests.
//
// The transport registers on import under the "test" scheme. Every
// listener gets a process-unique authority: Listen("test://calc") then
// Connect("test://calc"). Frames travel length-prefixed over net.Pipe;
// the server side of each link reports the current process credentials
// with the first received message.
package rpctest

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"sync"

	"github.com/twoporeguys/librpc-go/object"
	"github.com/twoporeguys/librpc-go/transport"
)

func init() {
	transport.Register(&pipeTransport{listeners: make(map[string]*pipeListener)})
}

type pipeTransport struct {
	mu        sync.Mutex
	listeners map[string]*pipeListener
}

func (t *pipeTransport) Name() string      { return "pipe" }
func (t *pipeTransport) Schemes() []string { return []string{"test"} }

func (t *pipeTransport) Listen(_ context.Context, uri *url.URL, _ map[string]any) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name := uri.Host
	if _, ok := t.listeners[name]; ok {
		return nil, &object.ErrorValue{
			Code:    object.EEXIST,
			Message: fmt.Sprintf("test listener %q already exists", name),
		}
	}
	l := &pipeListener{
		transport: t,
		name:      name,
		accept:    make(chan net.Conn),
		done:      make(chan struct{}),
	}
	t.listeners[name] = l
	return l, nil
}

func (t *pipeTransport) Connect(ctx context.Context, uri *url.URL, _ map[string]any) (transport.Link, error) {
	t.mu.Lock()
	l := t.listeners[uri.Host]
	t.mu.Unlock()
	if l == nil {
		return nil, &object.ErrorValue{
			Code:    object.ENOENT,
			Message: fmt.Sprintf("no test listener %q", uri.Host),
		}
	}

	client, server := net.Pipe()
	select {
	case l.accept <- server:
		return newPipeLink(client, nil), nil
	case <-l.done:
		client.Close()
		server.Close()
		return nil, &object.ErrorValue{Code: object.ECONNRESET, Message: "listener closed"}
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

func (t *pipeTransport) remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, name)
}

type pipeListener struct {
	transport *pipeTransport
	name      string
	accept    chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (l *pipeListener) Accept() (transport.Link, error) {
	select {
	case conn := <-l.accept:
		creds := &transport.Credentials{UID: os.Getuid(), GID: os.Getgid(), PID: os.Getpid()}
		return newPipeLink(conn, creds), nil
	case <-l.done:
		return nil, io.EOF
	}
}

func (l *pipeListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.transport.remove(l.name)
	})
	return nil
}

func (l *pipeListener) Addr() string { return "test://" + l.name }

// pipeLink frames messages with a 4-byte big-endian length prefix.
type pipeLink struct {
	conn  net.Conn
	creds *transport.Credentials // reported once, on the first Recv

	recvMu sync.Mutex
	sendMu sync.Mutex
}

func newPipeLink(conn net.Conn, creds *transport.Credentials) *pipeLink {
	return &pipeLink{conn: conn, creds: creds}
}

func (p *pipeLink) Send(frame []byte, _ []int) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)
	_, err := p.conn.Write(buf)
	return err
}

func (p *pipeLink) Recv() ([]byte, []int, *transport.Credentials, error) {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	var header [4]byte
	if _, err := io.ReadFull(p.conn, header[:]); err != nil {
		return nil, nil, nil, err
	}
	frame := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(p.conn, frame); err != nil {
		return nil, nil, nil, err
	}
	creds := p.creds
	p.creds = nil
	return frame, nil, creds, nil
}

func (p *pipeLink) Abort() error { return p.conn.Close() }
func (p *pipeLink) Close() error { return p.conn.Close() }
