package rpc

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/twoporeguys/librpc-go/object"
	"github.com/twoporeguys/librpc-go/observability"
	"github.com/twoporeguys/librpc-go/transport"
)

// ServerEventKind is the server connection-lifecycle event.
type ServerEventKind int

const (
	ConnectionArrived ServerEventKind = iota
	ConnectionTerminated
)

// ServerEventHandler observes connection arrival and termination.
type ServerEventHandler func(conn *Connection, kind ServerEventKind)

// Server listens on a URI, accepts connections and routes their inbound
// calls into a Context.
type Server struct {
	id       string
	uri      string
	rctx     *Context
	listener transport.Listener
	logger   Logger
	connOpts []Option

	mu     sync.RWMutex
	cond   *sync.Cond
	conns  []*Connection
	closed bool

	teardown func(*Server) error

	handlerMu    sync.RWMutex
	eventHandler ServerEventHandler

	wg sync.WaitGroup
}

// NewServer creates a server on uri backed by the serving context. The
// URI scheme resolves the transport (ENXIO when nothing claims it);
// a failed listen tears down cleanly. The server publishes itself on
// the context's server list.
func NewServer(ctx context.Context, uri string, rctx *Context, opts ...Option) (*Server, error) {
	u, tr, err := transport.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	listener, err := tr.Listen(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	s := &Server{
		id:       uuid.New().String(),
		uri:      uri,
		rctx:     rctx,
		listener: listener,
		logger:   rctx.logger,
		connOpts: opts,
	}
	s.cond = sync.NewCond(&s.mu)
	rctx.attachServer(s)

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("server_listening", "uri", uri)
	return s, nil
}

// URI returns the listen URI.
func (s *Server) URI() string { return s.uri }

// Context returns the serving context.
func (s *Server) Context() *Context { return s.rctx }

// SetEventHandler replaces the connection-lifecycle handler.
func (s *Server) SetEventHandler(h ServerEventHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.eventHandler = h
}

// SetTeardown installs a hook invoked during Close, before connections
// drain. It is expected to stop anything still producing accepts.
func (s *Server) SetTeardown(fn func(*Server) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown = fn
}

func (s *Server) fireEvent(conn *Connection, kind ServerEventKind) {
	s.handlerMu.RLock()
	h := s.eventHandler
	s.handlerMu.RUnlock()
	if h != nil {
		h(conn, kind)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		link, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = link.Close()
			continue
		}
		s.mu.Unlock()

		conn := newConnection(link, s.rctx, s, s.connOpts...)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.logger.Debug("connection_arrived", "connection_id", conn.ID())
		s.fireEvent(conn, ConnectionArrived)
	}
}

// removeConnection is called by a terminating connection.
func (s *Server) removeConnection(conn *Connection) {
	s.mu.Lock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.logger.Debug("connection_terminated", "connection_id", conn.ID())
	s.fireEvent(conn, ConnectionTerminated)
}

// Connections returns a snapshot of the open connections.
func (s *Server) Connections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, len(s.conns))
	copy(out, s.conns)
	return out
}

// BroadcastEvent sends an event frame to every open connection. A
// failure on one connection does not stop the broadcast; a closed
// server broadcasts nothing. Connections whose peer has announced
// subscriptions only receive matching events.
func (s *Server) BroadcastEvent(path, iface, name string, args *object.Object) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	conns := make([]*Connection, len(s.conns))
	copy(conns, s.conns)
	s.mu.RUnlock()

	key := EventKey{Path: path, Interface: iface, Name: name}
	for _, conn := range conns {
		if !conn.peerSubscribed(key) {
			continue
		}
		if err := conn.EmitEvent(path, iface, name, args); err != nil {
			s.logger.Warn("event_send_failed", "connection_id", conn.ID(), "error", err.Error())
			observability.RecordEvent("failed")
			continue
		}
		observability.RecordEvent("sent")
	}
}

// Close detaches the server from its context, stops accepting, runs
// the teardown hook, aborts every open connection and waits for the
// connection list to drain.
func (s *Server) Close() error {
	if !s.rctx.detachServer(s) {
		return &ServerNotAttachedError{URI: s.uri}
	}

	s.mu.Lock()
	s.closed = true
	teardown := s.teardown
	s.mu.Unlock()

	if teardown != nil {
		if err := teardown(s); err != nil {
			s.logger.Warn("teardown_failed", "error", err.Error())
		}
	}
	_ = s.listener.Close()

	for _, conn := range s.Connections() {
		_ = conn.Close()
	}

	s.mu.Lock()
	for len(s.conns) > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("server_closed", "uri", s.uri)
	return nil
}
