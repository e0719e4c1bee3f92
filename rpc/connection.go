package rpc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/twoporeguys/librpc-go/config"
	"github.com/twoporeguys/librpc-go/object"
	"github.com/twoporeguys/librpc-go/observability"
	"github.com/twoporeguys/librpc-go/serializer"
	"github.com/twoporeguys/librpc-go/transport"
)

// EventKey addresses one event: instance path, interface, event name.
type EventKey struct {
	Path      string
	Interface string
	Name      string
}

// EventHandler receives a subscribed event's payload on the
// connection's worker goroutine.
type EventHandler func(args *object.Object)

type subscriberEntry struct {
	id      uint64
	handler EventHandler
}

// Connection is one peer link: it tracks outstanding outbound calls,
// inbound calls being served, event subscriptions and the framing codec.
type Connection struct {
	id     string
	uri    string
	link   transport.Link
	codec  serializer.Codec
	logger Logger
	rctx   *Context // serving context; nil for pure clients
	server *Server  // owning server; nil on the client side

	seq uint64 // call id counter; ids are never reused

	mu          sync.Mutex
	outstanding map[uint64]*Call
	inbound     map[uint64]*InboundCall
	creds       *transport.Credentials
	closed      bool

	sendMu sync.Mutex

	subsMu    sync.RWMutex
	subs      map[EventKey][]subscriberEntry
	nextSubID uint64
	peerSubs  map[EventKey]bool

	work chan func()
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// Option configures a connection at creation time.
type Option func(*Connection)

// WithLogger sets the connection logger.
func WithLogger(l Logger) Option {
	return func(c *Connection) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCodec selects the wire codec by serializer name.
func WithCodec(name string) Option {
	return func(c *Connection) {
		if codec, err := serializer.Lookup(name); err == nil {
			c.codec = codec
		}
	}
}

// WithServingContext lets a client-side connection serve inbound calls.
func WithServingContext(rctx *Context) Option {
	return func(c *Connection) { c.rctx = rctx }
}

// Connect establishes a client connection to uri. The scheme selects
// the transport; unknown schemes fail with ENXIO.
func Connect(ctx context.Context, uri string, opts ...Option) (*Connection, error) {
	u, tr, err := transport.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	link, err := tr.Connect(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	conn := newConnection(link, nil, nil, opts...)
	conn.uri = uri
	return conn, nil
}

func newConnection(link transport.Link, rctx *Context, server *Server, opts ...Option) *Connection {
	cfg := config.Get()
	codec, err := serializer.Lookup(cfg.SerializerName)
	if err != nil {
		// msgpack registers on import; a missing default is a build bug
		panic(err)
	}
	c := &Connection{
		id:          uuid.New().String(),
		link:        link,
		codec:       codec,
		logger:      DefaultLogger(),
		rctx:        rctx,
		server:      server,
		outstanding: make(map[uint64]*Call),
		inbound:     make(map[uint64]*InboundCall),
		subs:        make(map[EventKey][]subscriberEntry),
		peerSubs:    make(map[EventKey]bool),
		work:        make(chan func(), cfg.EventQueueDepth),
	}
	for _, opt := range opts {
		opt(c)
	}
	observability.ConnectionOpened()

	c.wg.Add(2)
	go c.recvLoop()
	go c.workLoop()
	return c
}

// ID returns the connection's process-unique identity.
func (c *Connection) ID() string { return c.id }

// Credentials returns the peer credentials once the transport supplied
// them, nil before the first inbound message or when unsupported.
func (c *Connection) Credentials() *transport.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// Closed reports whether the connection has terminated.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// =============================================================================
// OUTBOUND CALLS
// =============================================================================

// splitMethod separates "com.example.Calc.add" into interface and
// method ("com.example.Calc", "add").
func splitMethod(name string) (iface, method string) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return "", name
	}
	return name[:idx], name[idx+1:]
}

func (c *Connection) startCall(method string, args []*object.Object, cb Callback) (*Call, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errConnectionClosed()
	}
	id := atomic.AddUint64(&c.seq, 1)
	call := newCall(c, id, method, cb)
	c.outstanding[id] = call
	c.mu.Unlock()

	iface, local := splitMethod(method)
	argArr := object.NewArray()
	for _, a := range args {
		argArr.Append(a)
	}
	err := c.sendFrame(&frame{
		kind:   frameCall,
		id:     id,
		iface:  iface,
		method: local,
		args:   argArr,
	})
	argArr.Release()
	if err != nil {
		c.forgetCall(id)
		return nil, err
	}
	c.logger.Debug("call_sent", "call_id", id, "method", method)
	return call, nil
}

// Call issues a call without waiting.
func (c *Connection) Call(method string, args ...*object.Object) (*Call, error) {
	return c.startCall(method, args, nil)
}

// CallSync issues a call and blocks until it leaves in_progress. The
// returned handle is done, errored, or streaming (iterate with Next).
func (c *Connection) CallSync(method string, args ...*object.Object) (*Call, error) {
	call, err := c.startCall(method, args, nil)
	if err != nil {
		return nil, err
	}
	call.Wait()
	return call, nil
}

// CallSyncTimeout is CallSync with a deadline. Expiry resolves the call
// with error(ETIMEDOUT) and aborts the server-side producer.
func (c *Connection) CallSyncTimeout(timeout time.Duration, method string, args ...*object.Object) (*Call, error) {
	call, err := c.startCall(method, args, nil)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		call.SetTimeout(timeout)
	}
	call.Wait()
	return call, nil
}

// CallAsync issues a call whose transitions are delivered to cb on the
// connection's worker goroutine.
func (c *Connection) CallAsync(method string, args []*object.Object, cb Callback) (*Call, error) {
	return c.startCall(method, args, cb)
}

func (c *Connection) lookupCall(id uint64) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding[id]
}

func (c *Connection) forgetCall(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outstanding, id)
}

func (c *Connection) lookupInbound(id uint64) *InboundCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbound[id]
}

func (c *Connection) forgetInbound(id uint64) {
	c.mu.Lock()
	ic := c.inbound[id]
	delete(c.inbound, id)
	c.mu.Unlock()
	if ic != nil {
		ic.release()
	}
}

// =============================================================================
// EVENTS
// =============================================================================

// Subscribe registers a handler for (path, interface, name) and tells
// the peer. The returned closure unsubscribes; it is idempotent.
func (c *Connection) Subscribe(path, iface, name string, handler EventHandler) func() {
	key := EventKey{Path: path, Interface: iface, Name: name}

	c.subsMu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	first := len(c.subs[key]) == 0
	c.subs[key] = append(c.subs[key], subscriberEntry{id: subID, handler: handler})
	c.subsMu.Unlock()

	if first {
		c.sendFrame(&frame{kind: frameSubscribe, path: path, iface: iface, name: name})
	}

	return func() {
		c.subsMu.Lock()
		entries := c.subs[key]
		for i, entry := range entries {
			if entry.id == subID {
				c.subs[key] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		last := len(c.subs[key]) == 0
		if last {
			delete(c.subs, key)
		}
		c.subsMu.Unlock()
		if last {
			c.sendFrame(&frame{kind: frameUnsubscribe, path: path, iface: iface, name: name})
		}
	}
}

// EmitEvent sends a one-way event frame to the peer.
func (c *Connection) EmitEvent(path, iface, name string, args *object.Object) error {
	return c.sendFrame(&frame{kind: frameEvent, path: path, iface: iface, name: name, args: args})
}

// Subscriptions returns the locally subscribed event keys.
func (c *Connection) Subscriptions() []EventKey {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	keys := make([]EventKey, 0, len(c.subs))
	for key := range c.subs {
		keys = append(keys, key)
	}
	return keys
}

// PeerSubscriptions returns the event keys the peer announced interest
// in via subscribe frames.
func (c *Connection) PeerSubscriptions() []EventKey {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	keys := make([]EventKey, 0, len(c.peerSubs))
	for key := range c.peerSubs {
		keys = append(keys, key)
	}
	return keys
}

// peerSubscribed reports whether the peer asked for the event, or has
// never subscribed to anything (in which case everything is forwarded).
func (c *Connection) peerSubscribed(key EventKey) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	if len(c.peerSubs) == 0 {
		return true
	}
	return c.peerSubs[key]
}

// =============================================================================
// FRAMING
// =============================================================================

// sendFrame borrows the frame's payload objects; callers keep ownership.
func (c *Connection) sendFrame(f *frame) error {
	data, err := encodeFrame(c.codec, f)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.Closed() {
		return errConnectionClosed()
	}
	if err := c.link.Send(data, nil); err != nil {
		return rpcError(object.ECONNRESET, "send failed: %v", err)
	}
	return nil
}

func (c *Connection) recvLoop() {
	defer c.wg.Done()
	for {
		data, _, creds, err := c.link.Recv()
		if err != nil {
			c.terminate()
			return
		}
		if creds != nil {
			c.mu.Lock()
			if c.creds == nil {
				c.creds = creds
			}
			c.mu.Unlock()
		}
		f, err := decodeFrame(c.codec, data)
		if err != nil {
			c.logger.Warn("frame_decode_failed", "error", err.Error())
			continue
		}
		c.handleFrame(f)
		f.release()
	}
}

func (c *Connection) handleFrame(f *frame) {
	switch f.kind {
	case frameCall:
		ic := newInboundCall(c, f)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ic.release()
			return
		}
		c.inbound[f.id] = ic
		c.mu.Unlock()
		if c.rctx == nil {
			ic.fail(object.ENOENT, "no service context", nil)
			c.forgetInbound(f.id)
			return
		}
		c.rctx.dispatch(ic)

	case frameResponse:
		call := c.lookupCall(f.id)
		if call == nil {
			c.logger.Debug("response_for_unknown_call", "call_id", f.id)
			return
		}
		result := f.args
		if result == nil {
			result = object.NewNull()
		} else {
			result.Retain()
		}
		call.handleResponse(result)

	case frameFragment:
		call := c.lookupCall(f.id)
		if call == nil {
			c.logger.Debug("fragment_for_unknown_call", "call_id", f.id)
			return
		}
		value := f.args
		if value == nil {
			value = object.NewNull()
		} else {
			value.Retain()
		}
		call.handleFragment(f.seqno, value)

	case frameEnd:
		if call := c.lookupCall(f.id); call != nil {
			call.handleEnd(f.seqno)
		}

	case frameError:
		if call := c.lookupCall(f.id); call != nil {
			call.fail(f.errorObject())
			return
		}
		if ic := c.lookupInbound(f.id); ic != nil {
			ic.handleAbort()
		}

	case frameContinue:
		if ic := c.lookupInbound(f.id); ic != nil {
			ic.handleContinue()
		}

	case frameAbort:
		// Either direction; unknown ids are ignored.
		if ic := c.lookupInbound(f.id); ic != nil {
			ic.handleAbort()
			return
		}
		if call := c.lookupCall(f.id); call != nil {
			call.fail(object.NewError(object.ECANCELED, "aborted by peer", nil))
		}

	case frameEvent:
		c.deliverEvent(f)

	case frameSubscribe:
		key := EventKey{Path: f.path, Interface: f.iface, Name: f.name}
		c.subsMu.Lock()
		c.peerSubs[key] = true
		c.subsMu.Unlock()

	case frameUnsubscribe:
		key := EventKey{Path: f.path, Interface: f.iface, Name: f.name}
		c.subsMu.Lock()
		delete(c.peerSubs, key)
		c.subsMu.Unlock()
	}
}

// deliverEvent fans a received event out to matching local handlers in
// arrival order on the worker goroutine.
func (c *Connection) deliverEvent(f *frame) {
	key := EventKey{Path: f.path, Interface: f.iface, Name: f.name}
	c.subsMu.RLock()
	entries := c.subs[key]
	handlers := make([]EventHandler, len(entries))
	for i, e := range entries {
		handlers[i] = e.handler
	}
	c.subsMu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	args := f.args
	if args == nil {
		args = object.NewNull()
	} else {
		args.Retain()
	}
	if !c.enqueueWork(func() {
		for _, h := range handlers {
			h(args)
		}
		args.Release()
	}) {
		args.Release()
	}
}

// enqueueWork schedules fn on the connection worker. Work is dropped
// when the queue is full or the connection is closed. The mutex spans
// the send so terminate cannot close the channel mid-enqueue.
func (c *Connection) enqueueWork(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.work <- fn:
		return true
	default:
		c.logger.Warn("work_queue_full")
		observability.RecordEvent("dropped")
		return false
	}
}

func (c *Connection) workLoop() {
	defer c.wg.Done()
	for fn := range c.work {
		fn()
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Close terminates the connection: outstanding outbound calls resolve
// with error(ECONNRESET), inbound calls observe abort, event queues
// drain and the link closes.
func (c *Connection) Close() error {
	c.terminate()
	return nil
}

func (c *Connection) terminate() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		calls := make([]*Call, 0, len(c.outstanding))
		for _, call := range c.outstanding {
			calls = append(calls, call)
		}
		inbound := make([]*InboundCall, 0, len(c.inbound))
		for _, ic := range c.inbound {
			inbound = append(inbound, ic)
		}
		c.mu.Unlock()

		for _, call := range calls {
			call.fail(object.NewError(object.ECONNRESET, "connection closed", nil))
		}
		for _, ic := range inbound {
			ic.handleAbort()
		}

		_ = c.link.Abort()
		_ = c.link.Close()
		close(c.work)
		observability.ConnectionClosed()
		c.logger.Debug("connection_terminated", "connection_id", c.id)

		if c.server != nil {
			c.server.removeConnection(c)
		}
	})
}
