package rpc

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/twoporeguys/librpc-go/config"
	"github.com/twoporeguys/librpc-go/object"
	"github.com/twoporeguys/librpc-go/observability"
	"github.com/twoporeguys/librpc-go/typing"
)

// MethodFunc implements one RPC method. The context is cancelled when
// the call is aborted; call carries arguments and the streaming API.
// Return a result object (ownership transfers to the engine) or an
// error; a streaming implementation yields fragments and returns nil.
type MethodFunc func(ctx context.Context, call *InboundCall) (*object.Object, error)

// MethodDescriptor is one registered method.
type MethodDescriptor struct {
	Name        string
	Description string
	Fn          MethodFunc
	Arg         any // opaque registration cookie, stored with the descriptor; the engine does not pass it to the implementation
}

// Instance is a node of the instance tree, addressable by path.
type Instance struct {
	Path string

	mu      sync.RWMutex
	methods map[string]*MethodDescriptor
}

// RegisterFunc registers a method on the instance, overwriting any
// existing entry with the same name.
func (i *Instance) RegisterFunc(name, description string, fn MethodFunc, arg any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.methods[name] = &MethodDescriptor{Name: name, Description: description, Fn: fn, Arg: arg}
}

func (i *Instance) lookup(name string) *MethodDescriptor {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.methods[name]
}

// Context is the serving side registry: methods, the instance tree, the
// dispatch worker pool and attached servers. An optional typing context
// enables pre- and post-call validation.
type Context struct {
	cfg    *config.RuntimeConfig
	logger Logger
	typing *typing.Context

	mu        sync.RWMutex
	methods   map[string]*MethodDescriptor
	instances map[string]*Instance
	servers   []*Server
	closed    bool

	queue chan *InboundCall
	quit  chan struct{}
	wg    sync.WaitGroup
}

// ContextOption configures a Context at creation time.
type ContextOption func(*Context)

// WithContextLogger sets the context logger.
func WithContextLogger(l Logger) ContextOption {
	return func(c *Context) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTyping attaches a typing context; inbound calls are then
// validated against the IDL before and after execution.
func WithTyping(t *typing.Context) ContextOption {
	return func(c *Context) { c.typing = t }
}

// WithRuntimeConfig overrides the process-wide configuration.
func WithRuntimeConfig(cfg *config.RuntimeConfig) ContextOption {
	return func(c *Context) {
		if cfg != nil {
			c.cfg = cfg
		}
	}
}

// NewContext creates a serving context and starts its worker pool.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		cfg:       config.Get(),
		logger:    DefaultLogger(),
		methods:   make(map[string]*MethodDescriptor),
		instances: make(map[string]*Instance),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = make(chan *InboundCall, c.cfg.DispatchQueueDepth)
	for i := 0; i < c.cfg.WorkerPoolSize; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	registerBuiltinMethods(c)
	return c
}

// Typing returns the attached typing context, nil when validation is
// disabled.
func (c *Context) Typing() *typing.Context { return c.typing }

// RegisterFunc registers a global method under its fully-qualified
// name ("interface.method"), overwriting any existing entry.
func (c *Context) RegisterFunc(name, description string, fn MethodFunc, arg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods[name] = &MethodDescriptor{Name: name, Description: description, Fn: fn, Arg: arg}
	c.logger.Debug("method_registered", "method", name)
}

// UnregisterMethod removes a global method.
func (c *Context) UnregisterMethod(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.methods[name]; !ok {
		return &MethodNotRegisteredError{Name: name}
	}
	delete(c.methods, name)
	c.logger.Debug("method_unregistered", "method", name)
	return nil
}

// RegisterInstance creates (or returns) the instance at path.
func (c *Context) RegisterInstance(path string) *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances[path]; ok {
		return inst
	}
	inst := &Instance{Path: path, methods: make(map[string]*MethodDescriptor)}
	c.instances[path] = inst
	return inst
}

// lookupMethod resolves a call target: the addressed instance first,
// then the global table.
func (c *Context) lookupMethod(path, fullName string) *MethodDescriptor {
	c.mu.RLock()
	inst := c.instances[path]
	global := c.methods[fullName]
	c.mu.RUnlock()
	if inst != nil {
		if md := inst.lookup(fullName); md != nil {
			return md
		}
	}
	return global
}

// attachServer publishes a server on the context.
func (c *Context) attachServer(s *Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers = append(c.servers, s)
}

// detachServer removes a server; false when it was not attached.
func (c *Context) detachServer(s *Server) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, srv := range c.servers {
		if srv == s {
			c.servers = append(c.servers[:i], c.servers[i+1:]...)
			return true
		}
	}
	return false
}

// Servers returns the attached servers.
func (c *Context) Servers() []*Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Server, len(c.servers))
	copy(out, c.servers)
	return out
}

// BroadcastEvent emits an event on every attached server.
func (c *Context) BroadcastEvent(path, iface, name string, args *object.Object) {
	for _, s := range c.Servers() {
		s.BroadcastEvent(path, iface, name, args)
	}
}

// Shutdown stops the worker pool and closes every attached server.
func (c *Context) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	for _, s := range c.Servers() {
		_ = s.Close()
	}
	close(c.quit)
	c.wg.Wait()
}

// =============================================================================
// DISPATCH
// =============================================================================

// dispatch enqueues an inbound call on the worker pool.
func (c *Context) dispatch(ic *InboundCall) {
	observability.QueueDepth(1)
	select {
	case c.queue <- ic:
	case <-c.quit:
		observability.QueueDepth(-1)
		ic.fail(object.ECONNRESET, "service shutting down", nil)
		ic.conn.forgetInbound(ic.id)
	}
}

func (c *Context) worker() {
	defer c.wg.Done()
	for {
		select {
		case ic := <-c.queue:
			observability.QueueDepth(-1)
			c.runMethod(ic)
		case <-c.quit:
			return
		}
	}
}

func (c *Context) runMethod(ic *InboundCall) {
	started := time.Now()
	full := ic.FullName()
	defer ic.conn.forgetInbound(ic.id)

	ctx, span := observability.StartDispatchSpan(context.Background(), full)
	defer span.End()

	md := c.lookupMethod(ic.Path(), full)
	if md == nil {
		c.logger.Debug("method_not_found", "method", full)
		ic.fail(object.ENOENT, "Method "+full+" not found", nil)
		observability.RecordDispatch(full, "not_found", time.Since(started).Seconds())
		return
	}

	// Pre-call hooks: strip typed-serialization sentinels, then check
	// the arguments against the IDL. A failed check never reaches the
	// implementation.
	var member *typing.IfMember
	if c.typing != nil {
		if iface := c.typing.FindInterface(ic.Interface()); iface != nil {
			member = iface.Method(ic.MethodName())
		}
		decoded, err := c.typing.Deserialize(ic.args)
		if err != nil {
			ic.fail(object.EINVAL, "Malformed arguments", nil)
			observability.RecordDispatch(full, "invalid", time.Since(started).Seconds())
			return
		}
		ic.args.Release()
		ic.args = decoded
	}
	if member != nil {
		if errs := c.validateArgs(member, ic.args); len(errs) > 0 {
			extra := typing.ErrorsToObject(errs)
			ic.fail(object.EINVAL, "Validation failed", extra)
			extra.Release()
			observability.RecordDispatch(full, "invalid", time.Since(started).Seconds())
			return
		}
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ic.setAbortHook(cancel)

	result, err := md.Fn(callCtx, ic)
	switch {
	case err != nil:
		if ev, ok := err.(*object.ErrorValue); ok {
			ic.fail(ev.Code, ev.Message, ev.Extra)
		} else {
			ic.fail(object.EFAULT, err.Error(), nil)
		}
		observability.RecordDispatch(full, "error", time.Since(started).Seconds())

	case ic.didStream():
		if result != nil {
			result.Release()
		}
		ic.end()
		observability.RecordDispatch(full, "ok", time.Since(started).Seconds())

	default:
		if result == nil {
			result = object.NewNull()
		}
		// Post-call hook: the declared return type gates the result.
		if member != nil && member.Result != nil {
			if errs := c.typing.Validate(member.Result, result); len(errs) > 0 {
				c.logger.Error("result_validation_failed", "method", full)
				extra := typing.ErrorsToObject(errs)
				ic.fail(object.EFAULT, "Invalid method result", extra)
				extra.Release()
				result.Release()
				observability.RecordDispatch(full, "error", time.Since(started).Seconds())
				return
			}
		}
		wire := result
		if c.typing != nil {
			encoded, err := c.typing.Serialize(result)
			if err == nil {
				wire = encoded
				result.Release()
			}
		}
		ic.respond(wire)
		wire.Release()
		observability.RecordDispatch(full, "ok", time.Since(started).Seconds())
	}
}

// validateArgs checks arity and per-argument types; error paths anchor
// on the argument index (".0", ".1", …).
func (c *Context) validateArgs(member *typing.IfMember, args *object.Object) []typing.ValidationError {
	var errs []typing.ValidationError
	if args.Len() != len(member.Arguments) {
		errs = append(errs, typing.ValidationError{
			Path:    "",
			Message: "Expected " + strconv.Itoa(len(member.Arguments)) + " arguments, got " + strconv.Itoa(args.Len()),
		})
		return errs
	}
	args.ApplyArray(func(idx int, v *object.Object) bool {
		decl := member.Arguments[idx].Type
		for _, e := range c.typing.Validate(decl, v) {
			errs = append(errs, typing.ValidationError{
				Path:    "." + strconv.Itoa(idx) + e.Path,
				Message: e.Message,
			})
		}
		return true
	})
	return errs
}

// registerBuiltinMethods installs the runtime's built-in surface.
func registerBuiltinMethods(c *Context) {
	c.RegisterFunc("Builtin.ping", "Liveness probe; returns null.",
		func(ctx context.Context, call *InboundCall) (*object.Object, error) {
			return object.NewNull(), nil
		}, nil)

	c.RegisterFunc(TypingInterface+".download",
		"Stream the bodies of all loaded IDL files.",
		func(ctx context.Context, call *InboundCall) (*object.Object, error) {
			t := c.Typing()
			if t == nil {
				return nil, rpcError(object.ENOTSUP, "no typing context attached")
			}
			for _, file := range t.Files() {
				body := object.NewString(string(file.Body))
				err := call.Yield(body)
				body.Release()
				if err != nil {
					return nil, nil
				}
			}
			return nil, nil
		}, nil)
}

// TypingInterface is the built-in typing discovery interface.
const TypingInterface = "com.twoporeguys.librpc.Typing"
