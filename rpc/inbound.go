package rpc

import (
	"sync"

	"github.com/twoporeguys/librpc-go/object"
	"github.com/twoporeguys/librpc-go/observability"
	"github.com/twoporeguys/librpc-go/transport"
)

// InboundCall is the server-side handle of one call in flight. Method
// implementations receive it to read arguments, stream fragments and
// observe cancellation.
type InboundCall struct {
	id   uint64
	conn *Connection

	path       string
	ifaceName  string
	methodName string

	args *object.Object

	mu          sync.Mutex
	cond        *sync.Cond
	producerSeq uint64
	consumerSeq uint64
	streaming   bool
	responded   bool
	ended       bool
	aborted     bool
	abortHook   func()
}

func newInboundCall(conn *Connection, f *frame) *InboundCall {
	ic := &InboundCall{
		id:         f.id,
		conn:       conn,
		path:       f.path,
		ifaceName:  f.iface,
		methodName: f.method,
	}
	ic.cond = sync.NewCond(&ic.mu)
	if f.args != nil {
		ic.args = f.args.Retain()
	} else {
		ic.args = object.NewArray()
	}
	return ic
}

// ID returns the call id assigned by the peer.
func (ic *InboundCall) ID() uint64 { return ic.id }

// Path returns the addressed instance path.
func (ic *InboundCall) Path() string { return ic.path }

// Interface returns the addressed interface name.
func (ic *InboundCall) Interface() string { return ic.ifaceName }

// MethodName returns the invoked method's local name.
func (ic *InboundCall) MethodName() string { return ic.methodName }

// FullName returns "interface.method".
func (ic *InboundCall) FullName() string {
	if ic.ifaceName == "" {
		return ic.methodName
	}
	return ic.ifaceName + "." + ic.methodName
}

// Args returns the argument array.
func (ic *InboundCall) Args() *object.Object { return ic.args }

// Credentials returns the peer credentials, nil when the transport
// supplies none.
func (ic *InboundCall) Credentials() *transport.Credentials {
	return ic.conn.Credentials()
}

// Aborted reports whether the peer cancelled the call.
func (ic *InboundCall) Aborted() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.aborted
}

// Yield sends one streaming fragment and blocks until the consumer
// requests the next one (a matching continue) or the call is aborted.
// A non-nil error tells the producer to stop.
func (ic *InboundCall) Yield(value *object.Object) error {
	ic.mu.Lock()
	if ic.aborted {
		ic.mu.Unlock()
		return errCanceled()
	}
	if ic.ended || ic.responded {
		ic.mu.Unlock()
		return rpcError(object.EINVAL, "yield after call %d completed", ic.id)
	}
	ic.streaming = true
	ic.producerSeq++
	seq := ic.producerSeq
	ic.mu.Unlock()

	if err := ic.conn.sendFrame(&frame{
		kind:  frameFragment,
		id:    ic.id,
		seqno: seq,
		args:  value,
	}); err != nil {
		return err
	}
	observability.RecordFragment()

	ic.mu.Lock()
	defer ic.mu.Unlock()
	for ic.consumerSeq < ic.producerSeq && !ic.aborted {
		ic.cond.Wait()
	}
	if ic.aborted {
		return errCanceled()
	}
	return nil
}

// respond sends the single-result closing frame. The second response to
// a call is dropped and debug-logged.
func (ic *InboundCall) respond(result *object.Object) {
	ic.mu.Lock()
	if ic.terminalLocked() {
		ic.mu.Unlock()
		ic.conn.logger.Debug("duplicate_response_dropped", "call_id", ic.id)
		return
	}
	ic.responded = true
	ic.mu.Unlock()
	ic.conn.sendFrame(&frame{kind: frameResponse, id: ic.id, args: result})
}

// end sends the end-of-stream closing frame.
func (ic *InboundCall) end() {
	ic.mu.Lock()
	if ic.terminalLocked() {
		ic.mu.Unlock()
		ic.conn.logger.Debug("duplicate_end_dropped", "call_id", ic.id)
		return
	}
	ic.ended = true
	seq := ic.producerSeq
	ic.mu.Unlock()
	ic.conn.sendFrame(&frame{kind: frameEnd, id: ic.id, seqno: seq})
}

// fail sends the error closing frame.
func (ic *InboundCall) fail(code int, message string, extra *object.Object) {
	ic.mu.Lock()
	if ic.terminalLocked() {
		ic.mu.Unlock()
		ic.conn.logger.Debug("duplicate_error_dropped", "call_id", ic.id)
		return
	}
	ic.responded = true
	ic.mu.Unlock()
	ic.conn.sendFrame(&frame{kind: frameError, id: ic.id, code: code, message: message, extra: extra})
}

func (ic *InboundCall) terminalLocked() bool {
	return ic.responded || ic.ended || ic.aborted
}

// handleContinue acknowledges one consumed fragment, waking the
// producer. Continues after end or error are ignored.
func (ic *InboundCall) handleContinue() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.ended || ic.responded {
		return
	}
	ic.consumerSeq++
	ic.cond.Broadcast()
}

// handleAbort marks the call aborted and wakes a blocked producer.
func (ic *InboundCall) handleAbort() {
	ic.mu.Lock()
	hook := ic.abortHook
	ic.aborted = true
	ic.cond.Broadcast()
	ic.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// setAbortHook installs a callback fired on abort; used to cancel the
// method's context.
func (ic *InboundCall) setAbortHook(fn func()) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.abortHook = fn
	if ic.aborted && fn != nil {
		fn()
	}
}

// didStream reports whether the implementation yielded fragments.
func (ic *InboundCall) didStream() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.streaming
}

// release drops the call's argument reference.
func (ic *InboundCall) release() {
	if ic.args != nil {
		ic.args.Release()
		ic.args = nil
	}
}
