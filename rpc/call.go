package rpc

import (
	"sync"
	"time"

	"github.com/twoporeguys/librpc-go/object"
	"github.com/twoporeguys/librpc-go/observability"
)

// CallStatus is the outbound call state machine.
type CallStatus int

const (
	// CallInProgress: handle created, call frame sent, nothing back yet.
	CallInProgress CallStatus = iota
	// CallMoreAvailable: at least one fragment arrived; the call streams.
	CallMoreAvailable
	// CallDone: response or end arrived. Terminal.
	CallDone
	// CallError: error frame, abort, timeout or transport failure. Terminal.
	CallError
)

func (s CallStatus) String() string {
	switch s {
	case CallInProgress:
		return "in_progress"
	case CallMoreAvailable:
		return "more_available"
	case CallDone:
		return "done"
	case CallError:
		return "error"
	default:
		return "invalid"
	}
}

// Callback observes a call's transitions. It runs on the connection's
// worker goroutine; value is the result, fragment or error object of
// the transition.
type Callback func(call *Call, status CallStatus, value *object.Object)

// Call is the client-side handle of one outbound call.
type Call struct {
	id     uint64
	method string
	conn   *Connection

	mu        sync.Mutex
	cond      *sync.Cond
	status    CallStatus
	result    *object.Object   // single result
	errObj    *object.Object   // terminal error object
	fragments []*object.Object // undelivered stream values
	ended     bool             // end received; drain fragments then done
	seqno     uint64
	callback  Callback
	cbFired   bool // terminal callback delivered
	timer     *time.Timer
	started   time.Time
}

func newCall(conn *Connection, id uint64, method string, cb Callback) *Call {
	c := &Call{
		id:      id,
		method:  method,
		conn:    conn,
		status:  CallInProgress,
		started: time.Now(),
	}
	c.cond = sync.NewCond(&c.mu)
	c.callback = cb
	return c
}

// ID returns the per-connection call id.
func (c *Call) ID() uint64 { return c.id }

// Method returns the invoked method name.
func (c *Call) Method() string { return c.method }

// Status returns the current state.
func (c *Call) Status() CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Wait blocks until the call leaves in_progress and returns the state
// it settled in (more_available counts as settled: the stream began).
func (c *Call) Wait() CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.status == CallInProgress {
		c.cond.Wait()
	}
	return c.status
}

// ResultValue returns the call's single result after Wait. Streaming
// calls and unfinished calls have no single result.
func (c *Call) ResultValue() (*object.Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case CallDone:
		return c.result, nil
	case CallError:
		return nil, c.errObj.Err()
	default:
		return nil, rpcError(object.EBUSY, "call %d has not finished", c.id)
	}
}

// Next advances a streaming call: it returns the next fragment value,
// sending `continue` to the producer after each consumed fragment.
// ok is false when the stream terminated; err is non-nil when it
// terminated with an error.
func (c *Call) Next() (value *object.Object, ok bool, err error) {
	c.mu.Lock()
	for {
		if len(c.fragments) > 0 {
			value = c.fragments[0]
			c.fragments = c.fragments[1:]
			c.mu.Unlock()
			// Request the next fragment; the producer blocks until
			// this arrives.
			c.conn.sendFrame(&frame{kind: frameContinue, id: c.id})
			return value, true, nil
		}
		if c.status == CallError {
			err = c.errObj.Err()
			c.mu.Unlock()
			return nil, false, err
		}
		if c.ended || c.status == CallDone {
			c.mu.Unlock()
			return nil, false, nil
		}
		c.cond.Wait()
	}
}

// Abort cancels the call: the state becomes error(ECANCELED), the
// callback fires once, and an abort frame tells the peer to unwind.
func (c *Call) Abort() {
	c.conn.sendFrame(&frame{kind: frameAbort, id: c.id})
	c.fail(object.NewError(object.ECANCELED, "call aborted", nil))
}

// SetTimeout arms a timeout: expiry transitions the call to
// error(ETIMEDOUT) and aborts the server-side producer.
func (c *Call) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, func() {
		c.conn.sendFrame(&frame{kind: frameAbort, id: c.id})
		c.fail(object.NewError(object.ETIMEDOUT, "call timed out", nil))
	})
}

// =============================================================================
// FRAME-DRIVEN TRANSITIONS
// =============================================================================

// terminal frames after a terminal state are dropped with a debug log.
func (c *Call) isTerminal() bool {
	return c.status == CallDone || c.status == CallError
}

func (c *Call) handleResponse(result *object.Object) {
	c.mu.Lock()
	if c.isTerminal() {
		c.mu.Unlock()
		c.conn.logger.Debug("stale_response_dropped", "call_id", c.id)
		result.Release()
		return
	}
	c.stopTimer()
	c.status = CallDone
	c.result = result
	c.cond.Broadcast()
	c.mu.Unlock()
	c.finish("done", CallDone, result)
}

func (c *Call) handleFragment(seqno uint64, value *object.Object) {
	c.mu.Lock()
	if c.isTerminal() {
		c.mu.Unlock()
		c.conn.logger.Debug("stale_fragment_dropped", "call_id", c.id, "seqno", seqno)
		value.Release()
		return
	}
	c.status = CallMoreAvailable
	c.seqno = seqno
	c.fragments = append(c.fragments, value)
	c.cond.Broadcast()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		c.conn.enqueueWork(func() { cb(c, CallMoreAvailable, value) })
	}
}

func (c *Call) handleEnd(seqno uint64) {
	c.mu.Lock()
	if c.isTerminal() {
		c.mu.Unlock()
		c.conn.logger.Debug("stale_end_dropped", "call_id", c.id)
		return
	}
	c.stopTimer()
	c.ended = true
	c.status = CallDone
	c.seqno = seqno
	c.cond.Broadcast()
	c.mu.Unlock()
	c.finish("done", CallDone, nil)
}

// fail drives the call into the error state with the given error
// object. Used for error frames, aborts, timeouts and transport loss.
func (c *Call) fail(errObj *object.Object) {
	c.mu.Lock()
	if c.isTerminal() {
		c.mu.Unlock()
		errObj.Release()
		return
	}
	c.stopTimer()
	c.status = CallError
	c.errObj = errObj
	c.cond.Broadcast()
	c.mu.Unlock()
	c.finish("error", CallError, errObj)
}

func (c *Call) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// finish records metrics, drops the call from the outstanding map and
// fires the terminal callback exactly once.
func (c *Call) finish(metric string, status CallStatus, value *object.Object) {
	observability.RecordCall(c.method, metric, time.Since(c.started).Seconds())
	c.conn.forgetCall(c.id)
	c.mu.Lock()
	cb := c.callback
	fired := c.cbFired
	c.cbFired = true
	c.mu.Unlock()
	if cb != nil && !fired {
		c.conn.enqueueWork(func() { cb(c, status, value) })
	}
}
