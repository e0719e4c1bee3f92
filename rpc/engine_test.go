package rpc_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twoporeguys/librpc-go/object"
	"github.com/twoporeguys/librpc-go/rpc"
	"github.com/twoporeguys/librpc-go/rpctest"
	"github.com/twoporeguys/librpc-go/typing"
)

const calculatorIDL = `
meta:
  version: 1
  namespace: com.example

interface Calculator:
  method add:
    args:
      - name: a
        type: int64
      - name: b
        type: int64
    return: int64
`

func newServingContext(t *testing.T, opts ...rpc.ContextOption) *rpc.Context {
	t.Helper()
	opts = append(opts, rpc.WithContextLogger(rpc.NoopLogger()))
	rctx := rpc.NewContext(opts...)
	t.Cleanup(rctx.Shutdown)
	return rctx
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}

// =============================================================================
// BASIC CALLS
// =============================================================================

func TestPing(t *testing.T) {
	rctx := newServingContext(t)
	_, conn := rpctest.ServePair(t, rctx)

	call, err := conn.CallSync("Builtin.ping")
	require.NoError(t, err)
	assert.Equal(t, rpc.CallDone, call.Status())

	result, err := call.ResultValue()
	require.NoError(t, err)
	assert.True(t, result.IsNull())
}

func TestMethodNotFound(t *testing.T) {
	rctx := newServingContext(t)
	_, conn := rpctest.ServePair(t, rctx)

	call, err := conn.CallSync("No.such")
	require.NoError(t, err)
	require.Equal(t, rpc.CallError, call.Status())

	_, err = call.ResultValue()
	var ev *object.ErrorValue
	require.ErrorAs(t, err, &ev)
	assert.Equal(t, object.ENOENT, ev.Code)
}

func TestRegisterOverwritesAndUnregister(t *testing.T) {
	rctx := newServingContext(t)
	_, conn := rpctest.ServePair(t, rctx)

	rctx.RegisterFunc("Demo.answer", "",
		func(ctx context.Context, call *rpc.InboundCall) (*object.Object, error) {
			return object.NewInt64(1), nil
		}, nil)
	rctx.RegisterFunc("Demo.answer", "",
		func(ctx context.Context, call *rpc.InboundCall) (*object.Object, error) {
			return object.NewInt64(2), nil
		}, nil)

	call, err := conn.CallSync("Demo.answer")
	require.NoError(t, err)
	result, err := call.ResultValue()
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Int64())

	require.NoError(t, rctx.UnregisterMethod("Demo.answer"))
	var missing *rpc.MethodNotRegisteredError
	require.ErrorAs(t, rctx.UnregisterMethod("Demo.answer"), &missing)
}

func TestCallIDsAreMonotonic(t *testing.T) {
	rctx := newServingContext(t)
	_, conn := rpctest.ServePair(t, rctx)

	var last uint64
	for i := 0; i < 5; i++ {
		call, err := conn.CallSync("Builtin.ping")
		require.NoError(t, err)
		assert.Greater(t, call.ID(), last)
		last = call.ID()
	}
}

func TestPeerCredentials(t *testing.T) {
	rctx := newServingContext(t)
	credCh := make(chan bool, 1)
	rctx.RegisterFunc("Demo.who", "",
		func(ctx context.Context, call *rpc.InboundCall) (*object.Object, error) {
			credCh <- call.Credentials() != nil
			return nil, nil
		}, nil)

	_, conn := rpctest.ServePair(t, rctx)
	_, err := conn.CallSync("Demo.who")
	require.NoError(t, err)
	assert.True(t, <-credCh, "server side sees peer credentials after the first message")
}

func TestJSONCodecEndToEnd(t *testing.T) {
	rctx := newServingContext(t)
	rctx.RegisterFunc("Demo.echo", "",
		func(ctx context.Context, call *rpc.InboundCall) (*object.Object, error) {
			v, err := call.Args().GetIndex(0)
			if err != nil {
				return nil, err
			}
			return v.Retain(), nil
		}, nil)

	_, conn := rpctest.ServePair(t, rctx, rpc.WithCodec("json"))
	arg := object.NewString("payload")
	call, err := conn.CallSync("Demo.echo", arg)
	require.NoError(t, err)
	result, err := call.ResultValue()
	require.NoError(t, err)
	assert.Equal(t, "payload", result.StringValue())
}

// =============================================================================
// TYPED ARGUMENTS
// =============================================================================

func TestTypedCallValidation(t *testing.T) {
	tctx := typing.NewContext()
	require.NoError(t, tctx.LoadString("calc.idl", []byte(calculatorIDL)))
	rctx := newServingContext(t, rpc.WithTyping(tctx))

	var invoked atomic.Int32
	rctx.RegisterFunc("com.example.Calculator.add", "Add two integers.",
		func(ctx context.Context, call *rpc.InboundCall) (*object.Object, error) {
			invoked.Add(1)
			a, _ := call.Args().GetIndex(0)
			b, _ := call.Args().GetIndex(1)
			return object.NewInt64(a.Int64() + b.Int64()), nil
		}, nil)

	_, conn := rpctest.ServePair(t, rctx)

	call, err := conn.CallSync("com.example.Calculator.add",
		object.NewInt64(2), object.NewInt64(3))
	require.NoError(t, err)
	result, err := call.ResultValue()
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Int64())
	assert.Equal(t, int32(1), invoked.Load())

	call, err = conn.CallSync("com.example.Calculator.add",
		object.NewString("x"), object.NewInt64(3))
	require.NoError(t, err)
	require.Equal(t, rpc.CallError, call.Status())

	_, err = call.ResultValue()
	var ev *object.ErrorValue
	require.ErrorAs(t, err, &ev)
	assert.Equal(t, object.EINVAL, ev.Code)
	assert.Equal(t, "Validation failed", ev.Message)
	require.NotNil(t, ev.Extra)
	require.Equal(t, 1, ev.Extra.Len())
	detail, gerr := ev.Extra.GetIndex(0)
	require.NoError(t, gerr)
	path, _ := detail.GetString("path")
	message, _ := detail.GetString("message")
	assert.Equal(t, ".0", path)
	assert.Equal(t, "Incompatible type string, should be int64", message)
	assert.Equal(t, int32(1), invoked.Load(), "implementation not invoked on validation failure")
}

func TestArgumentCountMismatch(t *testing.T) {
	tctx := typing.NewContext()
	require.NoError(t, tctx.LoadString("calc.idl", []byte(calculatorIDL)))
	rctx := newServingContext(t, rpc.WithTyping(tctx))
	rctx.RegisterFunc("com.example.Calculator.add", "",
		func(ctx context.Context, call *rpc.InboundCall) (*object.Object, error) {
			return object.NewInt64(0), nil
		}, nil)

	_, conn := rpctest.ServePair(t, rctx)
	call, err := conn.CallSync("com.example.Calculator.add", object.NewInt64(2))
	require.NoError(t, err)
	require.Equal(t, rpc.CallError, call.Status())
	_, err = call.ResultValue()
	var ev *object.ErrorValue
	require.ErrorAs(t, err, &ev)
	assert.Equal(t, object.EINVAL, ev.Code)
}

// =============================================================================
// STREAMING
// =============================================================================

func registerCounter(rctx *rpc.Context) {
	rctx.RegisterFunc("Stream.numbers", "Yield 1, 2, 3 and end.",
		func(ctx context.Context, call *rpc.InboundCall) (*object.Object, error) {
			for i := int64(1); i <= 3; i++ {
				v := object.NewInt64(i)
				err := call.Yield(v)
				v.Release()
				if err != nil {
					return nil, nil
				}
			}
			return nil, nil
		}, nil)
}

func TestStreamingCall(t *testing.T) {
	rctx := newServingContext(t)
	registerCounter(rctx)
	_, conn := rpctest.ServePair(t, rctx)

	call, err := conn.CallSync("Stream.numbers")
	require.NoError(t, err)
	require.Equal(t, rpc.CallMoreAvailable, call.Status())

	var got []int64
	for {
		v, ok, err := call.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v.Int64())
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, rpc.CallDone, call.Status())
}

func TestStreamingFrameCount(t *testing.T) {
	// Exactly N fragments then exactly one end: a second iteration
	// pass sees nothing extra.
	rctx := newServingContext(t)
	registerCounter(rctx)
	_, conn := rpctest.ServePair(t, rctx)

	call, err := conn.CallSync("Stream.numbers")
	require.NoError(t, err)
	count := 0
	for {
		_, ok, err := call.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, 3, count)
	_, ok, err := call.Next()
	require.NoError(t, err)
	assert.False(t, ok, "stream stays terminated")
}

// =============================================================================
// CANCELLATION & TIMEOUT
// =============================================================================

func TestCallTimeoutAbortsServerSide(t *testing.T) {
	rctx := newServingContext(t)
	aborted := make(chan time.Time, 1)
	rctx.RegisterFunc("Slow.sleep", "",
		func(ctx context.Context, call *rpc.InboundCall) (*object.Object, error) {
			select {
			case <-ctx.Done():
				aborted <- time.Now()
				return nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
				return object.NewNull(), nil
			}
		}, nil)

	_, conn := rpctest.ServePair(t, rctx)

	start := time.Now()
	call, err := conn.CallSyncTimeout(50*time.Millisecond, "Slow.sleep")
	require.NoError(t, err)
	require.Equal(t, rpc.CallError, call.Status())
	_, err = call.ResultValue()
	var ev *object.ErrorValue
	require.ErrorAs(t, err, &ev)
	assert.Equal(t, object.ETIMEDOUT, ev.Code)

	select {
	case at := <-aborted:
		assert.Less(t, at.Sub(start), 200*time.Millisecond,
			"inbound call observes the abort promptly")
	case <-time.After(time.Second):
		t.Fatal("server never observed the abort")
	}
}

func TestExplicitAbort(t *testing.T) {
	rctx := newServingContext(t)
	started := make(chan struct{})
	rctx.RegisterFunc("Slow.block", "",
		func(ctx context.Context, call *rpc.InboundCall) (*object.Object, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)

	_, conn := rpctest.ServePair(t, rctx)
	call, err := conn.Call("Slow.block")
	require.NoError(t, err)
	<-started

	call.Abort()
	assert.Equal(t, rpc.CallError, call.Wait())
	_, err = call.ResultValue()
	var ev *object.ErrorValue
	require.ErrorAs(t, err, &ev)
	assert.Equal(t, object.ECANCELED, ev.Code)
}

func TestCallAsyncCallback(t *testing.T) {
	rctx := newServingContext(t)
	_, conn := rpctest.ServePair(t, rctx)

	done := make(chan rpc.CallStatus, 1)
	_, err := conn.CallAsync("Builtin.ping", nil,
		func(call *rpc.Call, status rpc.CallStatus, value *object.Object) {
			done <- status
		})
	require.NoError(t, err)

	select {
	case status := <-done:
		assert.Equal(t, rpc.CallDone, status)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

// =============================================================================
// EVENTS
// =============================================================================

func TestEventBroadcastToSubscribers(t *testing.T) {
	rctx := newServingContext(t)
	server, connA := rpctest.ServePair(t, rctx)
	connB := rpctest.Dial(t, server)

	type received struct {
		conn  string
		value int64
	}
	events := make(chan received, 8)
	connA.Subscribe("/", "com.ex.Bus", "tick", func(args *object.Object) {
		events <- received{"a", args.Int64()}
	})
	connB.Subscribe("/", "com.ex.Bus", "tick", func(args *object.Object) {
		events <- received{"b", args.Int64()}
	})

	waitFor(t, time.Second, func() bool {
		total := 0
		for _, c := range server.Connections() {
			total += len(c.PeerSubscriptions())
		}
		return total == 2
	}, "both peer subscriptions propagate")
	payload := object.NewInt64(42)
	server.BroadcastEvent("/", "com.ex.Bus", "tick", payload)
	payload.Release()

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			assert.Equal(t, int64(42), ev.value)
			seen[ev.conn]++
		case <-time.After(time.Second):
			t.Fatal("missing event delivery")
		}
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, seen)

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventsFilteredBySubscription(t *testing.T) {
	rctx := newServingContext(t)
	server, conn := rpctest.ServePair(t, rctx)

	got := make(chan int64, 4)
	conn.Subscribe("/", "com.ex.Bus", "tick", func(args *object.Object) {
		got <- args.Int64()
	})
	waitFor(t, time.Second, func() bool {
		for _, c := range server.Connections() {
			if len(c.PeerSubscriptions()) == 1 {
				return true
			}
		}
		return false
	}, "peer subscription propagates")

	other := object.NewInt64(1)
	server.BroadcastEvent("/", "com.ex.Bus", "other", other)
	other.Release()
	tick := object.NewInt64(2)
	server.BroadcastEvent("/", "com.ex.Bus", "tick", tick)
	tick.Release()

	select {
	case v := <-got:
		assert.Equal(t, int64(2), v, "only the subscribed event is delivered")
	case <-time.After(time.Second):
		t.Fatal("subscribed event never arrived")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	rctx := newServingContext(t)
	_, conn := rpctest.ServePair(t, rctx)

	unsubscribe := conn.Subscribe("/", "com.ex.Bus", "tick", func(*object.Object) {})
	assert.Len(t, conn.Subscriptions(), 1)
	unsubscribe()
	unsubscribe()
	assert.Empty(t, conn.Subscriptions())
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestServerCloseDropsOutstandingCalls(t *testing.T) {
	rctx := newServingContext(t)
	started := make(chan struct{})
	rctx.RegisterFunc("Slow.forever", "",
		func(ctx context.Context, call *rpc.InboundCall) (*object.Object, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)

	server, conn := rpctest.ServePair(t, rctx)
	call, err := conn.Call("Slow.forever")
	require.NoError(t, err)
	<-started

	require.NoError(t, server.Close())
	assert.Equal(t, rpc.CallError, call.Wait())
	_, err = call.ResultValue()
	var ev *object.ErrorValue
	require.ErrorAs(t, err, &ev)
	assert.Contains(t, []int{object.ECONNRESET, object.ECANCELED}, ev.Code)

	var detached *rpc.ServerNotAttachedError
	require.ErrorAs(t, server.Close(), &detached)
}

func TestServerConnectionEvents(t *testing.T) {
	rctx := newServingContext(t)
	server, _ := rpctest.ServePair(t, rctx)

	kinds := make(chan rpc.ServerEventKind, 4)
	server.SetEventHandler(func(conn *rpc.Connection, kind rpc.ServerEventKind) {
		kinds <- kind
	})

	extra := rpctest.Dial(t, server)
	select {
	case kind := <-kinds:
		assert.Equal(t, rpc.ConnectionArrived, kind)
	case <-time.After(time.Second):
		t.Fatal("no arrival event")
	}

	require.NoError(t, extra.Close())
	select {
	case kind := <-kinds:
		assert.Equal(t, rpc.ConnectionTerminated, kind)
	case <-time.After(time.Second):
		t.Fatal("no termination event")
	}
}

func TestTypingDownload(t *testing.T) {
	tctx := typing.NewContext()
	require.NoError(t, tctx.LoadString("calc.idl", []byte(calculatorIDL)))
	rctx := newServingContext(t, rpc.WithTyping(tctx))
	_, conn := rpctest.ServePair(t, rctx)

	call, err := conn.CallSync(rpc.TypingInterface + ".download")
	require.NoError(t, err)

	var bodies []string
	for {
		v, ok, err := call.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		bodies = append(bodies, v.StringValue())
	}
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "interface Calculator")
}
