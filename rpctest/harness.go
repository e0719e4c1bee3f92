package rpctest

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/twoporeguys/librpc-go/rpc"
)

// ServePair starts a server on a fresh in-memory listener, connects a
// client to it and registers cleanup on t. The serving context keeps
// running after the pair closes; callers own its lifecycle.
func ServePair(t *testing.T, rctx *rpc.Context, opts ...rpc.Option) (*rpc.Server, *rpc.Connection) {
	t.Helper()
	uri := "test://" + uuid.New().String()

	server, err := rpc.NewServer(context.Background(), uri, rctx, opts...)
	if err != nil {
		t.Fatalf("server on %s: %v", uri, err)
	}
	t.Cleanup(func() { _ = server.Close() })

	conn, err := rpc.Connect(context.Background(), uri, opts...)
	if err != nil {
		t.Fatalf("connect to %s: %v", uri, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return server, conn
}

// Dial connects an extra client to an existing server.
func Dial(t *testing.T, server *rpc.Server, opts ...rpc.Option) *rpc.Connection {
	t.Helper()
	conn, err := rpc.Connect(context.Background(), server.URI(), opts...)
	if err != nil {
		t.Fatalf("connect to %s: %v", server.URI(), err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
