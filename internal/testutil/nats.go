// Package testutil starts embedded, in-process NATS servers for tests, so
// the rest of this module's test suite never depends on an external NATS
// deployment or a compiled test binary.
package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// StartEmbeddedNATS starts an embedded core NATS server with JetStream
// disabled, so that handlers installed with Responder are the only
// answerers on the management API subjects, and returns it alongside a
// connected client. Both are cleaned up automatically via t.Cleanup.
func StartEmbeddedNATS(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: false,
		StoreDir:  t.TempDir(),
		NoLog:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create embedded NATS server: %v", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server not ready within timeout")
	}

	nc, err := nats.Connect(ns.ClientURL(),
		nats.Timeout(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(3),
	)
	if err != nil {
		ns.Shutdown()
		t.Fatalf("failed to connect to embedded NATS server: %v", err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	return ns, nc
}

// Responder subscribes a canned JSON responder on subject, standing in for
// the streaming service's management API in tests that only need to drive
// the correlation logic in this module without a real consumer/stream
// backing store.
func Responder(t *testing.T, nc *nats.Conn, subject string, handler nats.MsgHandler) {
	t.Helper()

	sub, err := nc.Subscribe(subject, handler)
	if err != nil {
		t.Fatalf("failed to install responder on %s: %v", subject, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}
