package corestream

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/corestream/internal/testutil"
)

func installAsyncAckResponder(t *testing.T, nc *nats.Conn, subject string) {
	testutil.Responder(t, nc, subject, func(nm *nats.Msg) {
		if nm.Reply != "" {
			_ = nc.Publish(nm.Reply, []byte(`{"stream":"ORDERS","seq":1}`))
		}
	})
}

func TestPublishAsyncCompleteDrainsOnAck(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	installAsyncAckResponder(t, nc, "orders.new")

	ctx, err := Connect(nc)
	require.NoError(t, err)
	defer ctx.Destroy()

	for i := 0; i < 5; i++ {
		require.NoError(t, ctx.PublishAsync("orders.new", []byte("x"), PubOpts{}))
	}

	require.NoError(t, ctx.PublishAsyncComplete(time.Second))
}

func TestPublishAsyncStallsPastMaxPending(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	// A subscriber that never replies: acks never arrive, so the pending map
	// never drains. Without any subscriber the server would answer each
	// publish with a no-responders status, which the reply inbox treats as
	// the ack.
	testutil.Responder(t, nc, "orders.new", func(*nats.Msg) {})

	ctx, err := Connect(nc,
		WithPublishAsyncMaxPending(1),
		WithPublishAsyncStallWait(50*time.Millisecond),
	)
	require.NoError(t, err)
	defer ctx.Destroy()

	require.NoError(t, ctx.PublishAsync("orders.new", []byte("first"), PubOpts{}))

	start := time.Now()
	err = ctx.PublishAsync("orders.new", []byte("second"), PubOpts{})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestPublishAsyncErrHandlerInvokedOnServerError(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	testutil.Responder(t, nc, "orders.dup", func(nm *nats.Msg) {
		if nm.Reply != "" {
			_ = nc.Publish(nm.Reply, []byte(`{"error":{"code":400,"err_code":10058,"description":"duplicate"}}`))
		}
	})

	var gotErr *PubAckError
	done := make(chan struct{})

	ctx, err := Connect(nc, WithPublishAsyncErrHandler(func(_ *Ctx, _ *nats.Msg, e *PubAckError) {
		gotErr = e
		close(done)
	}))
	require.NoError(t, err)
	defer ctx.Destroy()

	require.NoError(t, ctx.PublishAsync("orders.dup", []byte("x"), PubOpts{}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("error handler was not invoked")
	}

	require.NotNil(t, gotErr)
	assert.Equal(t, 10058, gotErr.ErrCode)
}

func TestGetPendingListReturnsNotFoundWhenEmpty(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)

	ctx, err := Connect(nc)
	require.NoError(t, err)
	defer ctx.Destroy()

	_, err = ctx.GetPendingList()
	assert.ErrorIs(t, err, ErrNotFound)
}
