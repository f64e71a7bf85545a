// Package corestream implements the client-side concurrency and
// correlation machinery for a durable-streaming subsystem layered on top
// of a core NATS publish/subscribe connection: asynchronous back-pressured
// publish with out-of-band ack correlation, subscription bootstrapping
// that reconciles user intent with server-side consumer state, heartbeat
// and flow-control supervision, and pull-based fetch.
//
// The wire protocol, JSON payload shapes for stream/consumer management,
// and reconnect logic are treated as the core connection's responsibility;
// this package only implements the correlation and state-machine layer on
// top of it.
package corestream

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/arloliu/corestream/internal/registry"
	"github.com/arloliu/corestream/types"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Ctx is a handle to the streaming service, layered over a core NATS
// connection. It is safe for concurrent use by multiple goroutines.
//
// A Ctx is reference-counted: Connect returns it with one reference held
// by the caller. Subscriptions created through it, and its lazily-created
// reply-inbox subscription, each retain their own reference for as long as
// they are active. The count records ownership only: Destroy tears down
// the Ctx's resources at once, whatever the count is.
type Ctx struct {
	conn    *nats.Conn
	logger  types.Logger
	metrics types.MetricsCollector

	apiPrefix string
	wait      time.Duration

	maxPending int
	stallWait  time.Duration
	errHandler PubAckErrHandler

	stream StreamConfig

	refs atomic.Int32

	// mu guards every field below, which together form the async publish
	// tracker. Per the data model, the tracker is either all-present or
	// all-absent; trackerInit is only set true once every field has been
	// allocated successfully.
	mu                  sync.Mutex
	cond                *sync.Cond
	trackerInit         bool
	trackerInitializing bool
	pending             map[string]*pendingEntry
	pmcount     int
	stalled     int
	pacw        int
	replyPrefix string
	replySub    *nats.Subscription

	subs *registry.Registry[*Subscription]

	destroyed atomic.Bool
}

type pendingEntry struct {
	msg          *nats.Msg
	subject      string
	registeredAt time.Time
}

// Connect builds a Ctx over an already-connected core NATS connection. The
// core connection's lifecycle (dial, reconnect) is entirely the caller's
// responsibility; Connect only retains a reference to it.
func Connect(nc *nats.Conn, opts ...Option) (*Ctx, error) {
	if nc == nil {
		return nil, newStatusError(KindInvalidArg, "conn must not be nil")
	}

	o := defaultCtxOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := o.config.Validate(); err != nil {
		return nil, err
	}

	c := &Ctx{
		conn:       nc,
		logger:     o.logger,
		metrics:    o.metrics,
		apiPrefix:  o.config.resolvedPrefix(),
		wait:       o.config.Wait,
		maxPending: o.config.PublishAsync.MaxPending,
		stallWait:  o.config.PublishAsync.StallWait,
		errHandler: o.config.PublishAsync.ErrHandler,
		stream:     o.config.Stream,
		subs:       registry.New[*Subscription](),
	}
	c.cond = sync.NewCond(&c.mu)
	c.refs.Store(1)

	c.logger.Info("corestream context connected", "api_prefix", c.apiPrefix, "wait", c.wait)

	return c, nil
}

// Destroy releases the caller's reference to the Ctx and tears down its
// resources immediately: it unsubscribes the reply-inbox subscription
// (releasing its reference), drains the pending map, and unsubscribes
// every live subscription (each releasing its own reference).
//
// Destroy unsubscribes the reply-inbox before draining the pending map, so
// no ack arriving concurrently can race the drain (see SPEC_FULL §12).
// Draining discards any undelivered user messages: publishing after
// Destroy has been called is a lost publish by design.
func (c *Ctx) Destroy() error {
	if c.destroyed.Swap(true) {
		return ErrDestroyed
	}

	c.mu.Lock()
	sub := c.replySub
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
		c.release()
	}

	c.mu.Lock()
	c.pending = nil
	c.pmcount = 0
	c.stalled = 0
	c.cond.Broadcast()
	c.mu.Unlock()

	c.subs.Range(func(_ uint64, s *Subscription) bool {
		_ = s.Unsubscribe()
		return true
	})

	c.release()

	return nil
}

func (c *Ctx) retain() {
	c.refs.Add(1)
}

// release decrements the reference count. The last release is where a
// real client would free backing memory; in Go there is nothing left to do
// explicitly once every referencing goroutine has dropped the pointer, so
// this only exists to make the ownership protocol from SPEC_FULL §9
// explicit and testable.
func (c *Ctx) release() {
	c.refs.Add(-1)
}

// RefCount reports the current number of outstanding references, for
// tests exercising the ownership invariant.
func (c *Ctx) RefCount() int32 {
	return c.refs.Load()
}

func (c *Ctx) isDestroyed() bool {
	return c.destroyed.Load()
}

func (c *Ctx) checkNotDestroyed() error {
	if c.isDestroyed() {
		return ErrDestroyed
	}

	return nil
}

// contextOrDefault builds a context.Context bounding an operation to wait
// (falling back to the Ctx's configured default when wait<=0).
func (c *Ctx) contextOrDefault(wait time.Duration) (context.Context, context.CancelFunc) {
	if wait <= 0 {
		wait = c.wait
	}

	return context.WithTimeout(context.Background(), wait)
}

// newToken returns a fresh n-character base62 token. Uniqueness within the
// Ctx's lifetime is sufficient (see SPEC_FULL design notes); it need not be
// cryptographically unpredictable, but crypto/rand is used as a convenient
// source of uniform bytes.
func newToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = base62Alphabet[int(b)%len(base62Alphabet)]
	}

	return string(out), nil
}
