package corestream

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// replyTokenLen is the length of the per-message token appended to a Ctx's
// reply-inbox prefix. The 8-char base62 space (~2.18e14) is adequate for
// any realistic max_pending; the token need not be unpredictable, only
// unique within the Ctx's lifetime.
const replyTokenLen = 8

// ensureTracker lazily creates the async publish tracker's reply-inbox
// subscription on first use. Concurrent callers serialize on c.mu and
// c.cond rather than sync.Once so that a failed attempt can be retried
// cleanly by a later caller, per the error-handling design (SPEC_FULL §7).
func (c *Ctx) ensureTracker() error {
	c.mu.Lock()
	for {
		if c.trackerInit {
			c.mu.Unlock()
			return nil
		}
		if !c.trackerInitializing {
			break
		}
		c.cond.Wait()
	}
	c.trackerInitializing = true
	c.mu.Unlock()

	replyPrefix := c.conn.NewInbox() + "."
	sub, err := c.conn.Subscribe(replyPrefix+"*", c.handleAsyncReply)

	c.mu.Lock()
	c.trackerInitializing = false
	if err != nil {
		c.cond.Broadcast()
		c.mu.Unlock()

		return wrapStatusError(KindNoMemory, "failed to create reply-inbox subscription", err)
	}
	c.pending = make(map[string]*pendingEntry)
	c.replyPrefix = replyPrefix
	c.replySub = sub
	c.trackerInit = true
	c.cond.Broadcast()
	c.mu.Unlock()

	// The reply-inbox subscription holds its own reference to the Ctx for
	// as long as it exists; Destroy releases it explicitly right after
	// unsubscribing it, since nats.go has no per-subscription closed
	// callback to release on automatically.
	c.retain()

	return nil
}

// registerPubMsg reserves a slot in the pending map for msg, applying
// max_pending backpressure, and returns the reply subject the caller must
// publish msg with.
func (c *Ctx) registerPubMsg(msg *nats.Msg) (subject string, token string, err error) {
	if err := c.ensureTracker(); err != nil {
		return "", "", err
	}

	token, err = newToken(replyTokenLen)
	if err != nil {
		return "", "", wrapStatusError(KindNoMemory, "failed to generate reply token", err)
	}

	c.mu.Lock()

	c.pmcount++

	if c.maxPending > 0 && c.pmcount > c.maxPending {
		deadline := time.Now().Add(c.stallWait)
		waitStart := time.Now()
		c.stalled++
		ok := waitCondDeadline(c.cond, deadline, func() bool {
			return c.pending == nil || c.pmcount <= c.maxPending
		})
		c.stalled--
		if !ok {
			c.pmcount--
			c.mu.Unlock()
			c.metrics.IncrementPublishStall()
			c.metrics.RecordPublishStallWait(time.Since(waitStart).Seconds())

			return "", "", wrapStatusError(KindTimeout, "publish_async stalled past stall_wait", nil)
		}
	}

	if c.pending == nil {
		c.pmcount--
		c.mu.Unlock()

		return "", "", ErrDestroyed
	}

	replySubject := c.replyPrefix + token
	c.pending[token] = &pendingEntry{msg: msg, subject: replySubject, registeredAt: time.Now()}
	pmcount := c.pmcount
	c.mu.Unlock()

	c.metrics.SetPendingPublishCount(pmcount)

	return replySubject, token, nil
}

// PublishAsync publishes msg without waiting for the streaming service's
// ack. Errors surfacing after the ack arrives (or failing to arrive) are
// delivered exclusively through the configured PubAckErrHandler, never
// through this call's return value.
//
// A non-nil error here means the message was never even handed to the
// core connection (or a stall timeout expired) and the caller still owns
// msg. A nil error means the library owns msg until the ack handler (or
// the error handler) releases it.
func (c *Ctx) PublishAsync(subject string, data []byte, opts PubOpts) error {
	if err := c.checkNotDestroyed(); err != nil {
		return err
	}
	if subject == "" {
		return newStatusError(KindInvalidArg, "subject must not be empty")
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	applyPubHeaders(msg, opts)

	replySubject, token, err := c.registerPubMsg(msg)
	if err != nil {
		return err
	}
	msg.Reply = replySubject

	if err := c.conn.PublishMsg(msg); err != nil {
		c.mu.Lock()
		_, stillPending := c.pending[token]
		if stillPending {
			delete(c.pending, token)
			c.pmcount--
			pmcount := c.pmcount
			c.mu.Unlock()
			c.metrics.SetPendingPublishCount(pmcount)

			return wrapStatusError(KindErr, "transport publish failed", err)
		}
		c.mu.Unlock()

		// The ack already arrived and removed the entry before the
		// transport reported failure: treat as success, the message was
		// delivered.
		return nil
	}

	return nil
}

// handleAsyncReply demultiplexes a reply on the Ctx's reply-inbox into the
// pending publish it corresponds to.
func (c *Ctx) handleAsyncReply(reply *nats.Msg) {
	c.mu.Lock()
	token := strings.TrimPrefix(reply.Subject, c.replyPrefix)
	entry, ok := c.pending[token]
	if ok {
		delete(c.pending, token)
	}
	c.mu.Unlock()

	if !ok {
		// Already removed by GetPendingList, Destroy, or a duplicate
		// reply; drop it.
		return
	}

	c.metrics.RecordAckLatency(time.Since(entry.registeredAt).Seconds())

	if c.errHandler != nil {
		if pubErr := decodePubAckReply(reply); pubErr != nil {
			pubErr.Msg = entry.msg
			c.errHandler(c, entry.msg, pubErr)
		}
	}

	c.mu.Lock()
	c.pmcount--
	pmcount := c.pmcount
	broadcast := (c.pacw > 0 && pmcount == 0) ||
		(c.stalled > 0 && (c.maxPending <= 0 || pmcount <= c.maxPending))
	if broadcast {
		c.cond.Broadcast()
	}
	c.mu.Unlock()

	c.metrics.SetPendingPublishCount(pmcount)
}

// decodePubAckReply translates a raw reply on the reply-inbox into a
// PubAckError, or nil if the reply represents success.
func decodePubAckReply(reply *nats.Msg) *PubAckError {
	if reply.Header != nil {
		if status := reply.Header.Get(headerStatus); status == "503" {
			return &PubAckError{Kind: KindNoResponders, Text: "no responders"}
		}
	}
	if len(reply.Data) == 0 {
		return nil
	}

	var env apiResponse
	if err := json.Unmarshal(reply.Data, &env); err != nil {
		return nil
	}
	if env.Error == nil {
		return nil
	}

	code := env.Error.ErrCode
	if code == 0 {
		code = env.Error.Code
	}

	return &PubAckError{Kind: KindErr, ErrCode: code, Text: env.Error.Description}
}

// PublishAsyncComplete blocks until every message registered via
// PublishAsync has been acked (or its transport failure surfaced), or
// wait elapses. A timeout that occurs exactly as the pending map drains
// to zero is reported as success rather than TIMEOUT.
func (c *Ctx) PublishAsyncComplete(wait time.Duration) error {
	if err := c.checkNotDestroyed(); err != nil {
		return err
	}
	if wait <= 0 {
		wait = c.wait
	}
	deadline := time.Now().Add(wait)

	c.mu.Lock()
	c.pacw++
	ok := waitCondDeadline(c.cond, deadline, func() bool {
		return c.pending == nil || c.pmcount == 0
	})
	c.pacw--
	c.mu.Unlock()

	if !ok {
		return wrapStatusError(KindTimeout, "publish_async_complete timed out", nil)
	}

	return nil
}

// GetPendingList atomically removes and returns every message currently
// awaiting an ack. It returns ErrNotFound if the pending map is empty.
func (c *Ctx) GetPendingList() ([]*nats.Msg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil, ErrNotFound
	}

	out := make([]*nats.Msg, 0, len(c.pending))
	for _, e := range c.pending {
		out = append(out, e.msg)
	}
	c.pending = make(map[string]*pendingEntry)
	c.pmcount = 0

	return out, nil
}

// waitCondDeadline waits on cond until predicate returns true or deadline
// passes, returning whether predicate held. The caller must hold cond.L.
// A timer wakes the condvar at the deadline so a stalled waiter is not
// left blocked forever when no other event will ever broadcast.
func waitCondDeadline(cond *sync.Cond, deadline time.Time, predicate func() bool) bool {
	if predicate() {
		return true
	}

	timer := time.AfterFunc(time.Until(deadline), func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()

	for !predicate() {
		if !time.Now().Before(deadline) {
			return false
		}
		cond.Wait()
	}

	return true
}
