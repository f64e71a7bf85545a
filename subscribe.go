package corestream

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/arloliu/corestream/internal/backoff"
)

// Subscription is the client-side handle for a single consumer binding,
// covering both push and pull delivery. It owns the reconciled consumer
// state ("jsi" in the design notes), the heartbeat/flow-control
// supervision timers, and, for pull subscriptions, the locally buffered
// message queue that Fetch drains.
type Subscription struct {
	ctx    *Ctx
	handle uint64
	nc     *nats.Subscription

	stream   string
	consumer string
	durable  bool
	pull     bool
	queue    string

	manualAck bool
	ackPolicy AckPolicy

	deliverSubject string
	nextMsgSubject string

	userCB MsgHandler

	hbMu       sync.Mutex
	hbInterval time.Duration
	hbTimer    *time.Timer
	active     bool

	metaMu          sync.Mutex
	haveMeta        bool
	lastMeta        AckMeta
	mismatch        *SequenceMismatch
	mismatchLatched bool

	fcMu        sync.Mutex
	fcReply     string
	fcThreshold uint64
	delivered   uint64

	metaCache *metaCache

	pullMu     sync.Mutex
	pullCond   *sync.Cond
	pullQueue  []*Msg
	lastStatus *nats.Msg

	closed atomic.Bool
}

// Subscribe reconciles opts against server-side consumer state and
// establishes delivery for subject (push mode) or for a subsequent Fetch
// (pull mode, opts.Pull == true; subject is then only used for stream
// auto-discovery and may be empty when opts.Stream and opts.Consumer are
// both already known).
func (c *Ctx) Subscribe(subject string, handler MsgHandler, opts SubOpts) (*Subscription, error) {
	if err := c.checkNotDestroyed(); err != nil {
		return nil, err
	}
	if opts.Queue != "" && (opts.Config.Heartbeat > 0 || opts.Config.FlowControl) {
		return nil, newStatusError(KindInvalidArg, "queue subscriptions cannot use idle heartbeats or flow control")
	}
	if !opts.Pull && handler == nil {
		return nil, newStatusError(KindInvalidArg, "handler must not be nil for push subscriptions")
	}

	cfg := opts.Config
	if opts.OptStartSeq > 0 {
		cfg.DeliverPolicy = DeliverPolicyByStartSequence
		cfg.OptStartSeq = opts.OptStartSeq
	} else if !opts.OptStartTime.IsZero() {
		cfg.DeliverPolicy = DeliverPolicyByStartTime
		cfg.OptStartTime = opts.OptStartTime
	}

	durable := cfg.Durable
	consumer := opts.Consumer
	if consumer == "" {
		consumer = durable
	}
	explicitlyBound := consumer != ""

	waitCtx, cancel := c.contextOrDefault(opts.MaxWait)
	defer cancel()

	stream := opts.Stream
	if stream == "" {
		s, err := c.lookupStreamByName(waitCtx, subject)
		if err != nil {
			return nil, err
		}
		stream = s
	}

	var existing *ConsumerInfo
	if explicitlyBound {
		info, err := c.getConsumerInfo(waitCtx, stream, consumer)
		switch {
		case err == nil:
			ci := info.toConsumerInfo()
			existing = &ci
		case isNotFoundErr(err) || isTimeoutErr(err):
			// Tolerated: an explicitly named consumer that does not yet
			// exist, or whose lookup timed out, is created below.
		default:
			return nil, err
		}
	}

	reconciled, err := reconcileConsumerConfig(existing, cfg, opts, subject)
	if err != nil {
		return nil, err
	}

	created := existing == nil
	if created {
		if !opts.Pull && reconciled.DeliverSubject == "" {
			reconciled.DeliverSubject = c.conn.NewInbox()
		}

		info, err := c.createConsumer(waitCtx, stream, reconciled, durable != "")
		if err != nil {
			return nil, err
		}
		ci := info.toConsumerInfo()
		existing = &ci
	}

	sub := &Subscription{
		ctx:       c,
		stream:    stream,
		consumer:  existing.Name,
		durable:   durable != "",
		pull:      opts.Pull,
		queue:     opts.Queue,
		manualAck: opts.ManualAck,
		ackPolicy: existing.Config.AckPolicy,
		metaCache: newMetaCache(),
	}
	sub.pullCond = sync.NewCond(&sub.pullMu)

	if opts.Pull {
		sub.nextMsgSubject = fmt.Sprintf("%s.CONSUMER.MSG.NEXT.%s.%s", c.apiPrefix, stream, sub.consumer)
		inbox := nats.NewInbox()
		nsub, err := c.conn.Subscribe(inbox, sub.onPullDeliver)
		if err != nil {
			return nil, wrapStatusError(KindErr, "failed to subscribe pull reply inbox", err)
		}
		sub.deliverSubject = inbox
		sub.nc = nsub
	} else {
		deliver := existing.Config.DeliverSubject
		if deliver == "" {
			return nil, newStatusError(KindIllegalState, "server did not report a deliver subject for push consumer")
		}
		sub.deliverSubject = deliver

		var nsub *nats.Subscription
		if opts.Queue != "" {
			nsub, err = c.conn.QueueSubscribe(deliver, opts.Queue, sub.onPushDeliver)
		} else {
			nsub, err = c.conn.Subscribe(deliver, sub.onPushDeliver)
		}
		if err != nil {
			return nil, wrapStatusError(KindErr, "failed to subscribe to deliver subject", err)
		}
		sub.nc = nsub
	}

	c.retain()
	sub.handle = c.subs.Add(sub)

	sub.active = true
	if existing.Config.Heartbeat > 0 {
		sub.armHeartbeat(existing.Config.Heartbeat)
	}

	if created {
		c.metrics.IncrementSubscriptionCreated(opts.Pull)
	} else {
		c.metrics.IncrementSubscriptionBound(opts.Pull)
	}
	c.logger.Info("subscription established", "stream", stream, "consumer", sub.consumer, "pull", opts.Pull)

	if !opts.Pull {
		sub.userCB = handler
	}

	return sub, nil
}

// Unsubscribe tears down the subscription's transport binding, disarms its
// heartbeat timer, and releases its reference on the owning Ctx. It is
// safe to call more than once.
func (s *Subscription) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.disarmHeartbeat()
	if s.nc != nil {
		_ = s.nc.Unsubscribe()
	}

	s.ctx.subs.Remove(s.handle)
	s.ctx.release()

	s.pullMu.Lock()
	s.pullQueue = nil
	s.pullCond.Broadcast()
	s.pullMu.Unlock()

	return nil
}

func (s *Subscription) onPushDeliver(nm *nats.Msg) {
	s.noteActivity()

	if len(nm.Data) == 0 && isControlMsg(nm) {
		s.handleControlMsg(nm)
		return
	}

	s.trackSequence(nm.Reply)
	s.wrapAndDispatch(nm)
}

func (s *Subscription) onPullDeliver(nm *nats.Msg) {
	s.noteActivity()

	if status := nm.Header.Get(headerStatus); status != "" {
		s.pullMu.Lock()
		s.lastStatus = nm
		s.pullCond.Broadcast()
		s.pullMu.Unlock()

		return
	}
	if len(nm.Data) == 0 {
		return
	}

	s.trackSequence(nm.Reply)
	msg := s.wrap(nm)

	s.pullMu.Lock()
	s.pullQueue = append(s.pullQueue, msg)
	s.pullCond.Broadcast()
	s.pullMu.Unlock()
}

func (s *Subscription) wrap(nm *nats.Msg) *Msg {
	return &Msg{Msg: nm, sub: s}
}

func (s *Subscription) wrapAndDispatch(nm *nats.Msg) {
	msg := s.wrap(nm)
	if s.userCB == nil {
		return
	}

	s.userCB(msg)

	if !s.manualAck && s.ackPolicy != AckPolicyNone {
		_ = msg.Ack()
	}
}

func isControlMsg(nm *nats.Msg) bool {
	return nm.Header.Get(headerStatus) != "" || nm.Header.Get(headerConsumerStalled) != ""
}

func (s *Subscription) handleControlMsg(nm *nats.Msg) {
	if reply := nm.Header.Get(headerConsumerStalled); reply != "" {
		_ = s.ctx.conn.Publish(reply, nil)
		return
	}
	if status := nm.Header.Get(headerStatus); status != statusIdleOrFlowControl {
		return
	}

	if nm.Header.Get(headerDescription) == descriptionFlowControl {
		s.armFlowControl(nm)
		return
	}

	// Idle heartbeat frame; noteActivity already recorded it. Still check
	// the server's last-delivered-consumer-sequence header against what we
	// last observed, since a heartbeat is the only frame carrying it when
	// no data message has arrived to trip the gap check in checkSequence.
	s.checkIdleHeartbeat(nm)
}

// armFlowControl records a FlowControl Request's reply subject and the
// delivered-count threshold (current delivered count plus whatever is
// already buffered on the transport subscription) at which the resume
// reply should be sent. checkSequence publishes the resume once delivered
// reaches the threshold.
func (s *Subscription) armFlowControl(nm *nats.Msg) {
	if nm.Reply == "" {
		return
	}

	var queued int
	if s.nc != nil {
		if n, _, err := s.nc.Pending(); err == nil {
			queued = n
		}
	}

	s.fcMu.Lock()
	s.fcReply = nm.Reply
	s.fcThreshold = s.delivered + uint64(queued)
	s.fcMu.Unlock()
}

// checkIdleHeartbeat compares the server-reported last-delivered consumer
// sequence (the Nats-Last-Consumer header) against cmeta from the most
// recently observed data message, latching a mismatch on disagreement and
// clearing it once the two agree again.
func (s *Subscription) checkIdleHeartbeat(nm *nats.Msg) {
	raw := nm.Header.Get(headerLastConsumer)
	if raw == "" {
		return
	}
	ldseq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return
	}

	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	if !s.haveMeta {
		return
	}

	dseq := s.lastMeta.ConsumerSeq
	switch {
	case ldseq == dseq:
		s.mismatch = nil
		s.mismatchLatched = false
	case !s.mismatchLatched:
		s.mismatch = &SequenceMismatch{
			StreamSeq:         s.lastMeta.StreamSeq,
			ConsumerClientSeq: dseq,
			ConsumerServerSeq: ldseq,
		}
		s.mismatchLatched = true
		s.ctx.metrics.IncrementSequenceMismatch()
	}
}

func (s *Subscription) trackSequence(replySubject string) {
	if replySubject == "" {
		return
	}

	meta, ok := s.metaCache.get(replySubject)
	if !ok {
		m, err := parseAckSubject(replySubject)
		if err != nil {
			return
		}
		meta = m
		s.metaCache.put(replySubject, meta)
	}

	s.checkSequence(meta)
}

// GetSequenceMismatch returns the currently latched sequence mismatch, if
// any. The latch is cleared by checkSequence once delivery resumes at a
// consecutive sequence, or by checkIdleHeartbeat once an idle heartbeat's
// Nats-Last-Consumer agrees with the last observed sequence, not by
// reading it here. Returns
// ErrNotFound when nothing is latched.
func (s *Subscription) GetSequenceMismatch() (*SequenceMismatch, error) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	if s.mismatch == nil {
		return nil, ErrNotFound
	}
	m := s.mismatch

	return m, nil
}

func (c *Ctx) lookupStreamByName(ctx context.Context, subject string) (string, error) {
	if subject == "" {
		return "", newStatusError(KindInvalidArg, "stream could not be determined: subject and Stream are both empty")
	}

	var resp wireStreamNamesResponse
	err := c.apiRequest(ctx, "STREAM.NAMES", wireStreamNamesRequest{Subject: subject}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Streams) == 0 {
		return "", wrapStatusError(KindNotFound, "no stream matches subject "+subject, ErrNotFound)
	}

	return resp.Streams[0], nil
}

func (c *Ctx) getConsumerInfo(ctx context.Context, stream, consumer string) (*wireConsumerInfo, error) {
	suffix := fmt.Sprintf("CONSUMER.INFO.%s.%s", stream, consumer)

	var info wireConsumerInfo
	if err := c.apiRequest(ctx, suffix, nil, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

func isNotFoundErr(err error) bool {
	var se *StatusError
	if ok := asStatusError(err, &se); ok {
		return se.Kind == KindNotFound || se.Kind == KindErr
	}

	return false
}

func isTimeoutErr(err error) bool {
	var se *StatusError
	if ok := asStatusError(err, &se); ok {
		return se.Kind == KindTimeout
	}

	return false
}

func asStatusError(err error, target **StatusError) bool {
	se, ok := err.(*StatusError)
	if !ok {
		return false
	}
	*target = se

	return true
}

// createConsumer creates the consumer, retrying with jittered backoff when
// the server reports a create race (the consumer sprang into existence
// between our lookup and our create, or a peer is already actively bound
// to it). After a race it re-fetches the consumer info and, if that
// succeeds, returns the racing peer's consumer as-is: its configuration is
// not reconciled against cfg. Only when the re-fetch fails does it back
// off and retry the create.
func (c *Ctx) createConsumer(ctx context.Context, stream string, cfg ConsumerConfig, durable bool) (*wireConsumerInfo, error) {
	suffix := fmt.Sprintf("CONSUMER.CREATE.%s", stream)
	if durable {
		suffix = fmt.Sprintf("CONSUMER.DURABLE.CREATE.%s.%s", stream, cfg.Durable)
	}

	req := wireCreateConsumerRequest{StreamName: stream, Config: toWireConfig(cfg)}

	const maxAttempts = 5
	rng := backoff.NewRetryRNG(int64(rand.Uint64() | 1))
	var delay time.Duration

	for attempt := 0; attempt < maxAttempts; attempt++ {
		var info wireConsumerInfo
		err := c.apiRequest(ctx, suffix, req, &info)
		if err == nil {
			return &info, nil
		}

		var se *StatusError
		raced := asStatusError(err, &se) && se.Kind == KindErr &&
			(se.ErrCode == errCodeConsumerNameExist || se.ErrCode == errCodeConsumerExistingActive)
		if !raced || !durable {
			return nil, err
		}

		if existing, gerr := c.getConsumerInfo(ctx, stream, cfg.Durable); gerr == nil {
			return existing, nil
		}

		delay = backoff.Jitter(delay, 20*time.Millisecond, 2.0, 500*time.Millisecond, rng)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, wrapStatusError(KindTimeout, "consumer create retry aborted", ctx.Err())
		}
	}

	return nil, wrapStatusError(KindErr, "exhausted consumer create retries", ErrIllegalState)
}

// reconcileConsumerConfig validates user intent against an existing
// consumer's reported configuration. Only fields the caller actually set
// (non-zero) are checked; a field the caller left unspecified never
// triggers rejection against a differing server value, except
// flow_control, whose absence in the request while the server has it
// enabled is treated as tolerable (asymmetric: the server may enable flow
// control the caller did not ask for, but a caller-requested flow control
// with none active on the server is a mismatch requiring a fresh
// consumer). Every settable field on ConsumerConfig except DeliverSubject
// and DeliverGroup is compared, plus the push/queue shape guards: a queue subscriber cannot bind to a consumer
// using idle heartbeats or flow control, cannot bind to one with no
// deliver group, and a plain push subscriber cannot bind to a consumer
// already bound elsewhere (PushBound).
func reconcileConsumerConfig(existing *ConsumerInfo, want ConsumerConfig, opts SubOpts, subject string) (ConsumerConfig, error) {
	if existing == nil {
		if want.FilterSubject == "" {
			want.FilterSubject = subject
		}
		if want.AckPolicy == AckPolicyNone && opts.ManualAck {
			want.AckPolicy = AckPolicyExplicit
		}
		if want.MaxAckPending == 0 && want.AckPolicy != AckPolicyNone {
			want.MaxAckPending = defaultMaxAckPending
		}
		if opts.Pull {
			want.DeliverSubject = ""
		}

		return want, nil
	}

	have := existing.Config
	if want.FilterSubject != "" && have.FilterSubject != "" && want.FilterSubject != have.FilterSubject {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer filter subject does not match")
	}
	if want.Durable != "" && have.Durable != "" && want.Durable != have.Durable {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer durable name does not match")
	}
	if want.Description != "" && have.Description != "" && want.Description != have.Description {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer description does not match")
	}
	if want.DeliverPolicy != DeliverPolicyAll && want.DeliverPolicy != have.DeliverPolicy {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer deliver policy does not match")
	}
	if want.OptStartSeq != 0 && want.OptStartSeq != have.OptStartSeq {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer opt-start sequence does not match")
	}
	if !want.OptStartTime.IsZero() && !want.OptStartTime.Equal(have.OptStartTime) {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer opt-start time does not match")
	}
	if want.AckPolicy != AckPolicyNone && want.AckPolicy != have.AckPolicy {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer ack policy does not match")
	}
	if want.AckWait != 0 && want.AckWait != have.AckWait {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer ack wait does not match")
	}
	if want.MaxDeliver != 0 && want.MaxDeliver != have.MaxDeliver {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer max deliver does not match")
	}
	if want.ReplayPolicy != ReplayPolicyInstant && want.ReplayPolicy != have.ReplayPolicy {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer replay policy does not match")
	}
	if want.RateLimitBps != 0 && want.RateLimitBps != have.RateLimitBps {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer rate limit does not match")
	}
	if want.SampleFrequency != "" && want.SampleFrequency != have.SampleFrequency {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer sample frequency does not match")
	}
	if want.MaxWaiting != 0 && want.MaxWaiting != have.MaxWaiting {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer max waiting does not match")
	}
	if want.MaxAckPending != 0 && want.MaxAckPending != have.MaxAckPending {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer max ack pending does not match")
	}
	if want.Heartbeat != 0 && want.Heartbeat != have.Heartbeat {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer idle heartbeat does not match")
	}
	if opts.Pull && have.DeliverSubject != "" {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer is push-bound, cannot pull")
	}
	if !opts.Pull && have.DeliverSubject == "" {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer has no deliver subject, cannot push-subscribe")
	}
	if want.FlowControl && !have.FlowControl {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer does not have flow control enabled")
	}
	if opts.Queue != "" {
		if have.Heartbeat > 0 || have.FlowControl {
			return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer uses idle heartbeat or flow control, cannot queue-subscribe")
		}
		if have.DeliverGroup == "" {
			return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer has no deliver group, cannot queue-subscribe")
		}
		if opts.Queue != have.DeliverGroup {
			return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer deliver group does not match queue")
		}
	}
	if !opts.Pull && opts.Queue == "" && existing.PushBound {
		return ConsumerConfig{}, newStatusError(KindMismatch, "existing consumer is already push-bound to another subscriber")
	}

	return have, nil
}
