package corestream

import (
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

const (
	ackPayloadAck        = "+ACK"
	ackPayloadNak        = "-NAK"
	ackPayloadInProgress = "+WPI"
	ackPayloadTerm       = "+TERM"
)

// Msg wraps a delivered *nats.Msg with the ack-reply bookkeeping the
// streaming service's protocol requires. It is only produced by a
// Subscription; a Msg obtained from Publish/PublishAsync replies has no
// ack semantics.
type Msg struct {
	*nats.Msg

	sub   *Subscription
	acked atomic.Bool
}

// Ack acknowledges successful processing. A second call on the same
// message is a no-op, satisfying the at-most-once ack contract.
func (m *Msg) Ack() error { return m.sendAck(ackPayloadAck, true) }

// Nak signals that processing failed and the message should be redelivered.
func (m *Msg) Nak() error { return m.sendAck(ackPayloadNak, true) }

// Term signals that the message should not be redelivered.
func (m *Msg) Term() error { return m.sendAck(ackPayloadTerm, true) }

// InProgress resets the ack-wait timer without flipping the acked latch,
// so a later Ack/Nak/Term on the same message still takes effect.
func (m *Msg) InProgress() error { return m.sendAck(ackPayloadInProgress, false) }

// AckSync acknowledges successful processing and waits for the streaming
// service to confirm the ack was received.
func (m *Msg) AckSync() error {
	if err := m.checkAckable(); err != nil {
		return err
	}
	if !m.acked.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := m.sub.ctx.contextOrDefault(0)
	defer cancel()

	_, err := m.sub.ctx.conn.RequestWithContext(ctx, m.Reply, []byte(ackPayloadAck))
	if err != nil {
		m.acked.Store(false)

		return wrapStatusError(KindErr, "ack_sync failed", err)
	}

	return nil
}

func (m *Msg) sendAck(payload string, terminal bool) error {
	if err := m.checkAckable(); err != nil {
		return err
	}
	if terminal && !m.acked.CompareAndSwap(false, true) {
		return nil
	}

	if err := m.sub.ctx.conn.Publish(m.Reply, []byte(payload)); err != nil {
		if terminal {
			m.acked.Store(false)
		}

		return wrapStatusError(KindErr, "failed to publish ack", err)
	}

	return nil
}

func (m *Msg) checkAckable() error {
	if m.sub == nil {
		return newStatusError(KindInvalidSubscription, "message does not belong to a subscription")
	}
	if m.Reply == "" {
		return newStatusError(KindInvalidArg, "message has no ack-reply subject")
	}

	return nil
}
