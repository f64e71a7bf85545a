package corestream

// Delivery supervision: idle-heartbeat detection and consumer
// sequence-mismatch tracking for an established Subscription. Both are
// passive observers over the message stream a Subscription already
// receives; neither owns the transport subscription itself.

import "time"

// noteActivity marks the subscription as having seen traffic (a user
// message, heartbeat frame, or flow-control frame) within the current
// heartbeat window, and rearms the timer.
func (s *Subscription) noteActivity() {
	s.hbMu.Lock()
	s.active = true
	if s.hbTimer != nil {
		s.hbTimer.Reset(s.hbInterval)
	}
	s.hbMu.Unlock()
}

// armHeartbeat starts the idle-heartbeat timer with the given interval, as
// negotiated with the server during subscription bootstrapping.
func (s *Subscription) armHeartbeat(interval time.Duration) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()

	s.hbInterval = interval
	s.active = true
	s.hbTimer = time.AfterFunc(interval, s.onHeartbeatTimeout)
}

func (s *Subscription) disarmHeartbeat() {
	s.hbMu.Lock()
	if s.hbTimer != nil {
		s.hbTimer.Stop()
		s.hbTimer = nil
	}
	s.hbMu.Unlock()
}

// onHeartbeatTimeout fires when no activity of any kind (user message or
// idle-heartbeat frame) was observed for a full interval. It clears the
// active flag and reports a missed heartbeat only if the flag was already
// clear, i.e. the previous window was silent too; the first silent window
// after activity is forgiven. It keeps the timer armed, since the server
// may still recover.
func (s *Subscription) onHeartbeatTimeout() {
	if s.closed.Load() {
		return
	}

	s.hbMu.Lock()
	wasActive := s.active
	s.active = false
	if s.hbTimer != nil {
		s.hbTimer.Reset(s.hbInterval)
	}
	s.hbMu.Unlock()

	if !wasActive {
		s.ctx.metrics.IncrementMissedHeartbeat()
		s.ctx.logger.Warn("missed idle heartbeat", "stream", s.stream, "consumer", s.consumer)
	}
}

// checkSequence updates the subscription's view of consumer delivery
// sequence from a newly observed ack-subject and latches a mismatch the
// first time a gap is detected. The latch is cleared once a subsequent
// observation shows the gap resolved, so a caller polling
// GetSequenceMismatch sees at most one report per unresolved gap.
func (s *Subscription) checkSequence(meta AckMeta) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	if s.haveMeta && meta.ConsumerSeq > s.lastMeta.ConsumerSeq+1 && !s.mismatchLatched {
		s.mismatch = &SequenceMismatch{
			StreamSeq:         meta.StreamSeq,
			ConsumerClientSeq: s.lastMeta.ConsumerSeq,
			ConsumerServerSeq: meta.ConsumerSeq,
		}
		s.mismatchLatched = true
		s.ctx.metrics.IncrementSequenceMismatch()
	} else if meta.ConsumerSeq == s.lastMeta.ConsumerSeq+1 {
		s.mismatch = nil
		s.mismatchLatched = false
	}

	s.haveMeta = true
	s.lastMeta = meta

	s.fcMu.Lock()
	s.delivered++
	fcReply, threshold, fcDelivered := s.fcReply, s.fcThreshold, s.delivered
	s.fcMu.Unlock()

	if fcReply != "" && fcDelivered >= threshold {
		s.fcMu.Lock()
		s.fcReply = ""
		s.fcMu.Unlock()
		_ = s.ctx.conn.Publish(fcReply, nil)
	}
}
