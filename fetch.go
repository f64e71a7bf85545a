package corestream

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

type pullRequest struct {
	Batch   int   `json:"batch"`
	Expires int64 `json:"expires,omitempty"`
	NoWait  bool  `json:"no_wait,omitempty"`
}

// Fetch pulls up to batch messages, blocking up to maxWait (falling back
// to the Ctx's configured default when maxWait<=0). It first drains any
// messages already buffered locally from a previous over-delivery. For
// batch>1 it then probes the server with no_wait and, on an empty result,
// transitions to a single blocking pull for the remaining budget; for
// batch==1 there is nothing a no_wait probe would save, so it goes
// straight to a blocking pull. Both pulls reuse the same subscription
// inbox as the reply subject.
//
// Any user message collected before the deadline is a success, even if
// fewer than batch were obtained.
func (s *Subscription) Fetch(batch int, maxWait time.Duration) ([]*Msg, error) {
	if !s.pull {
		return nil, ErrInvalidSubscription
	}
	if s.closed.Load() {
		return nil, ErrIllegalState
	}
	if batch <= 0 {
		batch = 1
	}
	if maxWait <= 0 {
		maxWait = s.ctx.wait
	}
	deadline := time.Now().Add(maxWait)

	if out := s.drainLocal(batch); len(out) > 0 {
		s.ctx.metrics.RecordFetchBatchSize(len(out))
		return out, nil
	}

	// A single-message fetch has nothing to gain from a no_wait probe: there
	// is no "still needs more after this" case to short-circuit, so go
	// straight to a blocking pull for the full budget.
	blockingSent := batch <= 1
	if blockingSent {
		if err := s.sendPullRequest(batch, pullExpires(maxWait), false); err != nil {
			return nil, err
		}
	} else {
		if err := s.sendPullRequest(batch, pullExpires(maxWait), true); err != nil {
			return nil, err
		}
	}

	for {
		s.pullMu.Lock()
		waitCondDeadline(s.pullCond, deadline, func() bool {
			return len(s.pullQueue) > 0 || s.lastStatus != nil || s.closed.Load()
		})

		if s.closed.Load() {
			s.pullMu.Unlock()

			return nil, ErrIllegalState
		}

		if len(s.pullQueue) > 0 {
			var out []*Msg
			if len(s.pullQueue) <= batch {
				out, s.pullQueue = s.pullQueue, nil
			} else {
				out, s.pullQueue = s.pullQueue[:batch], s.pullQueue[batch:]
			}
			s.pullMu.Unlock()
			s.ctx.metrics.RecordFetchBatchSize(len(out))

			return out, nil
		}

		status := s.lastStatus
		s.lastStatus = nil
		s.pullMu.Unlock()

		if status != nil {
			switch status.Header.Get(headerStatus) {
			case "404":
				if !blockingSent {
					blockingSent = true
					remaining := time.Until(deadline)
					if remaining <= 0 {
						return nil, ErrTimeout
					}
					if err := s.sendPullRequest(batch, pullExpires(remaining), false); err != nil {
						return nil, err
					}
				}

				continue
			case "408":
				return nil, ErrTimeout
			case "503":
				return nil, ErrNoResponders
			default:
				continue
			}
		}

		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}
	}
}

// pullExpires applies the pull-request expiry safety margin to remaining:
// the server-side expires is set pullExpiryMargin short of the client's
// own remaining budget, so the server's timeout status cannot arrive after
// the client's Fetch deadline has already given up waiting. Below
// pullExpiryGuard of remaining budget the margin would leave too little
// (or negative) time to be worth it, so the full remaining budget is used
// as-is.
func pullExpires(remaining time.Duration) time.Duration {
	if remaining >= pullExpiryGuard {
		return remaining - pullExpiryMargin
	}

	return remaining
}

func (s *Subscription) drainLocal(batch int) []*Msg {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()

	if len(s.pullQueue) == 0 {
		return nil
	}
	if len(s.pullQueue) <= batch {
		out := s.pullQueue
		s.pullQueue = nil

		return out
	}
	out := s.pullQueue[:batch]
	s.pullQueue = s.pullQueue[batch:]

	return out
}

func (s *Subscription) sendPullRequest(batch int, expires time.Duration, noWait bool) error {
	req := pullRequest{Batch: batch, NoWait: noWait}
	if expires > 0 {
		req.Expires = expires.Nanoseconds()
	}

	data, err := json.Marshal(req)
	if err != nil {
		return wrapStatusError(KindInvalidArg, "failed to marshal pull request", err)
	}

	msg := nats.NewMsg(s.nextMsgSubject)
	msg.Data = data
	msg.Reply = s.deliverSubject

	if err := s.ctx.conn.PublishMsg(msg); err != nil {
		return wrapStatusError(KindErr, "failed to publish pull request", err)
	}

	return nil
}
