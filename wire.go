package corestream

import "time"

// Wire payload shapes for stream/consumer management requests. Per
// SPEC_FULL §1 these shapes are nominally an external collaborator's
// concern; the concrete JSON below is this library's best-effort
// approximation of the streaming service's actual contract, kept minimal
// enough to drive the reconciliation logic in subscribe.go without
// depending on a jetstream client package.

type wireStreamNamesRequest struct {
	Subject string `json:"subject"`
}

type wireStreamNamesResponse struct {
	apiResponse
	Streams []string `json:"streams"`
}

type wireConsumerConfig struct {
	Durable         string  `json:"durable_name,omitempty"`
	Description     string  `json:"description,omitempty"`
	DeliverSubject  string  `json:"deliver_subject,omitempty"`
	DeliverGroup    string  `json:"deliver_group,omitempty"`
	FilterSubject   string  `json:"filter_subject,omitempty"`
	AckPolicy       string  `json:"ack_policy,omitempty"`
	AckWaitNanos    int64   `json:"ack_wait,omitempty"`
	MaxDeliver      int     `json:"max_deliver,omitempty"`
	DeliverPolicy   string  `json:"deliver_policy,omitempty"`
	OptStartSeq     uint64  `json:"opt_start_seq,omitempty"`
	OptStartTime    *string `json:"opt_start_time,omitempty"`
	ReplayPolicy    string  `json:"replay_policy,omitempty"`
	RateLimitBps    uint64  `json:"rate_limit_bps,omitempty"`
	SampleFrequency string  `json:"sample_freq,omitempty"`
	MaxWaiting      int     `json:"max_waiting,omitempty"`
	MaxAckPending   int     `json:"max_ack_pending,omitempty"`
	FlowControl     bool    `json:"flow_control,omitempty"`
	HeartbeatNanos  int64   `json:"idle_heartbeat,omitempty"`
}

func toWireConfig(cfg ConsumerConfig) wireConsumerConfig {
	w := wireConsumerConfig{
		Durable:         cfg.Durable,
		Description:     cfg.Description,
		DeliverSubject:  cfg.DeliverSubject,
		DeliverGroup:    cfg.DeliverGroup,
		FilterSubject:   cfg.FilterSubject,
		AckPolicy:       ackPolicyToWire(cfg.AckPolicy),
		AckWaitNanos:    int64(cfg.AckWait),
		MaxDeliver:      cfg.MaxDeliver,
		DeliverPolicy:   deliverPolicyToWire(cfg.DeliverPolicy),
		OptStartSeq:     cfg.OptStartSeq,
		ReplayPolicy:    replayPolicyToWire(cfg.ReplayPolicy),
		RateLimitBps:    cfg.RateLimitBps,
		SampleFrequency: cfg.SampleFrequency,
		MaxWaiting:      cfg.MaxWaiting,
		MaxAckPending:   cfg.MaxAckPending,
		FlowControl:     cfg.FlowControl,
		HeartbeatNanos:  int64(cfg.Heartbeat),
	}
	if !cfg.OptStartTime.IsZero() {
		s := cfg.OptStartTime.Format(time.RFC3339Nano)
		w.OptStartTime = &s
	}

	return w
}

func fromWireConfig(w wireConsumerConfig) ConsumerConfig {
	cfg := ConsumerConfig{
		Durable:         w.Durable,
		Description:     w.Description,
		DeliverSubject:  w.DeliverSubject,
		DeliverGroup:    w.DeliverGroup,
		FilterSubject:   w.FilterSubject,
		AckPolicy:       ackPolicyFromWire(w.AckPolicy),
		AckWait:         time.Duration(w.AckWaitNanos),
		MaxDeliver:      w.MaxDeliver,
		DeliverPolicy:   deliverPolicyFromWire(w.DeliverPolicy),
		OptStartSeq:     w.OptStartSeq,
		ReplayPolicy:    replayPolicyFromWire(w.ReplayPolicy),
		RateLimitBps:    w.RateLimitBps,
		SampleFrequency: w.SampleFrequency,
		MaxWaiting:      w.MaxWaiting,
		MaxAckPending:   w.MaxAckPending,
		FlowControl:     w.FlowControl,
		Heartbeat:       time.Duration(w.HeartbeatNanos),
	}
	if w.OptStartTime != nil {
		if t, err := time.Parse(time.RFC3339Nano, *w.OptStartTime); err == nil {
			cfg.OptStartTime = t
		}
	}

	return cfg
}

func ackPolicyToWire(p AckPolicy) string {
	switch p {
	case AckPolicyAll:
		return "all"
	case AckPolicyExplicit:
		return "explicit"
	default:
		return "none"
	}
}

func ackPolicyFromWire(s string) AckPolicy {
	switch s {
	case "all":
		return AckPolicyAll
	case "explicit":
		return AckPolicyExplicit
	default:
		return AckPolicyNone
	}
}

func deliverPolicyToWire(p DeliverPolicy) string {
	switch p {
	case DeliverPolicyLast:
		return "last"
	case DeliverPolicyNew:
		return "new"
	case DeliverPolicyByStartSequence:
		return "by_start_sequence"
	case DeliverPolicyByStartTime:
		return "by_start_time"
	case DeliverPolicyLastPerSubject:
		return "last_per_subject"
	default:
		return "all"
	}
}

func deliverPolicyFromWire(s string) DeliverPolicy {
	switch s {
	case "last":
		return DeliverPolicyLast
	case "new":
		return DeliverPolicyNew
	case "by_start_sequence":
		return DeliverPolicyByStartSequence
	case "by_start_time":
		return DeliverPolicyByStartTime
	case "last_per_subject":
		return DeliverPolicyLastPerSubject
	default:
		return DeliverPolicyAll
	}
}

func replayPolicyToWire(p ReplayPolicy) string {
	if p == ReplayPolicyOriginal {
		return "original"
	}

	return "instant"
}

func replayPolicyFromWire(s string) ReplayPolicy {
	if s == "original" {
		return ReplayPolicyOriginal
	}

	return ReplayPolicyInstant
}

type wireConsumerInfo struct {
	apiResponse
	Name       string             `json:"name"`
	StreamName string             `json:"stream_name"`
	Config     wireConsumerConfig `json:"config"`
	PushBound  bool               `json:"push_bound,omitempty"`
	NumPending uint64             `json:"num_pending"`
}

func (w wireConsumerInfo) toConsumerInfo() ConsumerInfo {
	return ConsumerInfo{
		Name:       w.Name,
		Stream:     w.StreamName,
		Config:     fromWireConfig(w.Config),
		PushBound:  w.PushBound,
		NumPending: w.NumPending,
	}
}

type wireCreateConsumerRequest struct {
	StreamName string             `json:"stream_name"`
	Config     wireConsumerConfig `json:"config"`
}

// Streaming-service error codes this library treats specially when
// reconciling a racing consumer create.
const (
	errCodeConsumerNameExist     = 10148
	errCodeConsumerExistingActive = 10105
)
