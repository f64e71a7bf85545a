package corestream

import (
	"time"

	"github.com/nats-io/nats.go"
)

// AckPolicy mirrors the streaming service's consumer ack policy.
type AckPolicy int

const (
	AckPolicyNone AckPolicy = iota
	AckPolicyAll
	AckPolicyExplicit
)

// DeliverPolicy mirrors the streaming service's consumer deliver policy.
type DeliverPolicy int

const (
	DeliverPolicyAll DeliverPolicy = iota
	DeliverPolicyLast
	DeliverPolicyNew
	DeliverPolicyByStartSequence
	DeliverPolicyByStartTime
	DeliverPolicyLastPerSubject
)

// ReplayPolicy mirrors the streaming service's consumer replay policy.
type ReplayPolicy int

const (
	ReplayPolicyInstant ReplayPolicy = iota
	ReplayPolicyOriginal
)

// ConsumerConfig is the subset of consumer configuration this library
// negotiates with the server. Fields left at their zero value are treated
// as "unspecified by the user" for the purposes of the config-diff rule in
// the subscription factory: an unspecified field never triggers rejection
// against a differing server value.
type ConsumerConfig struct {
	Durable         string
	Description     string
	DeliverSubject  string
	DeliverGroup    string
	FilterSubject   string
	AckPolicy       AckPolicy
	AckWait         time.Duration
	MaxDeliver      int
	DeliverPolicy   DeliverPolicy
	OptStartSeq     uint64
	OptStartTime    time.Time
	ReplayPolicy    ReplayPolicy
	RateLimitBps    uint64
	SampleFrequency string
	MaxWaiting      int
	MaxAckPending   int
	FlowControl     bool
	Heartbeat       time.Duration
}

// ConsumerInfo is the subset of server-reported consumer state this
// library inspects when reconciling against user intent.
type ConsumerInfo struct {
	Name       string
	Stream     string
	Config     ConsumerConfig
	PushBound  bool
	NumPending uint64
}

// PubOpts configures a single publish (sync or async).
type PubOpts struct {
	MsgID                    string
	ExpectedLastMsgID        string
	ExpectedStream           string
	ExpectedLastSeq          uint64
	ExpectedLastSubjectSeq   uint64
	HasExpectedLastSeq       bool
	HasExpectedLastSubjSeq   bool
	MaxWait                  time.Duration
}

// PubAck is the decoded response to a successful synchronous publish.
type PubAck struct {
	Stream    string
	Sequence  uint64
	Duplicate bool
	Domain    string
}

// PubAckError describes why an asynchronously published message's ack was
// not a plain success. Msg is the original message; the handler is free to
// republish it.
type PubAckError struct {
	Msg     *nats.Msg
	Kind    ErrorKind
	ErrCode int
	Text    string
}

func (e *PubAckError) Error() string {
	if e.ErrCode != 0 {
		return e.Kind.String() + ": " + e.Text
	}

	return e.Kind.String()
}

// SubOpts configures Subscribe.
type SubOpts struct {
	Stream       string
	Consumer     string
	Queue        string
	Config       ConsumerConfig
	ManualAck    bool
	Pull         bool
	MaxWait      time.Duration
	OptStartSeq  uint64
	OptStartTime time.Time
}

// MsgHandler processes a message delivered to a subscription.
type MsgHandler func(msg *Msg)

// AckMeta is the parsed content of an ack subject, as produced by the
// meta-data parser (see meta.go).
type AckMeta struct {
	Domain        string
	AccountHash   string
	Stream        string
	Consumer      string
	NumDelivered  uint64
	StreamSeq     uint64
	ConsumerSeq   uint64
	Timestamp     uint64
	NumPending    uint64
}

// SequenceMismatch reports a detected gap between what the client has
// observed (ConsumerClientSeq) and what the server last delivered
// (ConsumerServerSeq), from GetSequenceMismatch.
type SequenceMismatch struct {
	StreamSeq         uint64
	ConsumerClientSeq uint64
	ConsumerServerSeq uint64
}

// apiResponse is the envelope every management request reply is decoded
// into. Out of scope for JSON shape ownership (see SPEC_FULL §1); this is
// the minimal shape this library needs to detect success vs. server error.
type apiResponse struct {
	Type  string `json:"type,omitempty"`
	Error *struct {
		Code        int    `json:"code"`
		ErrCode     int    `json:"err_code"`
		Description string `json:"description"`
	} `json:"error,omitempty"`
}
