package corestream

import (
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/arloliu/corestream/internal/natsutil"
)

const (
	headerMsgID                = "Nats-Msg-Id"
	headerExpectedLastMsgID    = "Nats-Expected-Last-Msg-Id"
	headerExpectedStream       = "Nats-Expected-Stream"
	headerExpectedLastSeq      = "Nats-Expected-Last-Sequence"
	headerExpectedLastSubjSeq  = "Nats-Expected-Last-Subject-Sequence"
	headerLastConsumer         = "Nats-Last-Consumer"
	headerStatus               = "Status"
	headerDescription          = "Description"
	headerConsumerStalled      = "Nats-Consumer-Stalled"

	statusIdleOrFlowControl  = "100"
	descriptionFlowControl   = "FlowControl Request"
)

func applyPubHeaders(msg *nats.Msg, opts PubOpts) {
	if opts.MsgID != "" {
		msg.Header.Set(headerMsgID, opts.MsgID)
	}
	if opts.ExpectedLastMsgID != "" {
		msg.Header.Set(headerExpectedLastMsgID, opts.ExpectedLastMsgID)
	}
	if opts.ExpectedStream != "" {
		msg.Header.Set(headerExpectedStream, opts.ExpectedStream)
	}
	if opts.HasExpectedLastSeq {
		msg.Header.Set(headerExpectedLastSeq, uitoa(opts.ExpectedLastSeq))
	}
	if opts.HasExpectedLastSubjSeq {
		msg.Header.Set(headerExpectedLastSubjSeq, uitoa(opts.ExpectedLastSubjectSeq))
	}
}

// Publish performs a synchronous publish: it sends msg as a request and
// waits for the streaming service to acknowledge persistence.
//
// The wait used is opts.MaxWait if positive, else the Ctx's configured
// default.
func (c *Ctx) Publish(subject string, data []byte, opts PubOpts) (*PubAck, error) {
	if err := c.checkNotDestroyed(); err != nil {
		return nil, err
	}
	if subject == "" {
		return nil, newStatusError(KindInvalidArg, "subject must not be empty")
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	applyPubHeaders(msg, opts)

	ctx, cancel := c.contextOrDefault(opts.MaxWait)
	defer cancel()

	reply, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		switch {
		case natsutil.IsNoResponders(err):
			return nil, wrapStatusError(KindNoResponders, "no responders for "+subject, err)
		case natsutil.IsTimeout(err):
			return nil, wrapStatusError(KindTimeout, "publish to "+subject+" timed out", err)
		default:
			return nil, wrapStatusError(KindErr, "publish to "+subject+" failed", err)
		}
	}

	var env struct {
		apiResponse
		Stream    string `json:"stream"`
		Seq       uint64 `json:"seq"`
		Duplicate bool   `json:"duplicate"`
		Domain    string `json:"domain"`
	}
	if err := json.Unmarshal(reply.Data, &env); err != nil {
		return nil, wrapStatusError(KindErr, "failed to decode publish ack", err)
	}
	if env.Error != nil {
		code := env.Error.ErrCode
		if code == 0 {
			code = env.Error.Code
		}

		return nil, newErrCodeError(code, env.Error.Description)
	}

	return &PubAck{Stream: env.Stream, Sequence: env.Seq, Duplicate: env.Duplicate, Domain: env.Domain}, nil
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}

	return string(buf[i:])
}
