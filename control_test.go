package corestream

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/corestream/internal/testutil"
)

func TestFlowControlRequestArmsAndResumesOnThreshold(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)

	ctx, err := Connect(nc)
	require.NoError(t, err)
	defer ctx.Destroy()

	sub := &Subscription{ctx: ctx}

	resumed := make(chan struct{}, 1)
	testutil.Responder(t, nc, "fc.reply", func(*nats.Msg) {
		select {
		case resumed <- struct{}{}:
		default:
		}
	})

	fcFrame := nats.NewMsg("deliver.subject")
	fcFrame.Reply = "fc.reply"
	fcFrame.Header = nats.Header{
		headerStatus:      []string{statusIdleOrFlowControl},
		headerDescription: []string{descriptionFlowControl},
	}

	sub.handleControlMsg(fcFrame)

	sub.fcMu.Lock()
	reply, threshold := sub.fcReply, sub.fcThreshold
	sub.fcMu.Unlock()
	assert.Equal(t, "fc.reply", reply)
	assert.EqualValues(t, 0, threshold)

	sub.checkSequence(AckMeta{ConsumerSeq: 1})
	require.NoError(t, nc.Flush())

	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("flow control resume was not published once threshold was reached")
	}

	sub.fcMu.Lock()
	reply = sub.fcReply
	sub.fcMu.Unlock()
	assert.Empty(t, reply, "fcReply must be cleared after resume is sent")
}

func TestIdleHeartbeatDetectsAndClearsSequenceMismatch(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)

	ctx, err := Connect(nc)
	require.NoError(t, err)
	defer ctx.Destroy()

	sub := &Subscription{ctx: ctx}
	sub.checkSequence(AckMeta{ConsumerSeq: 5, StreamSeq: 50})

	mismatched := nats.NewMsg("deliver.subject")
	mismatched.Header = nats.Header{
		headerStatus:       []string{statusIdleOrFlowControl},
		headerLastConsumer: []string{"7"},
	}
	sub.handleControlMsg(mismatched)

	mismatch, err := sub.GetSequenceMismatch()
	require.NoError(t, err)
	assert.EqualValues(t, 5, mismatch.ConsumerClientSeq)
	assert.EqualValues(t, 7, mismatch.ConsumerServerSeq)

	resolved := nats.NewMsg("deliver.subject")
	resolved.Header = nats.Header{
		headerStatus:       []string{statusIdleOrFlowControl},
		headerLastConsumer: []string{"5"},
	}
	sub.handleControlMsg(resolved)

	_, err = sub.GetSequenceMismatch()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumerStalledHeaderRepliesImmediately(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)

	ctx, err := Connect(nc)
	require.NoError(t, err)
	defer ctx.Destroy()

	sub := &Subscription{ctx: ctx}

	resumed := make(chan struct{}, 1)
	testutil.Responder(t, nc, "stall.reply", func(*nats.Msg) {
		select {
		case resumed <- struct{}{}:
		default:
		}
	})

	stalled := nats.NewMsg("deliver.subject")
	stalled.Header = nats.Header{headerConsumerStalled: []string{"stall.reply"}}
	sub.handleControlMsg(stalled)
	require.NoError(t, nc.Flush())

	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("Nats-Consumer-Stalled reply was not published")
	}
}
