package corestream

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/corestream/internal/testutil"
	"github.com/arloliu/corestream/types"
)

type countingMetrics struct {
	missedHeartbeats atomic.Int64
	seqMismatches    atomic.Int64
}

func (c *countingMetrics) SetPendingPublishCount(int)       {}
func (c *countingMetrics) IncrementPublishStall()           {}
func (c *countingMetrics) RecordPublishStallWait(float64)   {}
func (c *countingMetrics) RecordAckLatency(float64)         {}
func (c *countingMetrics) IncrementSubscriptionCreated(bool) {}
func (c *countingMetrics) IncrementSubscriptionBound(bool)   {}
func (c *countingMetrics) IncrementMissedHeartbeat()         { c.missedHeartbeats.Add(1) }
func (c *countingMetrics) IncrementSequenceMismatch()        { c.seqMismatches.Add(1) }
func (c *countingMetrics) RecordFetchBatchSize(int)          {}

var _ types.MetricsCollector = (*countingMetrics)(nil)

func TestHeartbeatTimeoutReportsMissedAfterSecondSilentWindow(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	cm := &countingMetrics{}

	ctx, err := Connect(nc, WithMetrics(cm))
	require.NoError(t, err)
	defer ctx.Destroy()

	sub := &Subscription{ctx: ctx}
	sub.armHeartbeat(20 * time.Millisecond)
	defer sub.disarmHeartbeat()

	require.Eventually(t, func() bool {
		return cm.missedHeartbeats.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestNoteActivitySuppressesMissedHeartbeat(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	cm := &countingMetrics{}

	ctx, err := Connect(nc, WithMetrics(cm))
	require.NoError(t, err)
	defer ctx.Destroy()

	sub := &Subscription{ctx: ctx}
	sub.armHeartbeat(30 * time.Millisecond)
	defer sub.disarmHeartbeat()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sub.noteActivity()
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 0, cm.missedHeartbeats.Load())
}

func TestCheckSequenceLatchesAndClearsMismatch(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	cm := &countingMetrics{}

	ctx, err := Connect(nc, WithMetrics(cm))
	require.NoError(t, err)
	defer ctx.Destroy()

	sub := &Subscription{ctx: ctx}

	sub.checkSequence(AckMeta{ConsumerSeq: 1})
	_, err = sub.GetSequenceMismatch()
	assert.ErrorIs(t, err, ErrNotFound)

	sub.checkSequence(AckMeta{ConsumerSeq: 3})
	mismatch, err := sub.GetSequenceMismatch()
	require.NoError(t, err)
	assert.EqualValues(t, 1, mismatch.ConsumerClientSeq)
	assert.EqualValues(t, 3, mismatch.ConsumerServerSeq)
	assert.EqualValues(t, 1, cm.seqMismatches.Load())

	sub.checkSequence(AckMeta{ConsumerSeq: 4})
	_, err = sub.GetSequenceMismatch()
	assert.ErrorIs(t, err, ErrNotFound)
}
