// Package metrics provides MetricsCollector implementations.
package metrics

import "github.com/arloliu/corestream/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

func (n *NopMetrics) SetPendingPublishCount(_ int)         {}
func (n *NopMetrics) IncrementPublishStall()                {}
func (n *NopMetrics) RecordPublishStallWait(_ float64)      {}
func (n *NopMetrics) RecordAckLatency(_ float64)            {}
func (n *NopMetrics) IncrementSubscriptionCreated(_ bool)   {}
func (n *NopMetrics) IncrementSubscriptionBound(_ bool)     {}
func (n *NopMetrics) IncrementMissedHeartbeat()              {}
func (n *NopMetrics) IncrementSequenceMismatch()             {}
func (n *NopMetrics) RecordFetchBatchSize(_ int)             {}
