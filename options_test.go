package corestream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/arloliu/corestream/internal/logger"
	"github.com/arloliu/corestream/internal/metrics"
)

func TestDefaultCtxOptions(t *testing.T) {
	o := defaultCtxOptions()

	assert.IsType(t, &logger.NopLogger{}, o.logger)
	assert.IsType(t, &metrics.NopMetrics{}, o.metrics)
	assert.Equal(t, defaultAPIPrefix, o.config.Prefix)
}

func TestWithDomainSetsPrefix(t *testing.T) {
	o := defaultCtxOptions()
	WithDomain("hub")(&o)

	assert.Equal(t, "hub", o.config.Domain)
	assert.Equal(t, "$JS.hub.API", o.config.resolvedPrefix())
}

func TestWithAPIPrefix(t *testing.T) {
	o := defaultCtxOptions()
	WithAPIPrefix("$CUSTOM.API")(&o)

	assert.Equal(t, "$CUSTOM.API", o.config.Prefix)
}

func TestWithWait(t *testing.T) {
	o := defaultCtxOptions()
	WithWait(2 * time.Second)(&o)

	assert.Equal(t, 2*time.Second, o.config.Wait)
}

func TestWithPublishAsyncOptions(t *testing.T) {
	o := defaultCtxOptions()
	WithPublishAsyncMaxPending(50)(&o)
	WithPublishAsyncStallWait(10 * time.Millisecond)(&o)

	assert.Equal(t, 50, o.config.PublishAsync.MaxPending)
	assert.Equal(t, 10*time.Millisecond, o.config.PublishAsync.StallWait)
}

func TestWithConfigOverridesWholesale(t *testing.T) {
	o := defaultCtxOptions()
	WithConfig(Config{Prefix: "$OTHER.API", Wait: time.Second})(&o)

	assert.Equal(t, "$OTHER.API", o.config.Prefix)
	assert.Equal(t, time.Second, o.config.Wait)
}
