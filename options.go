package corestream

import (
	"time"

	"github.com/arloliu/corestream/internal/logger"
	"github.com/arloliu/corestream/internal/metrics"
	"github.com/arloliu/corestream/types"
)

// ctxOptions accumulates Option values before Connect builds a Ctx.
type ctxOptions struct {
	config  Config
	logger  types.Logger
	metrics types.MetricsCollector
}

func defaultCtxOptions() ctxOptions {
	return ctxOptions{
		config:  DefaultConfig(),
		logger:  logger.NewNop(),
		metrics: metrics.NewNop(),
	}
}

// Option configures a Ctx at Connect time.
type Option func(*ctxOptions)

// WithConfig replaces the entire Config, with defaults applied for any
// zero-valued field.
func WithConfig(cfg Config) Option {
	return func(o *ctxOptions) {
		SetDefaults(&cfg)
		o.config = cfg
	}
}

// WithLogger installs a structured logger. Defaults to a no-op logger.
func WithLogger(l types.Logger) Option {
	return func(o *ctxOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics installs a metrics collector. Defaults to a no-op collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(o *ctxOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithDomain sets the JetStream-style account domain, which derives the API
// prefix as "$JS.<domain>.API".
func WithDomain(domain string) Option {
	return func(o *ctxOptions) { o.config.Domain = domain }
}

// WithAPIPrefix overrides the API subject prefix directly. Ignored if a
// domain is also configured.
func WithAPIPrefix(prefix string) Option {
	return func(o *ctxOptions) { o.config.Prefix = prefix }
}

// WithWait sets the default request timeout for synchronous operations.
func WithWait(d time.Duration) Option {
	return func(o *ctxOptions) { o.config.Wait = d }
}

// WithPublishAsyncMaxPending caps the number of outstanding async
// publishes.
func WithPublishAsyncMaxPending(n int) Option {
	return func(o *ctxOptions) { o.config.PublishAsync.MaxPending = n }
}

// WithPublishAsyncStallWait bounds how long publish_async blocks once
// MaxPending is exceeded.
func WithPublishAsyncStallWait(d time.Duration) Option {
	return func(o *ctxOptions) { o.config.PublishAsync.StallWait = d }
}

// WithPublishAsyncErrHandler installs the callback invoked when an async
// publish's ack could not be confirmed successfully.
func WithPublishAsyncErrHandler(fn PubAckErrHandler) Option {
	return func(o *ctxOptions) { o.config.PublishAsync.ErrHandler = fn }
}
