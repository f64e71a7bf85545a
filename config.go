package corestream

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// defaultAPIPrefix is the subject prefix used for stream/consumer
// management requests when no domain or explicit prefix is configured.
const defaultAPIPrefix = "$JS.API"

// defaultWait is the request timeout applied when a call does not supply
// its own wait/max_wait.
const defaultWait = 5 * time.Second

// defaultStallWait is how long publish_async blocks a caller once
// max_pending is exceeded before returning a stall error.
const defaultStallWait = 200 * time.Millisecond

// defaultMaxAckPending is applied to a newly created consumer whose ack
// policy requires acknowledgement but did not specify a pending limit.
const defaultMaxAckPending = 1000

// pullExpiryMargin is the heuristic safety margin subtracted from every
// pull request's remaining timeout, so the server-side expiry cannot fire
// after the client's own Fetch deadline. Applied only when the remaining
// budget is at least pullExpiryGuard; below that, the margin would leave
// too little (or negative) time to bother, so the full remaining budget is
// used as-is (see fetch.go's pullExpires).
const (
	pullExpiryMargin = 10 * time.Millisecond
	pullExpiryGuard  = 20 * time.Millisecond
)

// PurgeConfig configures a stream purge request.
type PurgeConfig struct {
	Subject  string
	Sequence uint64
	Keep     uint64
}

// StreamInfoConfig configures a stream info request.
type StreamInfoConfig struct {
	DeletedDetails bool
}

// StreamConfig groups options for stream management operations.
type StreamConfig struct {
	Purge PurgeConfig
	Info  StreamInfoConfig
}

// PubAckErrHandler is invoked exactly when an asynchronously published
// message's ack could not be confirmed successfully. It is never invoked
// on success.
type PubAckErrHandler func(ctx *Ctx, msg *nats.Msg, err *PubAckError)

// PublishAsyncConfig configures the async publish tracker.
type PublishAsyncConfig struct {
	// MaxPending caps the number of outstanding async publishes. Zero means
	// unbounded; Validate rejects negative values.
	MaxPending int
	// StallWait bounds how long a publish_async call blocks once
	// MaxPending is exceeded.
	StallWait time.Duration
	// ErrHandler receives failed publish acks. May be nil, in which case
	// failed acks are silently dropped once received.
	ErrHandler PubAckErrHandler
}

// Config holds Ctx-wide configuration. Zero-valued fields are replaced by
// SetDefaults; construct via DefaultConfig for a ready-to-validate value.
type Config struct {
	// Prefix is the API subject prefix, e.g. "$JS.API". Ignored if Domain
	// is set.
	Prefix string
	// Domain, if non-empty, derives Prefix as "$JS.<Domain>.API".
	Domain string
	// Wait is the default request timeout for synchronous operations.
	Wait time.Duration

	PublishAsync PublishAsyncConfig
	Stream       StreamConfig
}

// DefaultConfig returns a Config with every field set to its documented
// default.
func DefaultConfig() Config {
	cfg := Config{}
	SetDefaults(&cfg)

	return cfg
}

// SetDefaults fills zero-valued fields of cfg with their documented
// defaults, leaving explicit values untouched.
func SetDefaults(cfg *Config) {
	if cfg.Prefix == "" && cfg.Domain == "" {
		cfg.Prefix = defaultAPIPrefix
	}
	if cfg.Wait <= 0 {
		cfg.Wait = defaultWait
	}
	if cfg.PublishAsync.StallWait <= 0 {
		cfg.PublishAsync.StallWait = defaultStallWait
	}
}

// Validate returns an error describing the first invalid field found, or
// nil if cfg is well-formed.
func (cfg *Config) Validate() error {
	if cfg.Wait < 0 {
		return newStatusError(KindInvalidTimeout, "Wait must be non-negative")
	}
	if cfg.PublishAsync.StallWait < 0 {
		return newStatusError(KindInvalidTimeout, "PublishAsync.StallWait must be non-negative")
	}
	if cfg.PublishAsync.MaxPending < 0 {
		return newStatusError(KindInvalidArg, "PublishAsync.MaxPending must be non-negative")
	}

	return nil
}

// resolvedPrefix computes the effective API subject prefix, applying the
// domain-overrides-prefix rule and stripping a trailing dot.
func (cfg *Config) resolvedPrefix() string {
	prefix := cfg.Prefix
	if cfg.Domain != "" {
		prefix = fmt.Sprintf("$JS.%s.API", cfg.Domain)
	}
	if prefix == "" {
		prefix = defaultAPIPrefix
	}
	for len(prefix) > 0 && prefix[len(prefix)-1] == '.' {
		prefix = prefix[:len(prefix)-1]
	}

	return prefix
}
