package corestream

import (
	"strconv"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"
)

// ackSubjectPrefix is the fixed prefix of every ack subject.
const ackSubjectPrefix = "$JS.ACK."

const (
	metaFieldCount   = 9
	metaV1TokenCount = 7
)

// metaCache memoizes parsed ack-subject metadata by a digest of the raw
// subject string. It is fed the reply subjects of data messages only
// (control frames never reach it). Each ack subject embeds per-delivery
// sequence numbers and a timestamp, so a lookup hits only when the exact
// same subject is seen again. Entries are never evicted: the cache grows
// by one entry per distinct ack subject over the subscription's lifetime.
type metaCache struct {
	mu    sync.RWMutex
	byKey map[uint64]AckMeta
}

func newMetaCache() *metaCache {
	return &metaCache{byKey: make(map[uint64]AckMeta)}
}

func (c *metaCache) get(subject string) (AckMeta, bool) {
	key := xxh3.HashString(subject)
	c.mu.RLock()
	m, ok := c.byKey[key]
	c.mu.RUnlock()

	return m, ok
}

func (c *metaCache) put(subject string, m AckMeta) {
	key := xxh3.HashString(subject)
	c.mu.Lock()
	c.byKey[key] = m
	c.mu.Unlock()
}

// parseAckSubject tokenizes an ack subject into its metadata fields.
//
// Two wire formats are accepted:
//   - v1: exactly 7 dot-tokens after the "$JS.ACK." prefix; two empty
//     tokens (domain, account hash) are prepended to normalize to 9.
//   - v2: 9 or more tokens; only the first 9 are used.
//
// A domain token of "_" means "no domain" in both formats.
func parseAckSubject(subject string) (AckMeta, error) {
	rest := strings.TrimPrefix(subject, ackSubjectPrefix)
	if rest == subject {
		return AckMeta{}, newStatusError(KindErr, "not an ack subject: "+subject)
	}

	tokens := strings.Split(rest, ".")

	switch {
	case len(tokens) == metaV1TokenCount:
		tokens = append([]string{"_", ""}, tokens...)
	case len(tokens) >= metaFieldCount:
		tokens = tokens[:metaFieldCount]
	default:
		return AckMeta{}, newStatusError(KindErr, "malformed ack subject: "+subject)
	}

	m := AckMeta{
		Domain:      tokens[0],
		AccountHash: tokens[1],
		Stream:      tokens[2],
		Consumer:    tokens[3],
	}
	if m.Domain == "_" {
		m.Domain = ""
	}

	nums := make([]uint64, 5)
	for i, tok := range tokens[4:9] {
		v, err := strconv.ParseUint(tok, 10, 64)
		if err != nil {
			return AckMeta{}, wrapStatusError(KindErr, "malformed ack subject numeric field: "+subject, err)
		}
		nums[i] = v
	}
	m.NumDelivered = nums[0]
	m.StreamSeq = nums[1]
	m.ConsumerSeq = nums[2]
	m.Timestamp = nums[3]
	m.NumPending = nums[4]

	return m, nil
}
