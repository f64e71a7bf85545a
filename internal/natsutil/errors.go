// Package natsutil classifies raw nats.go errors into the status kinds the
// rest of the library surfaces to callers.
package natsutil

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
)

// IsTimeout reports whether err represents a request/reply or fetch timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsNoResponders reports whether err indicates the request subject had no
// subscribers to answer it (a "503 No Responders" reply).
func IsNoResponders(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, nats.ErrNoResponders)
}

// IsConnectivityError reports whether err is caused by the underlying
// connection being down, disconnected, or otherwise unreachable, as opposed
// to a well-formed error response from the server.
//
// No caller in this module uses it: Subscribe classifies its consumer
// lookup failures with its own isNotFoundErr and isTimeoutErr.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionDraining) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrNoServers) ||
		IsTimeout(err) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "i/o timeout") ||
		strings.Contains(strings.ToLower(err.Error()), "jetstream not enabled")
}
