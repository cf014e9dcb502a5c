package protocol

import "errors"

// Error kinds surfaced by protocol calls. Callers use errors.Is/errors.As.
var (
	// ErrProtocol marks a malformed remote response or schema mismatch;
	// fatal to the current replication run.
	ErrProtocol = errors.New("protocol: malformed response")

	// ErrTransport marks a transient network/HTTP failure (timeout, 5xx);
	// retried within the configured budget.
	ErrTransport = errors.New("protocol: transport error")

	// ErrAuth marks a 401/403 response. A single interceptor-driven replay
	// is attempted; a second failure is fatal.
	ErrAuth = errors.New("protocol: auth error")

	// ErrCancelled marks a cooperative cancellation observed at a
	// suspension point.
	ErrCancelled = errors.New("protocol: cancelled")
)
