// Package replication ties the protocol client, state machine, and pull/push
// pipelines into the public Replicator type.
package replication

import "github.com/steveyegge/docreplica/internal/replication/protocol"

// Error kinds surfaced by the replicator. These alias the protocol
// package's sentinels so errors.Is works whether a caller checks against
// replication.ErrTransport or protocol.ErrTransport.
var (
	ErrProtocol  = protocol.ErrProtocol
	ErrTransport = protocol.ErrTransport
	ErrAuth      = protocol.ErrAuth
	ErrCancelled = protocol.ErrCancelled
)
