// Package docreplica provides a minimal public API for embedding a
// multi-version document store and a CouchDB-style replicator in a mobile
// or desktop application.
//
// Most callers only need Open, a Store, and a Replicator built with New.
// The internal packages are not intended for direct import.
package docreplica

import (
	"context"

	"github.com/steveyegge/docreplica/internal/blobstore"
	"github.com/steveyegge/docreplica/internal/config"
	"github.com/steveyegge/docreplica/internal/docstore"
	"github.com/steveyegge/docreplica/internal/eventbus"
	"github.com/steveyegge/docreplica/internal/replication"
	"github.com/steveyegge/docreplica/internal/replication/protocol"
	"github.com/steveyegge/docreplica/internal/sqlexec"
)

// Core document store types
type (
	Store            = docstore.Store
	DocumentRevision = docstore.DocumentRevision
	Changes          = docstore.Changes
	Attachment       = docstore.Attachment
	AttachmentInput  = docstore.AttachmentInput
)

// Configuration
type (
	StoreConfig      = config.StoreConfig
	ReplicatorConfig = config.ReplicatorConfig
)

// DefaultStoreConfig and DefaultReplicatorConfig seed a new application with
// the same defaults the replicator and storage layers use internally.
var (
	DefaultStoreConfig      = config.DefaultStoreConfig
	DefaultReplicatorConfig = config.DefaultReplicatorConfig
)

// Event bus, for observing document mutations and replication lifecycle.
type (
	Bus         = eventbus.Bus
	Handler     = eventbus.Handler
	Event       = eventbus.Event
	EventType   = eventbus.EventType
	EventResult = eventbus.Result
)

const (
	EventDocumentCreated     = eventbus.EventDocumentCreated
	EventDocumentUpdated     = eventbus.EventDocumentUpdated
	EventDocumentDeleted     = eventbus.EventDocumentDeleted
	EventReplicationStarted  = eventbus.EventReplicationStarted
	EventReplicationComplete = eventbus.EventReplicationComplete
	EventReplicationErrored  = eventbus.EventReplicationErrored
)

// NewBus constructs an event bus with no handlers registered.
func NewBus() *Bus { return eventbus.New() }

// Replication: protocol client, wire types, and the Replicator state machine.
type (
	Client           = protocol.Client
	HTTPClient       = protocol.HTTPClient
	HTTPClientConfig = protocol.HTTPClientConfig
	Interceptor      = protocol.Interceptor
	RequestContext   = protocol.RequestContext
	ResponseContext  = protocol.ResponseContext
	Fake             = protocol.Fake

	Replicator = replication.Replicator
	Listener   = replication.Listener
	Stats      = replication.Stats
	State      = replication.State
	Direction  = replication.Direction
)

const (
	DirectionPull = replication.DirectionPull
	DirectionPush = replication.DirectionPush

	StatePending  = replication.StatePending
	StateStarted  = replication.StateStarted
	StateStopping = replication.StateStopping
	StateStopped  = replication.StateStopped
	StateComplete = replication.StateComplete
	StateError    = replication.StateError
)

// NewHTTPClient builds a protocol.Client that talks to a CouchDB-style
// remote endpoint over HTTP.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient { return protocol.NewHTTPClient(cfg) }

// NewFake builds an in-process Client useful for tests that exercise the
// replicator without a real network endpoint.
func NewFake() *Fake { return protocol.NewFake() }

// NewReplicator builds a Replicator that runs one push or pull between
// store and client, checkpointed under the replication id derived from cfg.
func NewReplicator(client Client, store *Store, cfg ReplicatorConfig, direction Direction) *Replicator {
	return replication.New(client, store, cfg, direction)
}

// Open opens (creating if necessary) a document store backed by the SQLite
// database described by storeCfg, with attachments content-addressed
// under storeCfg.AttachmentsDir and mutation events published to bus. The
// store's schema and statements use SQLite syntax, which a MySQL database
// does not accept.
func Open(storeCfg StoreConfig, bus *Bus) (*Store, error) {
	ex, err := sqlexec.Open(storeCfg.Driver, storeCfg.DSN)
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.Open(storeCfg.AttachmentsDir)
	if err != nil {
		return nil, err
	}
	return docstore.Open(context.Background(), ex, blobs, bus)
}
