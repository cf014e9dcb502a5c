// Package config holds the plain, non-file-parsing configuration structs
// the store and replicator take as constructor arguments. Parsing a config
// file into these structs is a host concern, not this library's.
package config

import "time"

// StoreConfig configures the document store's underlying adapter.
type StoreConfig struct {
	// Driver is the database/sql driver name: "sqlite" (modernc.org/sqlite)
	// or "mysql" (go-sql-driver/mysql). Both drivers are registered, but the
	// document store's schema and statements use SQLite syntax (INSERT OR
	// IGNORE, ON CONFLICT upserts), which MySQL does not accept.
	Driver string
	// DSN is the driver-specific data source name (a file path for sqlite,
	// a DSN string for mysql).
	DSN string
	// AttachmentsDir is the blob store root.
	AttachmentsDir string
}

// DefaultStoreConfig returns a StoreConfig for an embedded sqlite file at
// path, with attachments stored alongside it.
func DefaultStoreConfig(path, attachmentsDir string) StoreConfig {
	return StoreConfig{Driver: "sqlite", DSN: path, AttachmentsDir: attachmentsDir}
}

// ReplicatorConfig configures one replication run (push or pull).
type ReplicatorConfig struct {
	// SourceURI and TargetURI identify the two endpoints; exactly one of
	// them is the remote HTTP endpoint depending on direction.
	SourceURI string
	TargetURI string

	// FilterConfig is hashed together with SourceURI/TargetURI/direction to
	// derive a stable replication id, so two runs with the same
	// configuration share a checkpoint.
	FilterConfig string

	// Concurrency is the number of parallel fetcher/writer tasks (K in the
	// pipeline design). Default 4.
	Concurrency int

	// BatchLimit bounds how many changes are requested per changes-feed
	// poll and per revs_diff/bulk_docs call.
	BatchLimit int

	// RevsDiffChunkSize bounds how many doc ids are grouped into one
	// revs_diff request. Default 25.
	RevsDiffChunkSize int

	// MaxRetries (default 10), ConnectTimeout and ReadTimeout are carried
	// for the host to pass on to the protocol client's HTTPClientConfig.
	// The Replicator does not read them; the retry budget and timeouts in
	// effect are those of the client it is given.
	MaxRetries     int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// AttachmentsInline requests base64-encoded attachments in open_revs
	// responses instead of multipart parts.
	AttachmentsInline bool
}

// DefaultReplicatorConfig fills in the stock defaults, leaving the
// endpoint and filter fields for the caller to set.
func DefaultReplicatorConfig() ReplicatorConfig {
	return ReplicatorConfig{
		Concurrency:       4,
		BatchLimit:        500,
		RevsDiffChunkSize: 25,
		MaxRetries:        10,
		ConnectTimeout:    30 * time.Second,
		ReadTimeout:       120 * time.Second,
	}
}
