package replication

// revsDiffChunkDefault is the revs_diff grouping size used when
// config.ReplicatorConfig.RevsDiffChunkSize is left at zero.
const revsDiffChunkDefault = 25

// attachmentDigestCacheSize bounds the push pipeline's in-memory set of
// digests whose bodies were already packed into a document this run, so
// the set is a bounded cache rather than an unbounded map.
const attachmentDigestCacheSize = 4096
