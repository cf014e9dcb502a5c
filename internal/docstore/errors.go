package docstore

import "errors"

// Sentinel errors for the document store's public contract. Callers use
// errors.Is/errors.As — never string matching — to distinguish them.
var (
	// ErrDocumentExists is returned by Create when a non-deleted revision
	// of doc_id already exists.
	ErrDocumentExists = errors.New("docstore: document already exists")

	// ErrConflict is returned by Update or Delete when the named parent
	// revision is not a current leaf.
	ErrConflict = errors.New("docstore: conflict")

	// ErrDocumentMissing is returned by Get/GetRev for an unknown id/rev.
	ErrDocumentMissing = errors.New("docstore: document missing")
)
