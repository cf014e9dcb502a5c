package replication

import (
	"crypto/sha1"
	"fmt"
)

// Direction distinguishes a push run from a pull run. It is one of the
// four inputs hashed into the replication id: two invocations with the
// same source, target, filter, and direction share a checkpoint.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// ID computes the stable replication id:
// SHA-1(source_uri || target_uri || filter_json || "push"|"pull").
func ID(sourceURI, targetURI, filterConfig string, direction Direction) string {
	h := sha1.New()
	h.Write([]byte(sourceURI))
	h.Write([]byte(targetURI))
	h.Write([]byte(filterConfig))
	h.Write([]byte(direction))
	return fmt.Sprintf("%x", h.Sum(nil))
}
