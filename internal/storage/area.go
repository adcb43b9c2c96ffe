// Package storage implements the content-addressable storage area: opaque
// byte blobs persisted under caller-supplied UUIDs. The area keeps no index
// of its own; the set of live uuids belongs to the resource index.
package storage

import (
	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// Area is the pluggable storage interface. The content type is advisory:
// it permits filtering or tiering but never alters the stored bytes.
type Area interface {
	// Create persists data under uuid. Returns ErrAlreadyExisting if the
	// uuid is taken.
	Create(uuid string, data []byte, contentType types.AttachmentType) error

	// Read returns the full blob, or ErrInexistentFile if absent.
	Read(uuid string, contentType types.AttachmentType) ([]byte, error)

	// ReadRange returns bytes [start, end) of the blob.
	ReadRange(uuid string, contentType types.AttachmentType, start, end int64) ([]byte, error)

	// Remove deletes the blob. Removing a missing uuid succeeds.
	Remove(uuid string, contentType types.AttachmentType) error
}
