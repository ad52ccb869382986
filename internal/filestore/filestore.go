package filestore

import (
	"io"
)

// BlobStore stores attachment blobs addressed by content hash.
type BlobStore interface {
	// Save stores the content and returns its hex sha256 hash. Saving
	// the same content twice is idempotent.
	Save(r io.Reader) (string, error)

	// Get retrieves the content for the given hash.
	Get(hash string) (io.ReadCloser, error)
}
