// Package blobstore holds the raw bytes of submitted images, keyed by a
// deterministic layout derived from image metadata.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when no blob exists under a key.
var ErrNotFound = errors.New("blob not found")

// Store is a minimal byte store. Keys come from Key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Key builds the storage key for an image:
// <group>/<yyyy-mm-dd>/<messageID>/<numberInMessage>.<ext>. The date is the
// UTC day of the logical timestamp interpreted as unix seconds, and the
// extension is recovered from the submitted file name.
func Key(group, messageID string, numberInMessage int, fileName string, timestamp int64) string {
	date := time.Unix(timestamp, 0).UTC().Format("2006-01-02")
	return fmt.Sprintf("%s/%s/%s/%d.%s", group, date, messageID, numberInMessage, Extension(fileName))
}

// Extension returns the lower-cased file extension without the dot,
// defaulting to jpg when the name has none.
func Extension(fileName string) string {
	ext := strings.TrimPrefix(path.Ext(fileName), ".")
	if ext == "" {
		return "jpg"
	}
	return strings.ToLower(ext)
}

// ContentType maps a file name to the MIME type stored alongside the blob.
func ContentType(fileName string) string {
	return "image/" + Extension(fileName)
}
