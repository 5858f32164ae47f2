// Package blob defines the object storage boundary used to fetch session
// audio. Keys are slash-separated object paths such as "sessions/abc.wav".
//
// Implementations live in sub-packages: [file] stores objects below a local
// directory and [gcs] in a Google Cloud Storage bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by [Store.Get] when no object has the given key.
var ErrNotFound = errors.New("blob: object not found")

// ErrInvalidKey is returned for keys that are empty, absolute, or escape the
// store root.
var ErrInvalidKey = errors.New("blob: invalid key")

// Store reads and writes whole objects. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the full contents of the object at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes data to key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) error
}

// CleanKey validates key and returns its canonical form.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}
