// Package blobstore abstracts the artifact store the pipeline stages inputs
// from and publishes outputs to. Implementations must be byte-exact: the
// provenance chain hashes what Get/Put move, so a store that rewrites
// content breaks verification.
package blobstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/homewalk/tourforge/internal/errs"
)

// Store is the artifact store seen by the pipeline.
type Store interface {
	// Get copies the object at key into destPath.
	Get(ctx context.Context, key, destPath string) error
	// Put uploads srcPath to key, atomically replacing any prior object.
	Put(ctx context.Context, srcPath, key string) error
	// Exists reports whether key holds an object.
	Exists(ctx context.Context, key string) (bool, error)
}

// Key joins market, asset and object name into a store key.
func Key(market, assetID, name string) string {
	return fmt.Sprintf("tours/%s/%s/%s", market, assetID, name)
}

// OutputKey is the canonical destination for a converted tour.
func OutputKey(market, assetID string) string {
	return Key(market, assetID, "output.sog")
}

// ValidateKey rejects keys that could escape the store root.
func ValidateKey(key string) error {
	if key == "" {
		return errs.Validation("empty store key")
	}
	if strings.HasPrefix(key, "/") {
		return errs.Validation("store key must be relative")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return errs.Validation("store key must not contain ..")
		}
	}
	return nil
}
