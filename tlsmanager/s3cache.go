package tlsmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/retrogate/retrogate/consts"
	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/storage"
	"golang.org/x/crypto/acme/autocert"
)

const objectCachePrefix = "autocert/"

// ObjectCache implements autocert.Cache on the object store so every
// gateway instance sharing a bucket serves the same certificates.
type ObjectCache struct {
	store storage.ObjectStore
}

func NewObjectCache(store storage.ObjectStore) *ObjectCache {
	return &ObjectCache{store: store}
}

func (c *ObjectCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.store.Get(ctx, objectKey(key))
	if err != nil {
		if errors.Is(err, consts.ErrS3NotFound) {
			return nil, autocert.ErrCacheMiss
		}
		logger.Warn("TLS: certificate cache read failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to read certificate %s: %w", key, err)
	}
	return data, nil
}

func (c *ObjectCache) Put(ctx context.Context, key string, data []byte) error {
	if err := c.store.Put(ctx, objectKey(key), data, "application/octet-stream"); err != nil {
		return fmt.Errorf("failed to store certificate %s: %w", key, err)
	}
	logger.Debug("TLS: certificate stored", "key", key, "bytes", len(data))
	return nil
}

func (c *ObjectCache) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, objectKey(key))
}

// objectKey hashes the autocert key; names like "example.com+rsa" and
// the account key are not all safe object names.
func objectKey(key string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(key))))
	return objectCachePrefix + "cert-" + hex.EncodeToString(sum[:])
}
