package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/retrogate/retrogate/consts"
	"github.com/retrogate/retrogate/pkg/metrics"
	"github.com/retrogate/retrogate/server"
	"github.com/retrogate/retrogate/storage"
)

// MirrorHandler serves targets from a bucket that mirrors remote hosts
// under "host/path" keys. A missing object passes to the next handler.
type MirrorHandler struct {
	objects storage.ObjectStore
}

func NewMirrorHandler(objects storage.ObjectStore) *MirrorHandler {
	return &MirrorHandler{objects: objects}
}

func (h *MirrorHandler) Name() string { return "mirror" }

// MirrorKey returns the object key a target is mirrored under.
func MirrorKey(host, p string) string {
	return strings.ToLower(host) + "/" + strings.TrimPrefix(p, "/")
}

func (h *MirrorHandler) Handle(ctx context.Context, req *server.Request) (*Response, error) {
	if !isRead(req.Verb) || req.Target.Host == "" {
		return nil, nil
	}
	p := targetPath(req)
	if hasTrailingSlash(p) {
		return nil, nil
	}
	key := MirrorKey(req.Target.Host, p)

	start := time.Now()
	data, err := h.objects.Get(ctx, key)
	metrics.UpstreamFetchDuration.WithLabelValues("mirror", "get").Observe(time.Since(start).Seconds())
	if errors.Is(err, consts.ErrS3NotFound) {
		return nil, nil
	}
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("mirror", "get").Inc()
		return nil, fmt.Errorf("mirror %s: %w", key, err)
	}

	return &Response{Status: http.StatusOK, ContentType: contentTypeFor(p), Body: data}, nil
}
