// Package cleaner runs a background worker that drops expired cache entries
// and purges mail that was deleted longer ago than the retention period.
// Lazy expiry keeps stale entries from being served, but never frees their
// storage; this worker does.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/retrogate/retrogate/logger"
	"github.com/retrogate/retrogate/pkg/metrics"
)

const minAllowedInterval = time.Minute

// CachePurger is satisfied by *cache.TTL.
type CachePurger interface {
	Purge(ctx context.Context) (int64, error)
}

// MessagePurger is satisfied by *db.Database.
type MessagePurger interface {
	PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error)
}

type CleanupWorker struct {
	cache     CachePurger
	messages  MessagePurger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a worker. messages may be nil when no database is
// configured; a zero retention disables message purging.
func New(cache CachePurger, messages MessagePurger, interval, retention time.Duration) *CleanupWorker {
	return &CleanupWorker{
		cache:     cache,
		messages:  messages,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (w *CleanupWorker) Start(ctx context.Context) {
	interval := w.interval
	if interval < minAllowedInterval {
		logger.Warn("Cleanup: interval below minimum, using minimum", "configured", w.interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	logger.Info("Cleanup: worker starting", "interval", interval, "message_retention", w.retention)

	ticker := time.NewTicker(interval)
	go func() {
		defer close(w.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("Cleanup: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Cleanup: worker stopped")
				return
			case <-ticker.C:
				if err := w.RunOnce(ctx); err != nil {
					logger.Error("Cleanup: run failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the worker loop and waits for a running pass to finish.
func (w *CleanupWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

// RunOnce performs a single cleanup pass. Both phases run even if the first
// fails; their errors are joined.
func (w *CleanupWorker) RunOnce(ctx context.Context) error {
	var errs []error

	if w.cache != nil {
		n, err := w.cache.Purge(ctx)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("purge cache: %w", err))
		case n > 0:
			metrics.CleanupRemoved.WithLabelValues("cache_entries").Add(float64(n))
			logger.Info("Cleanup: removed expired cache entries", "count", n)
		default:
			logger.Debug("Cleanup: no expired cache entries")
		}
	}

	if w.messages != nil && w.retention > 0 {
		cutoff := w.now().Add(-w.retention)
		n, err := w.messages.PurgeDeleted(ctx, cutoff)
		if n > 0 {
			metrics.CleanupRemoved.WithLabelValues("messages").Add(float64(n))
			logger.Info("Cleanup: purged deleted messages", "count", n, "deleted_before", cutoff)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("purge messages: %w", err))
		}
	}

	return errors.Join(errs...)
}
