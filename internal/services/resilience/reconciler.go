package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/metrics"
)

const (
	DefaultTTL               = time.Hour
	DefaultReconcileInterval = time.Minute
)

type mutationWriter interface {
	ApplyMutation(ctx context.Context, m domain.Mutation) error
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Flushed int `json:"flushed"`
	Failed  int `json:"failed"`
	Expired int `json:"expired"`
	Pending int `json:"pending"`
}

// Reconciler pushes cached mutations back to the durable store.
type Reconciler struct {
	durable  mutationWriter
	cache    *CacheManager
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	l        *zap.Logger
}

func NewReconciler(l *zap.Logger, durable mutationWriter, cache *CacheManager, ttl, interval time.Duration, m *metrics.Metrics) *Reconciler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Reconciler{
		durable:  durable,
		cache:    cache,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		metrics:  m,
		l:        l,
	}
}

// SetClock overrides the time source.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Reconcile makes one pass over the cache. Entries older than the TTL are
// dropped, the rest are upserted; successes leave the cache and failures stay
// with their retry count bumped.
func (r *Reconciler) Reconcile(ctx context.Context) ReconcileReport {
	var report ReconcileReport
	now := r.now()

	for _, entry := range r.cache.Entries() {
		if ctx.Err() != nil {
			break
		}

		if entry.Expired(now, r.ttl) {
			if r.cache.RemoveIfUnchanged(entry.SessionID, entry.UpdatedAt) {
				report.Expired++
				r.metrics.Reconcile("expired")
				r.l.Error("cached mutation expired and was discarded",
					zap.String("session_id", entry.SessionID),
					zap.Time("created_at", entry.CreatedAt),
					zap.Int("retry_count", entry.RetryCount),
					zap.String("last_error", entry.LastError))
			}
			continue
		}

		if err := r.durable.ApplyMutation(ctx, entry.Mutation); err != nil {
			report.Failed++
			r.metrics.Reconcile("failed")
			updated, _ := r.cache.MarkFailed(entry.SessionID, err)
			r.l.Warn("reconcile failed",
				zap.String("session_id", entry.SessionID),
				zap.Int("retry_count", updated.RetryCount),
				zap.Error(err))
			continue
		}

		report.Flushed++
		r.metrics.Reconcile("flushed")
		if !r.cache.RemoveIfUnchanged(entry.SessionID, entry.UpdatedAt) {
			r.l.Debug("cached mutation changed during reconcile, keeping newer entry",
				zap.String("session_id", entry.SessionID))
		}
	}

	report.Pending = r.cache.Len()
	if report.Flushed+report.Failed+report.Expired > 0 {
		r.l.Info("reconcile pass finished",
			zap.Int("flushed", report.Flushed),
			zap.Int("failed", report.Failed),
			zap.Int("expired", report.Expired),
			zap.Int("pending", report.Pending))
	}
	return report
}

// Run reconciles on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}
