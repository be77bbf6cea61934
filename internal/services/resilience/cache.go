// Package resilience keeps session mutations safe while the durable store is unreachable.
package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/metrics"
)

const DefaultMaxRetries = 3

// Journal persists cache entries across restarts.
type Journal interface {
	Put(entry domain.CachedMutation) error
	Delete(sessionID string) error
	Load() (map[string]domain.CachedMutation, error)
}

// Observer is notified about cache pressure.
type Observer interface {
	ObserveCacheSize(n int)
	ObserveManualIntervention(sessionID string, retries int)
}

// CacheManager holds at most one pending mutation per session.
type CacheManager struct {
	mu         sync.Mutex
	entries    map[string]domain.CachedMutation
	journal    Journal
	observer   Observer
	maxRetries int
	now        func() time.Time
	metrics    *metrics.Metrics
	l          *zap.Logger
}

// NewCacheManager replays the journal and returns a ready cache.
func NewCacheManager(l *zap.Logger, journal Journal, m *metrics.Metrics, maxRetries int) (*CacheManager, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	c := &CacheManager{
		entries:    make(map[string]domain.CachedMutation),
		journal:    journal,
		maxRetries: maxRetries,
		now:        time.Now,
		metrics:    m,
		l:          l,
	}

	if journal != nil {
		restored, err := journal.Load()
		if err != nil {
			return nil, errors.Wrap(err, "replay mutation cache")
		}
		c.entries = restored
		if len(restored) > 0 {
			l.Warn("restored cached mutations", zap.Int("count", len(restored)))
		}
	}
	m.CachedMutations(len(c.entries))

	return c, nil
}

// SetObserver registers the alerting hook.
func (c *CacheManager) SetObserver(o Observer) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

// SetClock overrides the time source.
func (c *CacheManager) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Put stores a mutation that could not be persisted. A mutation for a session
// that already has an entry is merged into it and counts as another failure.
func (c *CacheManager) Put(m domain.Mutation, cause error) domain.CachedMutation {
	c.mu.Lock()
	now := c.now()
	entry, exists := c.entries[m.SessionID]
	if exists {
		entry.Mutation = entry.Mutation.Merge(m)
		entry.RetryCount++
	} else {
		entry = domain.CachedMutation{
			SessionID: m.SessionID,
			Mutation:  m,
			CreatedAt: now,
		}
	}
	entry.UpdatedAt = now
	if cause != nil {
		entry.LastError = cause.Error()
	}
	flagged := c.flag(&entry)
	c.entries[m.SessionID] = entry
	size := len(c.entries)
	observer := c.observer
	c.mu.Unlock()

	c.journalPut(entry)
	c.report(observer, size, entry, flagged)

	c.l.Warn("mutation cached",
		zap.String("session_id", entry.SessionID),
		zap.Int("retry_count", entry.RetryCount),
		zap.String("cause", entry.LastError))

	return entry
}

// MarkFailed records one more failed flush of the entry.
func (c *CacheManager) MarkFailed(sessionID string, cause error) (domain.CachedMutation, bool) {
	c.mu.Lock()
	entry, ok := c.entries[sessionID]
	if !ok {
		c.mu.Unlock()
		return domain.CachedMutation{}, false
	}
	entry.RetryCount++
	entry.UpdatedAt = c.now()
	if cause != nil {
		entry.LastError = cause.Error()
	}
	flagged := c.flag(&entry)
	c.entries[sessionID] = entry
	size := len(c.entries)
	observer := c.observer
	c.mu.Unlock()

	c.journalPut(entry)
	c.report(observer, size, entry, flagged)
	return entry, true
}

// flag sets ManualIntervention once the retry budget is spent. It reports
// whether the flag was raised by this call.
func (c *CacheManager) flag(entry *domain.CachedMutation) bool {
	if entry.ManualIntervention || entry.RetryCount <= c.maxRetries {
		return false
	}
	entry.ManualIntervention = true
	return true
}

// Remove drops the entry for a session.
func (c *CacheManager) Remove(sessionID string) {
	c.removeIf(sessionID, func(domain.CachedMutation) bool { return true })
}

// RemoveIfUnchanged drops the entry only if nothing was merged into it since updatedAt.
func (c *CacheManager) RemoveIfUnchanged(sessionID string, updatedAt time.Time) bool {
	return c.removeIf(sessionID, func(e domain.CachedMutation) bool {
		return e.UpdatedAt.Equal(updatedAt)
	})
}

func (c *CacheManager) removeIf(sessionID string, pred func(domain.CachedMutation) bool) bool {
	c.mu.Lock()
	entry, ok := c.entries[sessionID]
	if !ok || !pred(entry) {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, sessionID)
	size := len(c.entries)
	c.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.Delete(sessionID); err != nil {
			c.l.Error("failed to journal cache removal", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	c.metrics.CachedMutations(size)
	return true
}

// Get returns the pending entry for a session.
func (c *CacheManager) Get(sessionID string) (domain.CachedMutation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[sessionID]
	return entry, ok
}

// Entries returns a snapshot ordered by creation time.
func (c *CacheManager) Entries() []domain.CachedMutation {
	c.mu.Lock()
	out := make([]domain.CachedMutation, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len is the number of pending entries.
func (c *CacheManager) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *CacheManager) journalPut(entry domain.CachedMutation) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Put(entry); err != nil {
		c.l.Error("failed to journal cached mutation", zap.String("session_id", entry.SessionID), zap.Error(err))
	}
}

func (c *CacheManager) report(observer Observer, size int, entry domain.CachedMutation, flagged bool) {
	c.metrics.CachedMutations(size)

	if flagged {
		c.l.Error("cached mutation requires manual intervention",
			zap.String("session_id", entry.SessionID),
			zap.Int("retry_count", entry.RetryCount),
			zap.String("last_error", entry.LastError))
	}

	if observer == nil {
		return
	}
	observer.ObserveCacheSize(size)
	if flagged {
		observer.ObserveManualIntervention(entry.SessionID, entry.RetryCount)
	}
}
