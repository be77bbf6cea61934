package resilience

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/storage"
	"github.com/vadiminshakov/ladder/pkg/retrier"
)

// StoreConfig is the retry policy of the resilient store, shared by writes
// and durable reads.
type StoreConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Store wraps a durable store. Writes that keep failing go to the cache and
// reads see cached state on top of the durable one. Durable reads are retried
// on transient errors; once retries run out, listings are served from the
// cache and point reads fail only when the cache has no answer either.
type Store struct {
	durable storage.SessionStore
	cache   *CacheManager
	retrier *retrier.Retrier
	l       *zap.Logger
}

var _ storage.SessionStore = (*Store)(nil)

func NewStore(l *zap.Logger, durable storage.SessionStore, cache *CacheManager, cfg StoreConfig, opts ...retrier.Option) *Store {
	def := DefaultStoreConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = def.MaxBackoff
	}

	policy := []retrier.Option{
		retrier.WithMaxAttempts(cfg.MaxAttempts),
		retrier.WithInitialInterval(cfg.InitialBackoff),
		retrier.WithMaxInterval(cfg.MaxBackoff),
		retrier.WithMultiplier(2),
		retrier.WithJitter(0),
		retrier.WithRetryIf(domain.IsTransient),
	}

	return &Store{
		durable: durable,
		cache:   cache,
		retrier: retrier.New(append(policy, opts...)...),
		l:       l,
	}
}

// Cache exposes the pending mutations.
func (s *Store) Cache() *CacheManager {
	return s.cache
}

// ApplyMutation persists m. A pending cached mutation for the same session is
// merged in first so the durable store never receives an older snapshot after
// a newer one. When the store stays unreachable the merged mutation is cached
// and ErrPersistenceDeferred is returned.
func (s *Store) ApplyMutation(ctx context.Context, m domain.Mutation) error {
	merged := m
	pending, hasPending := s.cache.Get(m.SessionID)
	if hasPending {
		merged = pending.Mutation.Merge(m)
	}

	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.durable.ApplyMutation(ctx, merged)
	})
	if err == nil {
		if hasPending && s.cache.RemoveIfUnchanged(m.SessionID, pending.UpdatedAt) {
			s.l.Info("cached mutation flushed", zap.String("session_id", m.SessionID))
		}
		return nil
	}

	s.l.Warn("durable store write failed, caching mutation",
		zap.String("session_id", m.SessionID),
		zap.Error(err))
	s.cache.Put(m, err)

	return errors.Wrapf(domain.ErrPersistenceDeferred, "session %s: %v", m.SessionID, err)
}

// GetSession returns the cached snapshot when one is pending.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	if entry, ok := s.cache.Get(id); ok {
		if entry.Mutation.DeleteSession {
			return nil, errors.Wrapf(domain.ErrNotFound, "session %s", id)
		}
		if entry.Mutation.Session != nil {
			return entry.Mutation.Session.Clone(), nil
		}
	}
	return read(ctx, s, "get session", func(ctx context.Context) (*domain.Session, error) {
		return s.durable.GetSession(ctx, id)
	})
}

// FindActiveSession prefers a cached active session for the symbol.
func (s *Store) FindActiveSession(ctx context.Context, symbol string) (*domain.Session, error) {
	for _, entry := range s.cache.Entries() {
		sess := entry.Mutation.Session
		if sess != nil && sess.Symbol == symbol && sess.Active() {
			return sess.Clone(), nil
		}
	}

	found, err := read(ctx, s, "find active session", func(ctx context.Context) (*domain.Session, error) {
		return s.durable.FindActiveSession(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}

	if entry, ok := s.cache.Get(found.ID); ok {
		if entry.Mutation.DeleteSession || (entry.Mutation.Session != nil && !entry.Mutation.Session.Active()) {
			return nil, errors.Wrapf(domain.ErrNotFound, "active session for %s", symbol)
		}
	}
	return found, nil
}

// ListSessions merges cached snapshots into the durable listing. If the
// durable store is down the cached sessions are returned alone.
func (s *Store) ListSessions(ctx context.Context, f domain.SessionFilter) ([]*domain.Session, error) {
	durable, err := read(ctx, s, "list sessions", func(ctx context.Context) ([]*domain.Session, error) {
		return s.durable.ListSessions(ctx, f)
	})
	entries := s.cache.Entries()
	if err != nil {
		if len(entries) == 0 {
			return nil, err
		}
		s.l.Warn("listing sessions from cache only", zap.Error(err))
	}

	overridden := make(map[string]struct{}, len(entries))
	out := make([]*domain.Session, 0, len(durable)+len(entries))
	for _, e := range entries {
		if e.Mutation.Session == nil && !e.Mutation.DeleteSession {
			continue
		}
		overridden[e.SessionID] = struct{}{}
		if e.Mutation.Session != nil && matches(e.Mutation.Session, f) {
			out = append(out, e.Mutation.Session.Clone())
		}
	}
	for _, sess := range durable {
		if _, ok := overridden[sess.ID]; ok {
			continue
		}
		out = append(out, sess)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(sess *domain.Session, f domain.SessionFilter) bool {
	if f.Symbol != "" && sess.Symbol != f.Symbol {
		return false
	}
	if f.OnlyActive && !sess.Active() {
		return false
	}
	if f.OnlyCompleted && !sess.Completed {
		return false
	}
	return true
}

// SignalProcessed checks pending signal records before the durable store.
func (s *Store) SignalProcessed(ctx context.Context, externalID string) (bool, error) {
	for _, e := range s.cache.Entries() {
		for _, sig := range e.Mutation.Signals {
			if sig.ExternalID == externalID {
				return true, nil
			}
		}
	}
	return read(ctx, s, "signal processed", func(ctx context.Context) (bool, error) {
		return s.durable.SignalProcessed(ctx, externalID)
	})
}

// GetRegistration returns the newest known state of a registration.
func (s *Store) GetRegistration(ctx context.Context, tradeID string) (*domain.OvernightRegistration, error) {
	if reg, ok := s.cachedRegistration(tradeID); ok {
		return &reg, nil
	}
	return read(ctx, s, "get registration", func(ctx context.Context) (*domain.OvernightRegistration, error) {
		return s.durable.GetRegistration(ctx, tradeID)
	})
}

func (s *Store) cachedRegistration(tradeID string) (domain.OvernightRegistration, bool) {
	for _, e := range s.cache.Entries() {
		for _, reg := range e.Mutation.Registrations {
			if reg.TradeID == tradeID {
				return reg, true
			}
		}
	}
	return domain.OvernightRegistration{}, false
}

// ListActiveRegistrations overlays cached registration states.
func (s *Store) ListActiveRegistrations(ctx context.Context) ([]domain.OvernightRegistration, error) {
	durable, err := read(ctx, s, "list registrations", s.durable.ListActiveRegistrations)
	entries := s.cache.Entries()
	if err != nil {
		if len(entries) == 0 {
			return nil, err
		}
		s.l.Warn("listing registrations from cache only", zap.Error(err))
	}

	cached := make(map[string]domain.OvernightRegistration)
	for _, e := range entries {
		for _, reg := range e.Mutation.Registrations {
			cached[reg.TradeID] = reg
		}
	}

	out := make([]domain.OvernightRegistration, 0, len(durable)+len(cached))
	for _, reg := range durable {
		if c, ok := cached[reg.TradeID]; ok {
			reg = c
			delete(cached, reg.TradeID)
		}
		if reg.Status == domain.RegistrationActive {
			out = append(out, reg)
		}
	}
	for _, reg := range cached {
		if reg.Status == domain.RegistrationActive {
			out = append(out, reg)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}

// ListExecutions appends cached execution records for the session.
func (s *Store) ListExecutions(ctx context.Context, sessionID string) ([]domain.ExecutionRecord, error) {
	out, err := read(ctx, s, "list executions", func(ctx context.Context) ([]domain.ExecutionRecord, error) {
		return s.durable.ListExecutions(ctx, sessionID)
	})
	entry, ok := s.cache.Get(sessionID)
	if err != nil && !ok {
		return nil, err
	}
	if !ok {
		return out, nil
	}

	seen := make(map[string]struct{}, len(out))
	for _, rec := range out {
		seen[rec.ID] = struct{}{}
	}
	for _, rec := range entry.Mutation.Executions {
		if _, dup := seen[rec.ID]; !dup {
			out = append(out, rec)
		}
	}
	return out, nil
}

// read runs a durable read under the store's retry policy.
func read[T any](ctx context.Context, s *Store, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := retrier.DoWithData(s.retrier, ctx, fn)
	if err != nil && domain.IsTransient(err) {
		s.l.Warn("durable read failed after retries", zap.String("op", op), zap.Error(err))
	}
	return v, err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.durable.Ping(ctx)
}

func (s *Store) Close() error {
	return s.durable.Close()
}
