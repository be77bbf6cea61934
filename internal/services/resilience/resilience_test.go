package resilience

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/storage/mutationcache"
	"github.com/vadiminshakov/ladder/internal/storage/sessions"
	"github.com/vadiminshakov/ladder/pkg/retrier"
)

var t0 = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

var errDown = errors.New("dial tcp: connection refused")

// flakyStore fails writes while down is set.
type flakyStore struct {
	*sessions.Store
	mu     sync.Mutex
	down   error
	writes int
}

func (f *flakyStore) setDown(err error) {
	f.mu.Lock()
	f.down = err
	f.mu.Unlock()
}

func (f *flakyStore) ApplyMutation(ctx context.Context, m domain.Mutation) error {
	f.mu.Lock()
	f.writes++
	err := f.down
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.ApplyMutation(ctx, m)
}

// readFlaky fails durable reads with err; failures < 0 fails every read.
type readFlaky struct {
	*flakyStore
	mu       sync.Mutex
	failures int
	err      error
	reads    int
}

func (r *readFlaky) fail() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if r.failures == 0 {
		return nil
	}
	if r.failures > 0 {
		r.failures--
	}
	return r.err
}

func (r *readFlaky) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

func (r *readFlaky) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	if err := r.fail(); err != nil {
		return nil, err
	}
	return r.flakyStore.GetSession(ctx, id)
}

func (r *readFlaky) FindActiveSession(ctx context.Context, symbol string) (*domain.Session, error) {
	if err := r.fail(); err != nil {
		return nil, err
	}
	return r.flakyStore.FindActiveSession(ctx, symbol)
}

func (r *readFlaky) SignalProcessed(ctx context.Context, externalID string) (bool, error) {
	if err := r.fail(); err != nil {
		return false, err
	}
	return r.flakyStore.SignalProcessed(ctx, externalID)
}

func (r *readFlaky) ListActiveRegistrations(ctx context.Context) ([]domain.OvernightRegistration, error) {
	if err := r.fail(); err != nil {
		return nil, err
	}
	return r.flakyStore.ListActiveRegistrations(ctx)
}

type recordingObserver struct {
	sizes  []int
	manual []string
}

func (o *recordingObserver) ObserveCacheSize(n int) { o.sizes = append(o.sizes, n) }

func (o *recordingObserver) ObserveManualIntervention(sessionID string, _ int) {
	o.manual = append(o.manual, sessionID)
}

func newFlaky(t *testing.T) *flakyStore {
	t.Helper()
	s, err := sessions.NewStore(zap.NewNop(), filepath.Join(t.TempDir(), "ladder.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &flakyStore{Store: s}
}

func newCache(t *testing.T) *CacheManager {
	t.Helper()
	c, err := NewCacheManager(zap.NewNop(), nil, nil, DefaultMaxRetries)
	require.NoError(t, err)
	c.SetClock(func() time.Time { return t0 })
	return c
}

func noSleep() retrier.Option {
	return retrier.WithSleep(func(context.Context, time.Duration) error { return nil })
}

func session(id string, version int64) *domain.Session {
	s := domain.NewSession(id, "n-"+id, "BTCUSDT", "1", decimal.NewFromInt(100000), t0)
	s.Version = version
	return s
}

func TestApplyPartialFill(t *testing.T) {
	trade := &domain.OpenTrade{RequestedStake: decimal.NewFromInt(1000), FilledStake: decimal.NewFromInt(1000)}
	pf := &domain.PartialFill{
		OriginalAmount: decimal.NewFromInt(1000),
		FilledAmount:   decimal.NewFromInt(500),
		FillPercentage: decimal.NewFromInt(50),
		Remaining:      decimal.NewFromInt(500),
	}

	ApplyPartialFill(trade, pf)
	assert.True(t, trade.FilledStake.Equal(decimal.NewFromInt(500)))
	assert.True(t, trade.RequestedStake.Equal(decimal.NewFromInt(1000)))
	assert.Same(t, pf, trade.PartialFill)

	ApplyPartialFill(trade, nil)
	assert.True(t, trade.FilledStake.Equal(decimal.NewFromInt(500)))
}

func TestCacheManager_MergeAndManualIntervention(t *testing.T) {
	c := newCache(t)
	obs := &recordingObserver{}
	c.SetObserver(obs)

	c.Put(domain.Mutation{SessionID: "a", Session: session("a", 2), Signals: []domain.SignalRecord{{ExternalID: "sig-1"}}}, errDown)
	entry := c.Put(domain.Mutation{SessionID: "a", Session: session("a", 3), Signals: []domain.SignalRecord{{ExternalID: "sig-2"}}}, errDown)

	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, int64(3), entry.Mutation.Session.Version)
	assert.Len(t, entry.Mutation.Signals, 2)
	assert.False(t, entry.ManualIntervention)
	assert.Equal(t, errDown.Error(), entry.LastError)

	for i := 0; i < 3; i++ {
		entry, _ = c.MarkFailed("a", errDown)
	}
	assert.Equal(t, 4, entry.RetryCount)
	assert.True(t, entry.ManualIntervention)
	assert.Equal(t, []string{"a"}, obs.manual)

	_, ok := c.Get("a")
	assert.True(t, ok, "flagged entries stay in the cache")

	c.MarkFailed("a", errDown)
	assert.Len(t, obs.manual, 1, "flag is raised once")

	_, ok = c.MarkFailed("missing", errDown)
	assert.False(t, ok)

	c.Remove("a")
	assert.Zero(t, c.Len())
	assert.Equal(t, 1, obs.sizes[0])
}

func TestCacheManager_RemoveIfUnchanged(t *testing.T) {
	c := newCache(t)
	first := c.Put(domain.Mutation{SessionID: "a", Session: session("a", 2)}, errDown)

	c.SetClock(func() time.Time { return t0.Add(time.Second) })
	c.Put(domain.Mutation{SessionID: "a", Session: session("a", 3)}, errDown)

	assert.False(t, c.RemoveIfUnchanged("a", first.UpdatedAt))
	assert.Equal(t, 1, c.Len())
}

func TestCacheManager_ReplaysJournal(t *testing.T) {
	dir := t.TempDir()
	journal, err := mutationcache.NewWALStore(dir)
	require.NoError(t, err)

	c, err := NewCacheManager(zap.NewNop(), journal, nil, DefaultMaxRetries)
	require.NoError(t, err)
	c.Put(domain.Mutation{SessionID: "a", Session: session("a", 2)}, errDown)
	c.Put(domain.Mutation{SessionID: "b", Session: session("b", 2)}, errDown)
	c.Remove("b")
	require.NoError(t, journal.Close())

	reopened, err := mutationcache.NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	restored, err := NewCacheManager(zap.NewNop(), reopened, nil, DefaultMaxRetries)
	require.NoError(t, err)
	entries := restored.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].SessionID)
	assert.Equal(t, int64(2), entries[0].Mutation.Session.Version)
}

func TestStore_DefersAndOverlays(t *testing.T) {
	ctx := context.Background()
	durable := newFlaky(t)
	cache := newCache(t)
	store := NewStore(zap.NewNop(), durable, cache, DefaultStoreConfig(), noSleep())

	durable.setDown(errDown)
	sess := session("a", 2)
	sess.PendingTrade = &domain.OpenTrade{TradeID: "sig-1", NodeID: "1"}
	err := store.ApplyMutation(ctx, domain.Mutation{
		SessionID:     "a",
		Session:       sess,
		Signals:       []domain.SignalRecord{{ExternalID: "sig-1", SessionID: "a", Status: domain.SignalExecuted, ReceivedAt: t0}},
		Registrations: []domain.OvernightRegistration{{TradeID: "sig-1", SessionID: "a", Status: domain.RegistrationActive, RegisteredAt: t0}},
		Executions:    []domain.ExecutionRecord{{ID: "e1", SessionID: "a", TradeID: "sig-1", CreatedAt: t0}},
	})
	require.ErrorIs(t, err, domain.ErrPersistenceDeferred)
	assert.Equal(t, 3, durable.writes)
	assert.Equal(t, 1, cache.Len())

	got, err := store.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "sig-1", got.PendingTrade.TradeID)

	active, err := store.FindActiveSession(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "a", active.ID)

	processed, err := store.SignalProcessed(ctx, "sig-1")
	require.NoError(t, err)
	assert.True(t, processed)

	regs, err := store.ListActiveRegistrations(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 1)

	execs, err := store.ListExecutions(ctx, "a")
	require.NoError(t, err)
	require.Len(t, execs, 1)

	list, err := store.ListSessions(ctx, domain.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	t.Run("next write merges and flushes the pending entry", func(t *testing.T) {
		durable.setDown(nil)
		next := session("a", 3)
		next.CurrentNodeID = "2W"
		require.NoError(t, store.ApplyMutation(ctx, domain.Mutation{SessionID: "a", Session: next}))
		assert.Zero(t, cache.Len())

		stored, err := durable.GetSession(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(3), stored.Version)
		assert.Equal(t, "2W", stored.CurrentNodeID)

		processed, err := durable.SignalProcessed(ctx, "sig-1")
		require.NoError(t, err)
		assert.True(t, processed, "signal record from the cached entry reached the store")
	})
}

func TestStore_NonTransientFailsFastButCaches(t *testing.T) {
	durable := newFlaky(t)
	durable.setDown(errors.New("constraint violated"))
	cache := newCache(t)
	store := NewStore(zap.NewNop(), durable, cache, DefaultStoreConfig(), noSleep())

	err := store.ApplyMutation(context.Background(), domain.Mutation{SessionID: "a", Session: session("a", 2)})
	require.ErrorIs(t, err, domain.ErrPersistenceDeferred)
	assert.Equal(t, 1, durable.writes)
	assert.Equal(t, 1, cache.Len())
}

func TestStore_DurableReads(t *testing.T) {
	ctx := context.Background()
	base := newFlaky(t)
	require.NoError(t, base.Store.ApplyMutation(ctx, domain.Mutation{
		SessionID: "a",
		Session:   session("a", 2),
		Signals:   []domain.SignalRecord{{ExternalID: "sig-1", SessionID: "a", Status: domain.SignalExecuted, ReceivedAt: t0}},
	}))

	t.Run("transient failures are retried", func(t *testing.T) {
		durable := &readFlaky{flakyStore: base, failures: 2, err: errors.New("database is locked")}
		store := NewStore(zap.NewNop(), durable, newCache(t), DefaultStoreConfig(), noSleep())

		got, err := store.FindActiveSession(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, "a", got.ID)
		assert.Equal(t, 3, durable.readCount())
	})

	t.Run("other errors fail on the first read", func(t *testing.T) {
		durable := &readFlaky{flakyStore: base, failures: -1, err: errors.New("no such table: signals")}
		store := NewStore(zap.NewNop(), durable, newCache(t), DefaultStoreConfig(), noSleep())

		_, err := store.SignalProcessed(ctx, "sig-1")
		require.Error(t, err)
		assert.Equal(t, 1, durable.readCount())
	})

	t.Run("exhausted retries fall through to the cache", func(t *testing.T) {
		durable := &readFlaky{flakyStore: base, failures: -1, err: errDown}
		cache := newCache(t)
		cache.Put(domain.Mutation{
			SessionID:     "b",
			Session:       session("b", 2),
			Signals:       []domain.SignalRecord{{ExternalID: "sig-2", SessionID: "b", Status: domain.SignalExecuted, ReceivedAt: t0}},
			Registrations: []domain.OvernightRegistration{{TradeID: "sig-2", SessionID: "b", Status: domain.RegistrationActive, RegisteredAt: t0}},
		}, errDown)
		store := NewStore(zap.NewNop(), durable, cache, DefaultStoreConfig(), noSleep())

		regs, err := store.ListActiveRegistrations(ctx)
		require.NoError(t, err)
		require.Len(t, regs, 1)
		assert.Equal(t, "sig-2", regs[0].TradeID)
		assert.Equal(t, 3, durable.readCount())

		processed, err := store.SignalProcessed(ctx, "sig-2")
		require.NoError(t, err)
		assert.True(t, processed)

		active, err := store.FindActiveSession(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, "b", active.ID)
		assert.Equal(t, 3, durable.readCount(), "cached answers skip the durable store")

		_, err = store.GetSession(ctx, "a")
		require.Error(t, err, "nothing cached for a")
		assert.True(t, domain.IsTransient(err))
		assert.Equal(t, 6, durable.readCount())
	})
}

func TestStore_DeletedSessionHidden(t *testing.T) {
	ctx := context.Background()
	durable := newFlaky(t)
	require.NoError(t, durable.Store.ApplyMutation(ctx, domain.Mutation{SessionID: "a", Session: session("a", 2)}))

	cache := newCache(t)
	store := NewStore(zap.NewNop(), durable, cache, DefaultStoreConfig(), noSleep())
	durable.setDown(errDown)
	require.Error(t, store.ApplyMutation(ctx, domain.Mutation{SessionID: "a", DeleteSession: true}))

	_, err := store.GetSession(ctx, "a")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.FindActiveSession(ctx, "BTCUSDT")
	require.ErrorIs(t, err, domain.ErrNotFound)

	list, err := store.ListSessions(ctx, domain.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReconciler(t *testing.T) {
	ctx := context.Background()

	t.Run("flushes and removes", func(t *testing.T) {
		durable := newFlaky(t)
		cache := newCache(t)
		cache.Put(domain.Mutation{SessionID: "a", Session: session("a", 2)}, errDown)

		r := NewReconciler(zap.NewNop(), durable, cache, 0, 0, nil)
		r.SetClock(func() time.Time { return t0.Add(10 * time.Minute) })

		report := r.Reconcile(ctx)
		assert.Equal(t, ReconcileReport{Flushed: 1}, report)

		_, err := durable.GetSession(ctx, "a")
		require.NoError(t, err)

		report = r.Reconcile(ctx)
		assert.Equal(t, ReconcileReport{}, report, "idempotent on an empty cache")
	})

	t.Run("failure keeps entry with retry count bumped", func(t *testing.T) {
		durable := newFlaky(t)
		durable.setDown(errDown)
		cache := newCache(t)
		cache.Put(domain.Mutation{SessionID: "a", Session: session("a", 2)}, errDown)

		r := NewReconciler(zap.NewNop(), durable, cache, time.Hour, time.Minute, nil)
		r.SetClock(func() time.Time { return t0.Add(time.Minute) })

		report := r.Reconcile(ctx)
		assert.Equal(t, ReconcileReport{Failed: 1, Pending: 1}, report)

		entry, ok := cache.Get("a")
		require.True(t, ok)
		assert.Equal(t, 1, entry.RetryCount)
	})

	t.Run("expired entries are discarded", func(t *testing.T) {
		durable := newFlaky(t)
		cache := newCache(t)
		cache.Put(domain.Mutation{SessionID: "a", Session: session("a", 2)}, errDown)

		r := NewReconciler(zap.NewNop(), durable, cache, time.Hour, time.Minute, nil)
		r.SetClock(func() time.Time { return t0.Add(61 * time.Minute) })

		report := r.Reconcile(ctx)
		assert.Equal(t, ReconcileReport{Expired: 1}, report)
		assert.Zero(t, durable.writes)

		_, err := durable.GetSession(ctx, "a")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	cache := newCache(t)
	r := NewReconciler(zap.NewNop(), newFlaky(t), cache, time.Hour, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
