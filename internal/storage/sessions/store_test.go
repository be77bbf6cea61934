package sessions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
)

var t0 = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(zap.NewNop(), filepath.Join(t.TempDir(), "ladder.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSession(id, symbol string) *domain.Session {
	s := domain.NewSession(id, "s-"+id, symbol, "1", decimal.NewFromInt(100000), t0)
	s.AppendStep(domain.PathStep{
		Kind:         domain.StepTrade,
		NodeID:       "1",
		NextNodeID:   "2W",
		TradeID:      "sig-1",
		Action:       domain.ActionBuy,
		Outcome:      domain.ResultWin,
		StakeApplied: decimal.NewFromInt(29879),
		SignedResult: decimal.NewFromInt(650),
		Timestamp:    t0,
	})
	s.CurrentNodeID = "2W"
	s.Touch(t0)
	return s
}

func TestStore_SessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	sess := sampleSession("a", "BTCUSDT")
	sess.PendingTrade = &domain.OpenTrade{TradeID: "sig-2", NodeID: "2W", Action: domain.ActionSell, FilledStake: decimal.NewFromInt(100)}
	require.NoError(t, s.ApplyMutation(ctx, domain.Mutation{SessionID: "a", Session: sess}))

	got, err := s.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2W", got.CurrentNodeID)
	assert.Equal(t, int64(2), got.Version)
	require.Len(t, got.Path, 1)
	assert.True(t, got.RunningTotal.Equal(decimal.NewFromInt(650)))
	require.NotNil(t, got.PendingTrade)
	assert.Equal(t, "sig-2", got.PendingTrade.TradeID)

	_, err = s.GetSession(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_VersionGuard(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	newer := sampleSession("a", "BTCUSDT")
	newer.Touch(t0)
	newer.CurrentNodeID = "3W"
	require.NoError(t, s.ApplyMutation(ctx, domain.Mutation{SessionID: "a", Session: newer}))

	older := sampleSession("a", "BTCUSDT")
	require.NoError(t, s.ApplyMutation(ctx, domain.Mutation{SessionID: "a", Session: older}))

	got, err := s.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "3W", got.CurrentNodeID)
	assert.Equal(t, newer.Version, got.Version)
}

func TestStore_ApplyMutationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	m := domain.Mutation{
		SessionID: "a",
		Session:   sampleSession("a", "BTCUSDT"),
		Signals: []domain.SignalRecord{{
			ExternalID: "sig-1", SessionID: "a", Symbol: "BTCUSDT",
			Status: domain.SignalExecuted, Warnings: []string{"stale"}, Payload: "{}", ReceivedAt: t0,
		}},
		Executions: []domain.ExecutionRecord{{
			ID: "exec-1", SessionID: "a", TradeID: "sig-1", Kind: domain.ExecutionOpen,
			Status: domain.ExecutionSuccess, ActualPrice: decimal.NewFromInt(45000),
			ActualQuantity: decimal.RequireFromString("0.5"), Attempts: 1, CreatedAt: t0,
		}},
	}
	require.NoError(t, s.ApplyMutation(ctx, m))
	require.NoError(t, s.ApplyMutation(ctx, m))

	processed, err := s.SignalProcessed(ctx, "sig-1")
	require.NoError(t, err)
	assert.True(t, processed)

	processed, err = s.SignalProcessed(ctx, "sig-404")
	require.NoError(t, err)
	assert.False(t, processed)

	execs, err := s.ListExecutions(ctx, "a")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.True(t, execs[0].ActualPrice.Equal(decimal.NewFromInt(45000)))

	var steps int64
	require.NoError(t, s.db.Model(&pathStepModel{}).Where("session_id = ?", "a").Count(&steps).Error)
	assert.Equal(t, int64(1), steps)
}

func TestStore_FindActiveSession(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	done := sampleSession("done", "BTCUSDT")
	done.Completed = true
	paused := sampleSession("paused", "BTCUSDT")
	paused.Paused = true
	require.NoError(t, s.ApplyMutation(ctx, domain.Mutation{SessionID: "done", Session: done}))
	require.NoError(t, s.ApplyMutation(ctx, domain.Mutation{SessionID: "paused", Session: paused}))

	_, err := s.FindActiveSession(ctx, "BTCUSDT")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.ApplyMutation(ctx, domain.Mutation{SessionID: "live", Session: sampleSession("live", "BTCUSDT")}))
	got, err := s.FindActiveSession(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "live", got.ID)

	all, err := s.ListSessions(ctx, domain.SessionFilter{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	completed, err := s.ListSessions(ctx, domain.SessionFilter{OnlyCompleted: true})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "done", completed[0].ID)
}

func TestStore_Registrations(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	reg := domain.OvernightRegistration{
		TradeID: "sig-1", SessionID: "a", Symbol: "BTCUSDT", Action: domain.ActionBuy,
		StakeAmount: decimal.NewFromInt(1000), NodeID: "1", PreviousNodeID: "1",
		OvernightCloseEnabled: true, Status: domain.RegistrationActive, RegisteredAt: t0,
	}
	require.NoError(t, s.ApplyMutation(ctx, domain.Mutation{SessionID: "a", Registrations: []domain.OvernightRegistration{reg}}))

	active, err := s.ListActiveRegistrations(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	closed := reg
	closed.Close(domain.RegistrationRolledBack, "cutoff", decimal.NewFromInt(44000), t0.Add(time.Hour))
	require.NoError(t, s.ApplyMutation(ctx, domain.Mutation{SessionID: "a", Registrations: []domain.OvernightRegistration{closed}}))

	// a replayed active snapshot must not reopen it
	require.NoError(t, s.ApplyMutation(ctx, domain.Mutation{SessionID: "a", Registrations: []domain.OvernightRegistration{reg}}))

	got, err := s.GetRegistration(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RegistrationRolledBack, got.Status)
	assert.Equal(t, "cutoff", got.CloseReason)

	active, err = s.ListActiveRegistrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.GetRegistration(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_DeleteSession(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.ApplyMutation(ctx, domain.Mutation{SessionID: "a", Session: sampleSession("a", "BTCUSDT")}))
	require.NoError(t, s.ApplyMutation(ctx, domain.Mutation{SessionID: "a", DeleteSession: true}))

	_, err := s.GetSession(ctx, "a")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, s.Ping(ctx))
}
