package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/services/costmodel"
	"github.com/vadiminshakov/ladder/internal/services/intake"
	"github.com/vadiminshakov/ladder/internal/services/solver"
	"github.com/vadiminshakov/ladder/internal/storage/sessionevents"
	"github.com/vadiminshakov/ladder/internal/storage/sessions"
)

var testNow = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeExecutor struct {
	mu      sync.Mutex
	orders  []domain.Order
	respond func(o domain.Order) domain.ExecutionResult
}

func (f *fakeExecutor) Execute(_ context.Context, o domain.Order) domain.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.orders = append(f.orders, o)
	if f.respond != nil {
		return f.respond(o)
	}
	return domain.ExecutionResult{
		Status:         domain.ExecutionSuccess,
		VenueOrderID:   "v-" + o.ClientOrderID,
		ActualPrice:    o.Price,
		ActualQuantity: o.Quantity,
		Attempts:       1,
	}
}

type harness struct {
	engine *Engine
	store  *sessions.Store
	exec   *fakeExecutor
	events *sessionevents.WALStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := zap.NewNop()

	store, err := sessions.NewStore(l, filepath.Join(t.TempDir(), "ladder.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	events, err := sessionevents.NewWALStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	in, err := intake.New(l, intake.DefaultConfig(), store)
	require.NoError(t, err)
	in.SetClock(func() time.Time { return testNow })

	model := costmodel.NewModel(l, domain.DemoCostProfile())
	exec := &fakeExecutor{}

	engine, err := New(l, DefaultConfig(), Deps{
		Graph:    domain.DefaultGraph(),
		Store:    store,
		Intake:   in,
		Solver:   solver.New(l, model),
		Costs:    model,
		Executor: exec,
		Events:   events,
	})
	require.NoError(t, err)
	engine.SetClock(func() time.Time { return testNow })

	return &harness{engine: engine, store: store, exec: exec, events: events}
}

func signalPayload(id string) []byte {
	return []byte(fmt.Sprintf(`{"action":"buy","symbol":"BINANCE:BTCUSDT","timeframe":"15","time":"2025-05-01T11:59:00Z",`+
		`"entry":45000,"target":46000,"stop":44500,"id":%q,"rr":2,"risk":1}`, id))
}

func outcomePayload(sessionID, tradeID, result string, pnl string) []byte {
	body := fmt.Sprintf(`{"trade_id":%q,"session_id":%q,"result":%q,"exit_price":46000,"exited_at":"2025-05-01T13:00:00Z"`, tradeID, sessionID, result)
	if pnl != "" {
		body += `,"profit_loss":` + pnl
	}
	return []byte(body + "}")
}

func TestHandleSignal_OpensTrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.engine.HandleSignal(ctx, signalPayload("sig-1"))
	require.NoError(t, err)

	assert.True(t, resp.SessionCreated)
	assert.Equal(t, "1", resp.NodeID)
	assert.Equal(t, domain.ExecutionSuccess, resp.Status)
	assert.True(t, resp.Persisted)
	assert.True(t, resp.TargetProfit.Equal(decimal.NewFromInt(650)))
	assert.InDelta(t, 29879, resp.Stake.InexactFloat64(), 2)
	assert.InDelta(t, 650, resp.Calculation.NetProfit.InexactFloat64(), 0.01)
	assert.Contains(t, resp.Warnings[0], "normalized")

	require.Len(t, h.exec.orders, 1)
	order := h.exec.orders[0]
	assert.Equal(t, "sig-1", order.ClientOrderID)
	assert.Equal(t, "BTCUSDT", order.Symbol)
	assert.True(t, order.Notional.Equal(resp.Stake))

	sess, err := h.store.GetSession(ctx, resp.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.PendingTrade)
	assert.Equal(t, "1", sess.PendingTrade.NodeID)
	assert.Equal(t, "1", sess.CurrentNodeID)

	reg, err := h.store.GetRegistration(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RegistrationActive, reg.Status)
	assert.Equal(t, "1", reg.PreviousNodeID)
	assert.True(t, reg.OvernightCloseEnabled)

	processed, err := h.store.SignalProcessed(ctx, "sig-1")
	require.NoError(t, err)
	assert.True(t, processed)

	events, err := h.events.EventsAfter(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTradeOpened, events[0].Event.Type)

	t.Run("redelivery is a duplicate", func(t *testing.T) {
		_, err := h.engine.HandleSignal(ctx, signalPayload("sig-1"))
		require.ErrorIs(t, err, domain.ErrDuplicateSignal)
	})

	t.Run("second signal while a trade is open", func(t *testing.T) {
		_, err := h.engine.HandleSignal(ctx, signalPayload("sig-2"))
		require.ErrorIs(t, err, domain.ErrSessionBusy)

		processed, err := h.store.SignalProcessed(ctx, "sig-2")
		require.NoError(t, err)
		assert.False(t, processed, "rejected signals can be re-sent")
	})
}

func TestHandleOutcome_AdvancesAndDeduplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	opened, err := h.engine.HandleSignal(ctx, signalPayload("sig-1"))
	require.NoError(t, err)

	resp, err := h.engine.HandleOutcome(ctx, outcomePayload(opened.SessionID, "sig-1", "win", ""))
	require.NoError(t, err)
	assert.Equal(t, "1", resp.PreviousNodeID)
	assert.Equal(t, "2W", resp.CurrentNodeID)
	assert.InDelta(t, 650, resp.SignedResult.InexactFloat64(), 0.01)
	assert.False(t, resp.RequiresManualConfirmation)

	sess, err := h.store.GetSession(ctx, opened.SessionID)
	require.NoError(t, err)
	assert.Nil(t, sess.PendingTrade)
	require.Len(t, sess.Path, 1)
	assert.True(t, sess.RunningTotal.Equal(sess.PathTotal()))
	assert.Equal(t, string(domain.ExitTargetReached), sess.Path[0].Note)

	reg, err := h.store.GetRegistration(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RegistrationClosed, reg.Status)

	again, err := h.engine.HandleOutcome(ctx, outcomePayload(opened.SessionID, "sig-1", "win", ""))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, "2W", again.CurrentNodeID)

	t.Run("unknown trade", func(t *testing.T) {
		_, err := h.engine.HandleOutcome(ctx, outcomePayload(opened.SessionID, "other", "loss", ""))
		require.ErrorIs(t, err, domain.ErrUnknownTrade)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := h.engine.HandleOutcome(ctx, outcomePayload("missing", "sig-1", "loss", ""))
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("invalid payload", func(t *testing.T) {
		_, err := h.engine.HandleOutcome(ctx, []byte(`{"trade_id":"x"}`))
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
	})
}

func TestWorkflow_WinLadderCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var sessionID string
	targets := []string{"650", "650", "700"}
	for i, pnl := range targets {
		id := fmt.Sprintf("sig-%d", i+1)
		opened, err := h.engine.HandleSignal(ctx, signalPayload(id))
		require.NoError(t, err, id)
		if sessionID == "" {
			sessionID = opened.SessionID
		}
		require.Equal(t, sessionID, opened.SessionID)
		assert.True(t, opened.TargetProfit.Equal(decimal.RequireFromString(pnl)), opened.TargetProfit.String())

		_, err = h.engine.HandleOutcome(ctx, outcomePayload(sessionID, id, "win", pnl))
		require.NoError(t, err, id)
	}

	sess, err := h.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, sess.Completed)
	assert.Equal(t, domain.NodeWin, sess.CurrentNodeID)
	assert.True(t, sess.RunningTotal.Equal(decimal.NewFromInt(2000)))
	require.NoError(t, domain.DefaultGraph().ValidatePath(sess.Path))

	next, err := h.engine.HandleSignal(ctx, signalPayload("sig-4"))
	require.NoError(t, err)
	assert.True(t, next.SessionCreated)
	assert.NotEqual(t, sessionID, next.SessionID)
}

func TestHandleOutcome_NodeJumpRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess := domain.NewSession("s1", "jump", "BTCUSDT", "1", decimal.NewFromInt(100000), testNow)
	sess.AppendStep(domain.PathStep{
		Kind: domain.StepTrade, NodeID: "1", NextNodeID: "2W", TradeID: "t0",
		Outcome: domain.ResultWin, SignedResult: decimal.NewFromInt(650), Timestamp: testNow,
	})
	sess.CurrentNodeID = "3W"
	sess.PendingTrade = &domain.OpenTrade{
		TradeID: "t1", NodeID: "3W", Action: domain.ActionBuy, Symbol: "BTCUSDT",
		Entry: decimal.NewFromInt(45000), FillPrice: decimal.NewFromInt(45000), FilledStake: decimal.NewFromInt(1000),
	}
	require.NoError(t, h.store.ApplyMutation(ctx, domain.Mutation{SessionID: "s1", Session: sess}))

	resp, err := h.engine.HandleOutcome(ctx, outcomePayload("s1", "t1", "win", "100"))
	require.NoError(t, err)
	assert.True(t, resp.RequiresManualConfirmation)
	assert.Equal(t, "2W", resp.CurrentNodeID)
	assert.NotEmpty(t, resp.Message)

	stored, err := h.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "2W", stored.CurrentNodeID)
	assert.True(t, stored.RequiresManualConfirmation)
	assert.False(t, stored.Completed)
	require.Len(t, stored.Path, 2)
	assert.Equal(t, domain.StepRollback, stored.Path[1].Kind)
	assert.True(t, stored.RunningTotal.Equal(decimal.NewFromInt(750)))

	_, err = h.engine.HandleSignal(ctx, signalPayload("sig-9"))
	require.ErrorIs(t, err, domain.ErrSessionBlocked)

	confirmed, err := h.engine.Confirm(ctx, "s1", "")
	require.NoError(t, err)
	assert.False(t, confirmed.Session.RequiresManualConfirmation)
	require.Len(t, confirmed.Session.Path, 3)
	assert.Equal(t, domain.StepConfirmation, confirmed.Session.Path[2].Kind)
	assert.Equal(t, "2W", confirmed.Session.CurrentNodeID)
	require.NoError(t, domain.DefaultGraph().ValidatePath(confirmed.Session.Path))

	opened, err := h.engine.HandleSignal(ctx, signalPayload("sig-10"))
	require.NoError(t, err)
	assert.Equal(t, "s1", opened.SessionID)
	assert.Equal(t, "2W", opened.NodeID)
}

func TestHandleOutcome_CorruptHistoryBlocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess := domain.NewSession("s2", "corrupt", "BTCUSDT", "1", decimal.NewFromInt(100000), testNow)
	sess.AppendStep(domain.PathStep{
		Kind: domain.StepTrade, NodeID: "1", NextNodeID: "3W", TradeID: "t0",
		Outcome: domain.ResultWin, SignedResult: decimal.NewFromInt(650), Timestamp: testNow,
	})
	sess.CurrentNodeID = "3W"
	sess.PendingTrade = &domain.OpenTrade{
		TradeID: "t1", NodeID: "3W", Action: domain.ActionBuy, Symbol: "BTCUSDT",
		Entry: decimal.NewFromInt(45000), FillPrice: decimal.NewFromInt(45000), FilledStake: decimal.NewFromInt(1000),
	}
	require.NoError(t, h.store.ApplyMutation(ctx, domain.Mutation{SessionID: "s2", Session: sess}))

	resp, err := h.engine.HandleOutcome(ctx, outcomePayload("s2", "t1", "win", "100"))
	require.NoError(t, err)
	assert.True(t, resp.RequiresManualConfirmation)
	assert.Equal(t, "3W", resp.CurrentNodeID, "the win edge out of 3W is not taken")
	assert.Contains(t, resp.Message, "recorded path is invalid")

	stored, err := h.store.GetSession(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, stored.RequiresManualConfirmation)
	assert.Nil(t, stored.PendingTrade)
	assert.Equal(t, domain.StepRollback, stored.Path[len(stored.Path)-1].Kind)
}

func TestHandleSignal_ExecutionFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.respond = func(domain.Order) domain.ExecutionResult {
		return domain.ExecutionResult{
			Status:   domain.ExecutionFailed,
			Attempts: 3,
			Err:      &domain.ExecutionError{Attempts: 3, Err: errors.New("gateway timeout")},
		}
	}

	resp, err := h.engine.HandleSignal(ctx, signalPayload("sig-1"))
	var execErr *domain.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.Attempts)
	assert.Equal(t, domain.ExecutionFailed, resp.Status)

	sess, err := h.store.GetSession(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Nil(t, sess.PendingTrade, "a failed execution does not advance the session")
	assert.Equal(t, "1", sess.CurrentNodeID)

	execs, err := h.store.ListExecutions(ctx, resp.SessionID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ExecutionFailed, execs[0].Status)

	_, err = h.engine.HandleSignal(ctx, signalPayload("sig-1"))
	require.ErrorIs(t, err, domain.ErrDuplicateSignal)
}

func TestHandleSignal_PartialFill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.respond = func(o domain.Order) domain.ExecutionResult {
		half := o.Quantity.Div(decimal.NewFromInt(2))
		filled := half.Mul(o.Price)
		return domain.ExecutionResult{
			Status:         domain.ExecutionSuccess,
			ActualPrice:    o.Price,
			ActualQuantity: half,
			Attempts:       1,
			PartialFill: &domain.PartialFill{
				OriginalAmount: o.Notional,
				FilledAmount:   filled,
				FillPercentage: decimal.NewFromInt(50),
				Remaining:      o.Notional.Sub(filled),
			},
		}
	}

	resp, err := h.engine.HandleSignal(ctx, signalPayload("sig-1"))
	require.NoError(t, err)
	require.NotNil(t, resp.PartialFill)
	assert.InDelta(t, resp.Stake.InexactFloat64()/2, resp.FilledStake.InexactFloat64(), 0.01)

	sess, err := h.store.GetSession(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.PendingTrade.FilledStake.Equal(resp.FilledStake))
	assert.True(t, sess.PendingTrade.RequestedStake.Equal(resp.Stake))

	out, err := h.engine.HandleOutcome(ctx, outcomePayload(resp.SessionID, "sig-1", "win", ""))
	require.NoError(t, err)
	assert.Less(t, out.SignedResult.InexactFloat64(), 330.0, "P/L is computed on the filled stake")
}

func TestAdminCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	opened, err := h.engine.HandleSignal(ctx, signalPayload("sig-1"))
	require.NoError(t, err)
	id := opened.SessionID

	t.Run("delete refused with open trade", func(t *testing.T) {
		require.ErrorIs(t, h.engine.Delete(ctx, id), domain.ErrSessionBusy)
	})

	_, err = h.engine.HandleOutcome(ctx, outcomePayload(id, "sig-1", "loss", "-650"))
	require.NoError(t, err)

	t.Run("rename and annotate keep the node", func(t *testing.T) {
		res, err := h.engine.Rename(ctx, id, "  btc ladder ")
		require.NoError(t, err)
		assert.Equal(t, "btc ladder", res.Session.Name)
		assert.Equal(t, "2L", res.Session.CurrentNodeID)

		res, err = h.engine.Annotate(ctx, id, "news day")
		require.NoError(t, err)
		require.Len(t, res.Session.Notes, 1)

		_, err = h.engine.Rename(ctx, id, " ")
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("pause parks the session and resume detects conflicts", func(t *testing.T) {
		res, err := h.engine.Pause(ctx, id)
		require.NoError(t, err)
		assert.True(t, res.Session.Paused)

		_, err = h.engine.Pause(ctx, id)
		require.ErrorIs(t, err, domain.ErrSessionPaused)

		other, err := h.engine.HandleSignal(ctx, signalPayload("sig-2"))
		require.NoError(t, err)
		assert.True(t, other.SessionCreated)
		assert.NotEqual(t, id, other.SessionID)

		_, err = h.engine.Resume(ctx, id)
		require.ErrorIs(t, err, domain.ErrSessionConflict)

		_, err = h.engine.HandleOutcome(ctx, outcomePayload(other.SessionID, "sig-2", "win", "650"))
		require.NoError(t, err)
		_, err = h.engine.Pause(ctx, other.SessionID)
		require.NoError(t, err)

		res, err = h.engine.Resume(ctx, id)
		require.NoError(t, err)
		assert.False(t, res.Session.Paused)
		assert.Equal(t, "2L", res.Session.CurrentNodeID)
	})

	t.Run("confirm without a block is a no-op", func(t *testing.T) {
		before, err := h.store.GetSession(ctx, id)
		require.NoError(t, err)

		res, err := h.engine.Confirm(ctx, id, "ok")
		require.NoError(t, err)
		assert.Equal(t, before.Version, res.Session.Version)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, h.engine.Delete(ctx, id))
		_, err := h.engine.Session(ctx, id)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

// failingSessionReads serves everything from the wrapped store except session loads.
type failingSessionReads struct {
	*sessions.Store
	err error
}

func (f failingSessionReads) GetSession(context.Context, string) (*domain.Session, error) {
	return nil, f.err
}

func closeAt(price int64, calls *int32) CloseFunc {
	return func(_ context.Context, _ domain.OvernightRegistration) (decimal.Decimal, *domain.ExecutionRecord) {
		atomic.AddInt32(calls, 1)
		return decimal.NewFromInt(price), nil
	}
}

func TestForceClose(t *testing.T) {
	ctx := context.Background()

	t.Run("rolls the session back to the previous node", func(t *testing.T) {
		h := newHarness(t)

		opened, err := h.engine.HandleSignal(ctx, signalPayload("sig-1"))
		require.NoError(t, err)
		_, err = h.engine.HandleOutcome(ctx, outcomePayload(opened.SessionID, "sig-1", "win", "650"))
		require.NoError(t, err)

		second, err := h.engine.HandleSignal(ctx, signalPayload("sig-2"))
		require.NoError(t, err)
		assert.Equal(t, "2W", second.NodeID)

		reg, err := h.store.GetRegistration(ctx, "sig-2")
		require.NoError(t, err)

		var calls int32
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		sess, err := h.engine.ForceClose(cancelled, *reg, "overnight cutoff", closeAt(45500, &calls))
		require.NoError(t, err)
		assert.EqualValues(t, 1, calls)
		assert.Equal(t, "2W", sess.CurrentNodeID)
		assert.Nil(t, sess.PendingTrade)

		last := sess.Path[len(sess.Path)-1]
		assert.Equal(t, domain.StepRollback, last.Kind)
		assert.True(t, last.SignedResult.IsPositive())
		assert.True(t, sess.RunningTotal.Equal(sess.PathTotal()))

		stored, err := h.store.GetRegistration(ctx, "sig-2")
		require.NoError(t, err)
		assert.Equal(t, domain.RegistrationRolledBack, stored.Status)
		assert.True(t, stored.ClosePrice.Equal(decimal.NewFromInt(45500)))

		_, err = h.engine.HandleSignal(ctx, signalPayload("sig-3"))
		require.NoError(t, err, "session accepts trades again after the rollback")
	})

	t.Run("does not close a trade an outcome already resolved", func(t *testing.T) {
		h := newHarness(t)

		opened, err := h.engine.HandleSignal(ctx, signalPayload("sig-1"))
		require.NoError(t, err)
		snapshot, err := h.store.GetRegistration(ctx, "sig-1")
		require.NoError(t, err)

		_, err = h.engine.HandleOutcome(ctx, outcomePayload(opened.SessionID, "sig-1", "win", "650"))
		require.NoError(t, err)

		var calls int32
		_, err = h.engine.ForceClose(ctx, *snapshot, "overnight cutoff", closeAt(45500, &calls))
		require.ErrorIs(t, err, domain.ErrRegistrationInactive)
		assert.Zero(t, calls)

		sess, err := h.store.GetSession(ctx, opened.SessionID)
		require.NoError(t, err)
		assert.Equal(t, "2W", sess.CurrentNodeID)
		require.Len(t, sess.Path, 1)
		assert.Equal(t, domain.StepTrade, sess.Path[0].Kind)
	})

	t.Run("session load failure still retires the registration", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.engine.HandleSignal(ctx, signalPayload("sig-p"))
		require.NoError(t, err)
		reg, err := h.store.GetRegistration(ctx, "sig-p")
		require.NoError(t, err)

		h.engine.Store = failingSessionReads{Store: h.store, err: errors.New("connection refused")}
		defer func() { h.engine.Store = h.store }()

		var calls int32
		_, err = h.engine.ForceClose(ctx, *reg, "overnight cutoff", closeAt(45500, &calls))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
		assert.EqualValues(t, 1, calls)

		stored, err := h.store.GetRegistration(ctx, "sig-p")
		require.NoError(t, err)
		assert.Equal(t, domain.RegistrationRolledBack, stored.Status)

		active, err := h.store.ListActiveRegistrations(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)

		_, err = h.engine.ForceClose(ctx, *reg, "overnight cutoff", closeAt(45500, &calls))
		require.ErrorIs(t, err, domain.ErrRegistrationInactive)
		assert.EqualValues(t, 1, calls, "the venue is not asked to close the trade twice")
	})

	t.Run("racing outcome and forced close resolve the trade once", func(t *testing.T) {
		h := newHarness(t)

		opened, err := h.engine.HandleSignal(ctx, signalPayload("sig-1"))
		require.NoError(t, err)
		reg, err := h.store.GetRegistration(ctx, "sig-1")
		require.NoError(t, err)

		var (
			calls    int32
			wg       sync.WaitGroup
			outcome  OutcomeResponse
			outErr   error
			forceErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			outcome, outErr = h.engine.HandleOutcome(ctx, outcomePayload(opened.SessionID, "sig-1", "win", "650"))
		}()
		go func() {
			defer wg.Done()
			_, forceErr = h.engine.ForceClose(ctx, *reg, "overnight cutoff", closeAt(45500, &calls))
		}()
		wg.Wait()

		sess, err := h.store.GetSession(ctx, opened.SessionID)
		require.NoError(t, err)
		require.Len(t, sess.Path, 1)
		assert.Nil(t, sess.PendingTrade)

		if atomic.LoadInt32(&calls) == 1 {
			require.NoError(t, forceErr)
			require.NoError(t, outErr)
			assert.True(t, outcome.Duplicate)
			assert.Equal(t, domain.StepRollback, sess.Path[0].Kind)
		} else {
			require.NoError(t, outErr)
			require.ErrorIs(t, forceErr, domain.ErrRegistrationInactive)
			assert.Equal(t, domain.StepTrade, sess.Path[0].Kind)
		}

		active, err := h.store.ListActiveRegistrations(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}

func TestHandleOutcome_ConcurrentDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	opened, err := h.engine.HandleSignal(ctx, signalPayload("sig-1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]OutcomeResponse, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.engine.HandleOutcome(ctx, outcomePayload(opened.SessionID, "sig-1", "win", "650"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		if !r.Duplicate {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	sess, err := h.store.GetSession(ctx, opened.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.RunningTotal.Equal(decimal.NewFromInt(650)))
	assert.Zero(t, h.engine.sessionLocks.size())
}

func TestKeyedMutex(t *testing.T) {
	km := newKeyedMutex()
	unlockA := km.Lock("a")

	acquired := make(chan struct{})
	go func() {
		unlock := km.Lock("a")
		close(acquired)
		unlock()
	}()

	unlockB := km.Lock("b")
	unlockB()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-acquired
	require.Eventually(t, func() bool { return km.size() == 0 }, time.Second, time.Millisecond)
}
