package overnight

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/services/execution"
	"github.com/vadiminshakov/ladder/internal/services/workflow"
	"github.com/vadiminshakov/ladder/mocks/venue"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticRegs []domain.OvernightRegistration

func (s staticRegs) ListActiveRegistrations(context.Context) ([]domain.OvernightRegistration, error) {
	return s, nil
}

// recordingRoller treats trades listed in resolved as already closed by an outcome.
type recordingRoller struct {
	mu       sync.Mutex
	resolved map[string]bool
	calls    []workflow.ForcedClose
}

func (r *recordingRoller) ForceClose(ctx context.Context, reg domain.OvernightRegistration, reason string, closeFn workflow.CloseFunc) (*domain.Session, error) {
	r.mu.Lock()
	skip := r.resolved[reg.TradeID]
	r.mu.Unlock()
	if skip {
		return nil, errors.Wrapf(domain.ErrRegistrationInactive, "trade %s is closed", reg.TradeID)
	}

	price, rec := closeFn(ctx, reg)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, workflow.ForcedClose{Registration: reg, Price: price, Reason: reason, Execution: rec})
	return &domain.Session{ID: reg.SessionID, CurrentNodeID: reg.PreviousNodeID}, nil
}

func (r *recordingRoller) byTrade() map[string]workflow.ForcedClose {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]workflow.ForcedClose, len(r.calls))
	for _, c := range r.calls {
		out[c.Registration.TradeID] = c
	}
	return out
}

type recordingAlerts struct {
	mu     sync.Mutex
	errors map[string]error
}

func (a *recordingAlerts) ObserveForcedClosure(reg domain.OvernightRegistration, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.errors == nil {
		a.errors = make(map[string]error)
	}
	a.errors[reg.TradeID] = err
}

func registration(tradeID string, registeredAt time.Time) domain.OvernightRegistration {
	return domain.OvernightRegistration{
		TradeID:               tradeID,
		SessionID:             "s-" + tradeID,
		Symbol:                "BTCUSDT",
		Action:                domain.ActionBuy,
		Entry:                 d("45000"),
		Target:                d("46000"),
		Stop:                  d("44500"),
		StakeAmount:           d("9000"),
		Quantity:              d("0.2"),
		NodeID:                "2W",
		PreviousNodeID:        "2W",
		OvernightCloseEnabled: true,
		Status:                domain.RegistrationActive,
		RegisteredAt:          registeredAt,
	}
}

func TestCutoffFor(t *testing.T) {
	g := NewGuardian(zap.NewNop(), DefaultConfig(), staticRegs{}, nil, nil, nil, nil)

	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{"afternoon rolls to next day", time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC), time.Date(2025, 5, 2, 3, 0, 0, 0, time.UTC)},
		{"early morning same day", time.Date(2025, 5, 1, 2, 0, 0, 0, time.UTC), time.Date(2025, 5, 1, 3, 0, 0, 0, time.UTC)},
		{"exactly at cutoff", time.Date(2025, 5, 1, 3, 0, 0, 0, time.UTC), time.Date(2025, 5, 2, 3, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, g.CutoffFor(tt.at).Equal(tt.want), g.CutoffFor(tt.at))
		})
	}

	t.Run("configured zone", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Location = time.FixedZone("UTC+2", 2*3600)
		zoned := NewGuardian(zap.NewNop(), cfg, staticRegs{}, nil, nil, nil, nil)
		got := zoned.CutoffFor(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
		assert.True(t, got.Equal(time.Date(2025, 5, 2, 1, 0, 0, 0, time.UTC)), got)
	})
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("03:15")
	require.NoError(t, err)
	assert.Equal(t, 3, h)
	assert.Equal(t, 15, m)

	for _, bad := range []string{"3", "24:00", "03:60", "aa:bb"} {
		_, _, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestScan_ForcesClosureAfterCutoff(t *testing.T) {
	registered := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	disabled := registration("t3", registered)
	disabled.OvernightCloseEnabled = false
	regs := staticRegs{registration("t1", registered), registration("t2", registered), disabled}

	v := venue.NewVenue(t)
	v.On("GetPrice", mock.Anything, "BTCUSDT").Return(d("45500"), nil)
	v.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(o domain.Order) bool {
		return o.Action == domain.ActionSell && (o.ClientOrderID == "close-t1" || o.ClientOrderID == "close-t2")
	})).Return(domain.Fill{VenueOrderID: "c", Price: d("45510"), Quantity: d("0.2")}, nil).Twice()

	roller := &recordingRoller{}
	alerts := &recordingAlerts{}
	g := NewGuardian(zap.NewNop(), DefaultConfig(), regs,
		execution.New(zap.NewNop(), v, execution.DefaultConfig(), nil), roller, alerts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	report, err := g.Scan(ctx, time.Date(2025, 5, 2, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Evaluated: 2, Forced: 2}, report)

	calls := roller.byTrade()
	require.Len(t, calls, 2)
	fc := calls["t1"]
	assert.True(t, fc.Price.Equal(d("45510")))
	require.NotNil(t, fc.Execution)
	assert.Equal(t, domain.ExecutionClose, fc.Execution.Kind)
	assert.Equal(t, domain.ExecutionSuccess, fc.Execution.Status)
	assert.Contains(t, fc.Reason, "overnight cutoff")

	assert.NoError(t, alerts.errors["t1"])
}

func TestScan_GraceWindowEarlyExit(t *testing.T) {
	cutoff := time.Date(2025, 5, 2, 3, 0, 0, 0, time.UTC)
	now := cutoff.Add(-10 * time.Minute)

	nearTarget := registration("near", now.Add(-time.Hour))
	nearTarget.Target = d("45700")
	longOpen := registration("old", now.Add(-5*time.Hour))
	calm := registration("calm", now.Add(-time.Hour))

	v := venue.NewVenue(t)
	v.On("GetPrice", mock.Anything, "BTCUSDT").Return(d("45500"), nil)
	v.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(o domain.Order) bool {
		return o.ClientOrderID == "close-near" || o.ClientOrderID == "close-old"
	})).Return(domain.Fill{VenueOrderID: "c", Price: d("45500"), Quantity: d("0.2")}, nil).Twice()

	cfg := DefaultConfig()
	cfg.MinToCutoff = 5 * time.Minute
	roller := &recordingRoller{}
	g := NewGuardian(zap.NewNop(), cfg, staticRegs{nearTarget, longOpen, calm},
		execution.New(zap.NewNop(), v, execution.DefaultConfig(), nil), roller, nil, nil)

	report, err := g.Scan(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Evaluated: 3, EarlyExits: 2}, report)

	calls := roller.byTrade()
	assert.Contains(t, calls["near"].Reason, "of target")
	assert.Contains(t, calls["old"].Reason, "open for")
	assert.NotContains(t, calls, "calm")

	t.Run("default minutes-to-cutoff closes everything in the window", func(t *testing.T) {
		v := venue.NewVenue(t)
		v.On("GetPrice", mock.Anything, "BTCUSDT").Return(d("45500"), nil)
		v.On("SubmitOrder", mock.Anything, mock.Anything).
			Return(domain.Fill{VenueOrderID: "c", Price: d("45500"), Quantity: d("0.2")}, nil).Once()

		roller := &recordingRoller{}
		g := NewGuardian(zap.NewNop(), DefaultConfig(), staticRegs{calm},
			execution.New(zap.NewNop(), v, execution.DefaultConfig(), nil), roller, nil, nil)
		report, err := g.Scan(context.Background(), now)
		require.NoError(t, err)
		assert.Equal(t, 1, report.EarlyExits)
		assert.Contains(t, roller.byTrade()["calm"].Reason, "to cutoff")
	})

	t.Run("before the window nothing happens", func(t *testing.T) {
		g := NewGuardian(zap.NewNop(), DefaultConfig(), staticRegs{calm}, nil, &recordingRoller{}, nil, nil)
		report, err := g.Scan(context.Background(), cutoff.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, ScanReport{Evaluated: 1}, report)
	})
}

func TestScan_CloseFailureStillRollsBack(t *testing.T) {
	registered := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	v := venue.NewVenue(t)
	v.On("GetPrice", mock.Anything, "BTCUSDT").Return(d("45500"), nil)
	v.On("SubmitOrder", mock.Anything, mock.Anything).Return(domain.Fill{}, errors.New("insufficient balance")).Once()

	roller := &recordingRoller{}
	alerts := &recordingAlerts{}
	g := NewGuardian(zap.NewNop(), DefaultConfig(), staticRegs{registration("t1", registered)},
		execution.New(zap.NewNop(), v, execution.DefaultConfig(), nil), roller, alerts, nil)

	report, err := g.Scan(context.Background(), time.Date(2025, 5, 2, 4, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Evaluated: 1, Failed: 1}, report)

	fc, ok := roller.byTrade()["t1"]
	require.True(t, ok, "rollback is applied even when the close order fails")
	assert.True(t, fc.Price.Equal(d("45500")))
	assert.Equal(t, domain.ExecutionFailed, fc.Execution.Status)
	assert.Error(t, alerts.errors["t1"])
}

func TestScan_SkipsTradesResolvedBeforeClose(t *testing.T) {
	registered := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	v := venue.NewVenue(t)
	v.On("GetPrice", mock.Anything, "BTCUSDT").Return(d("45500"), nil)
	v.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(o domain.Order) bool {
		return o.ClientOrderID == "close-live"
	})).Return(domain.Fill{VenueOrderID: "c", Price: d("45500"), Quantity: d("0.2")}, nil).Once()

	roller := &recordingRoller{resolved: map[string]bool{"won": true}}
	alerts := &recordingAlerts{}
	g := NewGuardian(zap.NewNop(), DefaultConfig(), staticRegs{registration("won", registered), registration("live", registered)},
		execution.New(zap.NewNop(), v, execution.DefaultConfig(), nil), roller, alerts, nil)

	report, err := g.Scan(context.Background(), time.Date(2025, 5, 2, 3, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, ScanReport{Evaluated: 2, Forced: 1, Skipped: 1}, report)

	calls := roller.byTrade()
	assert.Contains(t, calls, "live")
	assert.NotContains(t, calls, "won", "no close order for a trade an outcome already resolved")
	assert.NotContains(t, alerts.errors, "won")
}

func TestGuardian_RunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	g := NewGuardian(zap.NewNop(), cfg, staticRegs{}, nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, g.Run(ctx))
}
