// Package intake parses, validates and deduplicates inbound trading signals and outcome callbacks.
package intake

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
)

var requiredFields = []string{"action", "symbol", "timeframe", "time", "entry", "target", "stop", "id", "rr", "risk"}

// Field aliases used by common chart alert templates.
var fieldAliases = map[string][]string{
	"symbol":    {"symbol", "ticker"},
	"timeframe": {"timeframe", "interval"},
}

// Config holds the thresholds applied to signals.
type Config struct {
	MaxAge          time.Duration
	StaleAfter      time.Duration
	MaxFutureSkew   time.Duration
	MinRiskReward   decimal.Decimal
	MaxRiskReward   decimal.Decimal
	MinRiskPercent  decimal.Decimal
	MaxRiskPercent  decimal.Decimal
	RRTolerance     decimal.Decimal
	MinStopDistance decimal.Decimal
	MaxStopDistance decimal.Decimal
}

// DefaultConfig returns the standard signal thresholds.
func DefaultConfig() Config {
	return Config{
		MaxAge:          24 * time.Hour,
		StaleAfter:      5 * time.Minute,
		MaxFutureSkew:   time.Minute,
		MinRiskReward:   decimal.NewFromInt(1),
		MaxRiskReward:   decimal.NewFromInt(10),
		MinRiskPercent:  decimal.RequireFromString("0.1"),
		MaxRiskPercent:  decimal.NewFromInt(5),
		RRTolerance:     decimal.RequireFromString("0.10"),
		MinStopDistance: decimal.RequireFromString("0.001"),
		MaxStopDistance: decimal.RequireFromString("0.10"),
	}
}

type signalLookup interface {
	SignalProcessed(ctx context.Context, externalID string) (bool, error)
}

// Intake is the entry point for raw webhook payloads.
type Intake struct {
	cfg           Config
	l             *zap.Logger
	store         signalLookup
	signalSchema  *jsonschema.Schema
	outcomeSchema *jsonschema.Schema
	now           func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New compiles the payload schemas.
func New(l *zap.Logger, cfg Config, store signalLookup) (*Intake, error) {
	ss, err := compileSchema("signal.json", signalSchema)
	if err != nil {
		return nil, err
	}
	outSchema, err := compileSchema("outcome.json", outcomeSchema)
	if err != nil {
		return nil, err
	}

	return &Intake{
		cfg:           cfg,
		l:             l,
		store:         store,
		signalSchema:  ss,
		outcomeSchema: outSchema,
		now:           time.Now,
		inflight:      make(map[string]struct{}),
	}, nil
}

// SetClock overrides the time source.
func (in *Intake) SetClock(now func() time.Time) {
	in.now = now
}

// Accept parses, validates and claims a signal. Returned warnings never block acceptance.
// A successful Accept must be paired with Release once the signal's outcome is recorded.
func (in *Intake) Accept(ctx context.Context, raw []byte) (domain.TradeSignal, []string, error) {
	sig, res := in.Parse(raw)
	if len(res.Errors) > 0 {
		in.l.Warn("signal rejected", zap.Strings("reasons", res.Errors), zap.String("id", sig.ExternalID))
		return sig, res.Warnings, &domain.ValidationError{Reasons: res.Errors, Warnings: res.Warnings}
	}

	if err := in.claim(ctx, sig.ExternalID); err != nil {
		return sig, res.Warnings, err
	}

	if len(res.Warnings) > 0 {
		in.l.Info("signal accepted with warnings", zap.String("id", sig.ExternalID), zap.Strings("warnings", res.Warnings))
	}

	return sig, res.Warnings, nil
}

// Release drops the in-flight claim for an externalId.
func (in *Intake) Release(externalID string) {
	in.mu.Lock()
	delete(in.inflight, externalID)
	in.mu.Unlock()
}

func (in *Intake) claim(ctx context.Context, externalID string) error {
	in.mu.Lock()
	if _, busy := in.inflight[externalID]; busy {
		in.mu.Unlock()
		return errors.Wrapf(domain.ErrDuplicateSignal, "signal %s is being processed", externalID)
	}
	in.inflight[externalID] = struct{}{}
	in.mu.Unlock()

	processed, err := in.store.SignalProcessed(ctx, externalID)
	if err != nil {
		in.Release(externalID)
		return errors.Wrap(err, "check signal idempotency")
	}
	if processed {
		in.Release(externalID)
		return errors.Wrapf(domain.ErrDuplicateSignal, "signal %s", externalID)
	}

	return nil
}

// ValidationResult collects hard errors and soft warnings.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func lookup(parsed gjson.Result, field string) gjson.Result {
	for _, name := range append(fieldAliases[field], field) {
		if r := parsed.Get(name); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

func present(r gjson.Result) bool {
	return r.Exists() && r.Type != gjson.Null && strings.TrimSpace(r.String()) != ""
}

func parseDecimal(r gjson.Result) (decimal.Decimal, error) {
	if r.Type == gjson.Number {
		return decimal.NewFromString(r.Raw)
	}
	return decimal.NewFromString(strings.TrimSpace(r.String()))
}

func parseTime(r gjson.Result) (time.Time, error) {
	toUnix := func(n int64) time.Time {
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}

	if r.Type == gjson.Number {
		return toUnix(r.Int()), nil
	}

	s := strings.TrimSpace(r.String())
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return toUnix(n), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognised time %q", s)
}

// Parse turns a raw payload into a normalized signal and reports every problem found.
func (in *Intake) Parse(raw []byte) (domain.TradeSignal, ValidationResult) {
	var res ValidationResult
	sig := domain.TradeSignal{Raw: raw, ReceivedAt: in.now().UTC()}

	if !gjson.ValidBytes(raw) {
		res.fail("payload is not valid JSON")
		return sig, res
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		res.fail("payload must be a JSON object")
		return sig, res
	}
	if err := in.signalSchema.Validate(parsed.Value()); err != nil {
		res.Errors = append(res.Errors, schemaReasons(err)...)
		return sig, res
	}

	fields := make(map[string]gjson.Result, len(requiredFields))
	for _, f := range requiredFields {
		r := lookup(parsed, f)
		if !present(r) {
			res.fail("field %s is required", f)
			continue
		}
		fields[f] = r
	}

	if r, ok := fields["id"]; ok {
		sig.ExternalID = strings.TrimSpace(r.String())
	}
	if r, ok := fields["symbol"]; ok {
		sig.Symbol = domain.NormalizeSymbol(r.String())
	}
	if r, ok := fields["action"]; ok {
		a, err := domain.ParseAction(r.String())
		if err != nil {
			res.fail("%v", err)
		}
		sig.Action = a
	}
	if r, ok := fields["timeframe"]; ok {
		tf, changed, known := domain.NormalizeTimeframe(r.String())
		sig.Timeframe = tf
		switch {
		case !known:
			res.warn("timeframe %q not recognised, kept as %q", r.String(), tf)
		case changed:
			res.warn("timeframe %q normalized to %q", r.String(), tf)
		}
	}
	if r, ok := fields["time"]; ok {
		t, err := parseTime(r)
		if err != nil {
			res.fail("field time: %v", err)
		}
		sig.SignalTime = t
	}
	if r := parsed.Get("overnight_close"); r.Exists() && (r.Type == gjson.True || r.Type == gjson.False) {
		v := r.Bool()
		sig.OvernightClose = &v
	}

	prices := map[string]*decimal.Decimal{
		"entry":  &sig.Entry,
		"target": &sig.Target,
		"stop":   &sig.Stop,
		"rr":     &sig.RiskReward,
		"risk":   &sig.RiskPercent,
	}
	pricesOK := true
	for _, f := range []string{"entry", "target", "stop", "rr", "risk"} {
		r, ok := fields[f]
		if !ok {
			pricesOK = false
			continue
		}
		v, err := parseDecimal(r)
		if err != nil {
			res.fail("field %s is not numeric: %q", f, r.String())
			pricesOK = false
			continue
		}
		if (f == "entry" || f == "target" || f == "stop") && !v.IsPositive() {
			res.fail("field %s must be positive", f)
			pricesOK = false
		}
		*prices[f] = v
	}

	if len(res.Errors) == 0 && pricesOK {
		in.checkPrices(&sig, &res)
		in.checkAge(&sig, &res)
	}

	return sig, res
}

func (in *Intake) checkPrices(sig *domain.TradeSignal, res *ValidationResult) {
	switch sig.Action {
	case domain.ActionBuy:
		if !sig.Target.GreaterThan(sig.Entry) {
			res.fail("buy target %s must be above entry %s", sig.Target, sig.Entry)
		}
		if !sig.Stop.LessThan(sig.Entry) {
			res.fail("buy stop %s must be below entry %s", sig.Stop, sig.Entry)
		}
	case domain.ActionSell:
		if !sig.Target.LessThan(sig.Entry) {
			res.fail("sell target %s must be below entry %s", sig.Target, sig.Entry)
		}
		if !sig.Stop.GreaterThan(sig.Entry) {
			res.fail("sell stop %s must be above entry %s", sig.Stop, sig.Entry)
		}
	}
	if len(res.Errors) > 0 {
		return
	}

	cfg := in.cfg
	if sig.RiskReward.LessThan(cfg.MinRiskReward) || sig.RiskReward.GreaterThan(cfg.MaxRiskReward) {
		res.warn("risk/reward %s outside [%s, %s]", sig.RiskReward, cfg.MinRiskReward, cfg.MaxRiskReward)
	}
	if sig.RiskPercent.LessThan(cfg.MinRiskPercent) || sig.RiskPercent.GreaterThan(cfg.MaxRiskPercent) {
		res.warn("risk %s%% outside [%s%%, %s%%]", sig.RiskPercent, cfg.MinRiskPercent, cfg.MaxRiskPercent)
	}

	stopDist := sig.Entry.Sub(sig.Stop).Abs()
	implied := sig.Target.Sub(sig.Entry).Abs().Div(stopDist)
	if sig.RiskReward.IsPositive() && implied.Sub(sig.RiskReward).Abs().Div(sig.RiskReward).GreaterThan(cfg.RRTolerance) {
		res.warn("declared risk/reward %s differs from price implied %s", sig.RiskReward, implied.StringFixed(2))
	}

	rel := stopDist.Div(sig.Entry)
	if rel.LessThan(cfg.MinStopDistance) {
		res.warn("stop distance %s%% is unusually tight", rel.Mul(decimal.NewFromInt(100)).StringFixed(3))
	}
	if rel.GreaterThan(cfg.MaxStopDistance) {
		res.warn("stop distance %s%% is unusually wide", rel.Mul(decimal.NewFromInt(100)).StringFixed(2))
	}
}

func (in *Intake) checkAge(sig *domain.TradeSignal, res *ValidationResult) {
	if sig.SignalTime.IsZero() {
		return
	}
	age := sig.ReceivedAt.Sub(sig.SignalTime)
	switch {
	case age > in.cfg.MaxAge:
		res.fail("signal is %s old, limit %s", age.Round(time.Second), in.cfg.MaxAge)
	case age > in.cfg.StaleAfter:
		res.warn("signal is %s old", age.Round(time.Second))
	case -age > in.cfg.MaxFutureSkew:
		res.warn("signal time is %s in the future", (-age).Round(time.Second))
	}
}

// ParseOutcome validates an outcome callback.
func (in *Intake) ParseOutcome(raw []byte) (domain.Outcome, error) {
	var out domain.Outcome
	var res ValidationResult

	if !gjson.ValidBytes(raw) {
		return out, &domain.ValidationError{Reasons: []string{"payload is not valid JSON"}}
	}
	parsed := gjson.ParseBytes(raw)
	if err := in.outcomeSchema.Validate(parsed.Value()); err != nil {
		return out, &domain.ValidationError{Reasons: schemaReasons(err)}
	}

	out.TradeID = strings.TrimSpace(parsed.Get("trade_id").String())
	out.SessionID = strings.TrimSpace(parsed.Get("session_id").String())
	out.Result = domain.Result(strings.ToLower(parsed.Get("result").String()))
	if out.TradeID == "" {
		res.fail("field trade_id is required")
	}

	if r := parsed.Get("exit_price"); present(r) {
		v, err := parseDecimal(r)
		if err != nil || v.IsNegative() {
			res.fail("field exit_price is not a valid price: %q", r.String())
		}
		out.ExitPrice = v
	}
	if r := parsed.Get("profit_loss"); present(r) {
		v, err := parseDecimal(r)
		if err != nil {
			res.fail("field profit_loss is not numeric: %q", r.String())
		} else {
			out.ProfitLoss = &v
		}
	}
	if !out.ExitPrice.IsPositive() && out.ProfitLoss == nil {
		res.fail("either exit_price or profit_loss is required")
	}

	out.ExitReason = domain.ExitReason(strings.ToLower(parsed.Get("exit_reason").String()))
	if out.ExitReason == "" {
		if out.Result == domain.ResultWin {
			out.ExitReason = domain.ExitTargetReached
		} else {
			out.ExitReason = domain.ExitStopReached
		}
	}
	if !out.ExitReason.Valid() {
		res.fail("exit_reason %q is not one of target_reached, stop_reached, manual_close, partial_fill", out.ExitReason)
	}

	out.ExitedAt = in.now().UTC()
	if r := parsed.Get("exited_at"); present(r) {
		t, err := parseTime(r)
		if err != nil {
			res.fail("field exited_at: %v", err)
		} else {
			out.ExitedAt = t
		}
	}

	if len(res.Errors) > 0 {
		return out, &domain.ValidationError{Reasons: res.Errors}
	}
	return out, nil
}
