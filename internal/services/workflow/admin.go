package workflow

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
)

// AdminResult is the session after an operator command.
type AdminResult struct {
	Session   *domain.Session `json:"session"`
	Persisted bool            `json:"persisted"`
}

// Admin commands never move CurrentNodeID.

func (e *Engine) Rename(ctx context.Context, id, name string) (AdminResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return AdminResult{}, &domain.ValidationError{Reasons: []string{"name must not be empty"}}
	}
	return e.mutate(ctx, id, domain.EventSessionUpdated, func(sess *domain.Session) error {
		sess.Name = name
		return nil
	})
}

func (e *Engine) Annotate(ctx context.Context, id, text string) (AdminResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return AdminResult{}, &domain.ValidationError{Reasons: []string{"note must not be empty"}}
	}
	return e.mutate(ctx, id, domain.EventSessionUpdated, func(sess *domain.Session) error {
		sess.Notes = append(sess.Notes, domain.Note{Text: text, CreatedAt: e.now()})
		return nil
	})
}

func (e *Engine) Pause(ctx context.Context, id string) (AdminResult, error) {
	return e.mutate(ctx, id, domain.EventSessionUpdated, func(sess *domain.Session) error {
		if sess.Completed {
			return errors.Wrapf(domain.ErrSessionCompleted, "session %s", sess.ID)
		}
		if sess.Paused {
			return errors.Wrapf(domain.ErrSessionPaused, "session %s", sess.ID)
		}
		sess.Paused = true
		return nil
	})
}

// Resume reactivates a paused session unless another session already trades the symbol.
func (e *Engine) Resume(ctx context.Context, id string) (AdminResult, error) {
	current, err := e.Store.GetSession(ctx, id)
	if err != nil {
		return AdminResult{}, err
	}

	unlockSymbol := e.symbolLocks.Lock(current.Symbol)
	defer unlockSymbol()

	return e.mutate(ctx, id, domain.EventSessionUpdated, func(sess *domain.Session) error {
		if sess.Completed {
			return errors.Wrapf(domain.ErrSessionCompleted, "session %s", sess.ID)
		}
		if !sess.Paused {
			return nil
		}
		active, err := e.Store.FindActiveSession(ctx, sess.Symbol)
		switch {
		case err == nil && active.ID != sess.ID:
			return errors.Wrapf(domain.ErrSessionConflict, "session %s is active for %s", active.ID, sess.Symbol)
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return err
		}
		sess.Paused = false
		return nil
	})
}

// Confirm clears a manual-confirmation block and records the operator's acknowledgement.
func (e *Engine) Confirm(ctx context.Context, id, note string) (AdminResult, error) {
	return e.mutate(ctx, id, domain.EventConfirmed, func(sess *domain.Session) error {
		if sess.Completed {
			return errors.Wrapf(domain.ErrSessionCompleted, "session %s", sess.ID)
		}
		if !sess.RequiresManualConfirmation {
			return nil
		}
		if note = strings.TrimSpace(note); note == "" {
			note = "confirmed: " + sess.BlockReason
		}
		sess.AppendStep(domain.PathStep{
			Kind:       domain.StepConfirmation,
			NodeID:     sess.CurrentNodeID,
			NextNodeID: sess.CurrentNodeID,
			Timestamp:  e.now(),
			Note:       note,
		})
		sess.RequiresManualConfirmation = false
		sess.BlockReason = ""
		return nil
	})
}

// Delete removes a session that has no open trade.
func (e *Engine) Delete(ctx context.Context, id string) error {
	unlock := e.sessionLocks.Lock(id)
	defer unlock()

	sess, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if sess.PendingTrade != nil {
		return errors.Wrapf(domain.ErrSessionBusy, "session %s has open trade %s", id, sess.PendingTrade.TradeID)
	}

	if _, err := e.persist(ctx, domain.Mutation{SessionID: id, DeleteSession: true}); err != nil {
		return err
	}

	e.publish(sessionEvent(domain.EventSessionDeleted, sess))
	e.l.Info("session deleted", zap.String("session_id", id))
	return nil
}

// mutate runs fn on a fresh copy of the session under its lock and persists
// the result when fn changed the version-relevant state.
func (e *Engine) mutate(ctx context.Context, id string, evType domain.SessionEventType, fn func(sess *domain.Session) error) (AdminResult, error) {
	unlock := e.sessionLocks.Lock(id)
	defer unlock()

	sess, err := e.load(ctx, id)
	if err != nil {
		return AdminResult{}, err
	}
	before := sess.Clone()
	if err := fn(sess); err != nil {
		return AdminResult{Session: before, Persisted: true}, err
	}
	if unchanged(before, sess) {
		return AdminResult{Session: sess, Persisted: true}, nil
	}

	sess.Touch(e.now())
	persisted, err := e.persist(ctx, domain.Mutation{SessionID: id, Session: sess})
	if err != nil {
		return AdminResult{Session: before}, err
	}

	e.publish(sessionEvent(evType, sess))
	return AdminResult{Session: sess, Persisted: persisted}, nil
}

func unchanged(a, b *domain.Session) bool {
	return a.Name == b.Name &&
		a.Paused == b.Paused &&
		a.RequiresManualConfirmation == b.RequiresManualConfirmation &&
		len(a.Notes) == len(b.Notes) &&
		len(a.Path) == len(b.Path)
}

// Session returns one session.
func (e *Engine) Session(ctx context.Context, id string) (*domain.Session, error) {
	return e.Store.GetSession(ctx, id)
}

// Sessions lists sessions matching f.
func (e *Engine) Sessions(ctx context.Context, f domain.SessionFilter) ([]*domain.Session, error) {
	return e.Store.ListSessions(ctx, f)
}

// Executions lists the execution audit of a session.
func (e *Engine) Executions(ctx context.Context, id string) ([]domain.ExecutionRecord, error) {
	return e.Store.ListExecutions(ctx, id)
}
