// Package storage declares the durable session store contract shared by the
// sqlite and postgres backends and the resilient wrapper.
package storage

import (
	"context"

	"github.com/vadiminshakov/ladder/internal/domain"
)

// SessionStore persists sessions and their audit records. ApplyMutation is
// atomic and idempotent; a session snapshot only replaces a stored one with an
// equal or lower version.
type SessionStore interface {
	ApplyMutation(ctx context.Context, m domain.Mutation) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	FindActiveSession(ctx context.Context, symbol string) (*domain.Session, error)
	ListSessions(ctx context.Context, f domain.SessionFilter) ([]*domain.Session, error)
	SignalProcessed(ctx context.Context, externalID string) (bool, error)
	GetRegistration(ctx context.Context, tradeID string) (*domain.OvernightRegistration, error)
	ListActiveRegistrations(ctx context.Context) ([]domain.OvernightRegistration, error)
	ListExecutions(ctx context.Context, sessionID string) ([]domain.ExecutionRecord, error)
	Ping(ctx context.Context) error
	Close() error
}
