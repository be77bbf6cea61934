package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/storage"
)

// Store implements storage.SessionStore using PostgreSQL.
type Store struct {
	pool *Pool
	l    *zap.Logger
}

// Compile-time interface check.
var _ storage.SessionStore = (*Store)(nil)

func NewStore(l *zap.Logger, pool *Pool) *Store {
	return &Store{pool: pool, l: l}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ApplyMutation(ctx context.Context, m domain.Mutation) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if m.DeleteSession {
			if _, err := tx.Exec(ctx, `DELETE FROM path_steps WHERE session_id = $1`, m.SessionID); err != nil {
				return errors.Wrap(err, "delete path steps")
			}
			if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, m.SessionID); err != nil {
				return errors.Wrap(err, "delete session")
			}
		}
		if m.Session != nil {
			if err := upsertSession(ctx, tx, m.Session); err != nil {
				return err
			}
		}
		for _, sig := range m.Signals {
			if err := upsertSignal(ctx, tx, sig); err != nil {
				return err
			}
		}
		for _, reg := range m.Registrations {
			if err := upsertRegistration(ctx, tx, reg); err != nil {
				return err
			}
		}
		for _, rec := range m.Executions {
			if err := insertExecution(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "apply mutation for session %s", m.SessionID)
	}
	return nil
}

func upsertSession(ctx context.Context, tx pgx.Tx, sess *domain.Session) error {
	snapshot, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}

	query := `
		INSERT INTO sessions (id, name, symbol, current_node_id, completed, paused, version, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			current_node_id = EXCLUDED.current_node_id,
			completed = EXCLUDED.completed,
			paused = EXCLUDED.paused,
			version = EXCLUDED.version,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.version >= sessions.version
	`
	_, err = tx.Exec(ctx, query,
		sess.ID, sess.Name, sess.Symbol, sess.CurrentNodeID, sess.Completed, sess.Paused,
		sess.Version, snapshot, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "upsert session")
	}

	if len(sess.Path) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, st := range sess.Path {
		batch.Queue(`
			INSERT INTO path_steps (session_id, seq, kind, node_id, next_node_id, trade_id, outcome, stake_applied, signed_result, note, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (session_id, seq) DO NOTHING`,
			sess.ID, st.Seq, string(st.Kind), st.NodeID, st.NextNodeID, st.TradeID, string(st.Outcome),
			st.StakeApplied.String(), st.SignedResult.String(), st.Note, st.Timestamp,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "insert path steps")
	}
	return nil
}

func upsertSignal(ctx context.Context, tx pgx.Tx, sig domain.SignalRecord) error {
	warnings, err := json.Marshal(sig.Warnings)
	if err != nil {
		return errors.Wrap(err, "encode warnings")
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO signals (external_id, session_id, symbol, status, warnings, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			status = EXCLUDED.status,
			warnings = EXCLUDED.warnings`,
		sig.ExternalID, sig.SessionID, sig.Symbol, string(sig.Status), warnings, sig.Payload, sig.ReceivedAt,
	)
	return errors.Wrap(err, "upsert signal")
}

func upsertRegistration(ctx context.Context, tx pgx.Tx, reg domain.OvernightRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return errors.Wrap(err, "encode registration")
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO overnight_registrations (trade_id, session_id, symbol, status, data, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (trade_id) DO UPDATE SET
			status = EXCLUDED.status,
			data = EXCLUDED.data
		WHERE overnight_registrations.status = 'active'`,
		reg.TradeID, reg.SessionID, reg.Symbol, string(reg.Status), data, reg.RegisteredAt,
	)
	return errors.Wrap(err, "upsert registration")
}

func insertExecution(ctx context.Context, tx pgx.Tx, rec domain.ExecutionRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO executions (id, session_id, trade_id, kind, status, venue_order_id, requested_notional, actual_price, actual_quantity, attempts, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SessionID, rec.TradeID, string(rec.Kind), string(rec.Status), rec.VenueOrderID,
		rec.RequestedNotional.String(), rec.ActualPrice.String(), rec.ActualQuantity.String(),
		rec.Attempts, rec.Error, rec.CreatedAt,
	)
	return errors.Wrap(err, "insert execution")
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM sessions WHERE id = $1`, id).Scan(&snapshot)
	if err != nil {
		if isNotFoundError(err) {
			return nil, errors.Wrapf(domain.ErrNotFound, "session %s", id)
		}
		return nil, errors.Wrapf(err, "get session %s", id)
	}
	return decodeSession(snapshot)
}

func (s *Store) FindActiveSession(ctx context.Context, symbol string) (*domain.Session, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx, `
		SELECT snapshot FROM sessions
		WHERE symbol = $1 AND NOT completed AND NOT paused
		ORDER BY created_at DESC
		LIMIT 1`, symbol).Scan(&snapshot)
	if err != nil {
		if isNotFoundError(err) {
			return nil, errors.Wrapf(domain.ErrNotFound, "active session for %s", symbol)
		}
		return nil, errors.Wrapf(err, "find active session for %s", symbol)
	}
	return decodeSession(snapshot)
}

func (s *Store) ListSessions(ctx context.Context, f domain.SessionFilter) ([]*domain.Session, error) {
	var (
		where []string
		args  []any
	)
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		where = append(where, "symbol = $1")
	}
	if f.OnlyActive {
		where = append(where, "NOT completed AND NOT paused")
	}
	if f.OnlyCompleted {
		where = append(where, "completed")
	}

	query := `SELECT snapshot FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		sess, err := decodeSession(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, errors.Wrap(rows.Err(), "iterate sessions")
}

func (s *Store) SignalProcessed(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM signals WHERE external_id = $1)`, externalID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "lookup signal")
	}
	return exists, nil
}

func (s *Store) GetRegistration(ctx context.Context, tradeID string) (*domain.OvernightRegistration, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM overnight_registrations WHERE trade_id = $1`, tradeID).Scan(&data)
	if err != nil {
		if isNotFoundError(err) {
			return nil, errors.Wrapf(domain.ErrNotFound, "registration %s", tradeID)
		}
		return nil, errors.Wrapf(err, "get registration %s", tradeID)
	}
	var reg domain.OvernightRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, errors.Wrap(err, "decode registration")
	}
	return &reg, nil
}

func (s *Store) ListActiveRegistrations(ctx context.Context) ([]domain.OvernightRegistration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM overnight_registrations
		WHERE status = 'active'
		ORDER BY registered_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list registrations")
	}
	defer rows.Close()

	var out []domain.OvernightRegistration
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scan registration")
		}
		var reg domain.OvernightRegistration
		if err := json.Unmarshal(data, &reg); err != nil {
			return nil, errors.Wrap(err, "decode registration")
		}
		out = append(out, reg)
	}
	return out, errors.Wrap(rows.Err(), "iterate registrations")
}

func (s *Store) ListExecutions(ctx context.Context, sessionID string) ([]domain.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, trade_id, kind, status, venue_order_id,
		       requested_notional::text, actual_price::text, actual_quantity::text,
		       attempts, error, created_at
		FROM executions
		WHERE session_id = $1
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var (
			rec                        domain.ExecutionRecord
			kind, status               string
			requested, price, quantity string
			createdAt                  time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.TradeID, &kind, &status, &rec.VenueOrderID,
			&requested, &price, &quantity, &rec.Attempts, &rec.Error, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		rec.Kind = domain.ExecutionKind(kind)
		rec.Status = domain.ExecutionStatus(status)
		rec.RequestedNotional = decimal.RequireFromString(requested)
		rec.ActualPrice = decimal.RequireFromString(price)
		rec.ActualQuantity = decimal.RequireFromString(quantity)
		rec.CreatedAt = createdAt
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate executions")
}

func decodeSession(snapshot []byte) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal(snapshot, &sess); err != nil {
		return nil, errors.Wrap(err, "decode session")
	}
	return &sess, nil
}
