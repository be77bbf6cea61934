package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/storage"
)

var _ storage.SessionStore = (*Store)(nil)

// Store is the SQLite session store.
type Store struct {
	db *gorm.DB
	l  *zap.Logger
}

// NewStore opens (and migrates) the database at path.
func NewStore(l *zap.Logger, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sessions store: database path is empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database dir")
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if err := db.AutoMigrate(
		&sessionModel{},
		&pathStepModel{},
		&signalModel{},
		&executionModel{},
		&registrationModel{},
	); err != nil {
		return nil, errors.Wrap(err, "migrate sessions schema")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "sql handle")
	}
	// a single writer avoids SQLITE_BUSY under concurrent mutations
	sqlDB.SetMaxOpenConns(1)

	l.Info("sessions store opened", zap.String("path", path))
	return &Store{db: db, l: l}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ApplyMutation writes every part of m in one transaction.
func (s *Store) ApplyMutation(ctx context.Context, m domain.Mutation) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if m.DeleteSession {
			if err := tx.Where("session_id = ?", m.SessionID).Delete(&pathStepModel{}).Error; err != nil {
				return errors.Wrap(err, "delete path steps")
			}
			if err := tx.Where("id = ?", m.SessionID).Delete(&sessionModel{}).Error; err != nil {
				return errors.Wrap(err, "delete session")
			}
		}
		if m.Session != nil {
			if err := upsertSession(tx, m.Session); err != nil {
				return err
			}
		}
		for _, sig := range m.Signals {
			if err := upsertSignal(tx, sig); err != nil {
				return err
			}
		}
		for _, reg := range m.Registrations {
			if err := upsertRegistration(tx, reg); err != nil {
				return err
			}
		}
		for _, rec := range m.Executions {
			if err := insertExecution(tx, rec); err != nil {
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

func upsertSession(tx *gorm.DB, sess *domain.Session) error {
	snapshot, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	model := sessionModel{
		ID:            sess.ID,
		Name:          sess.Name,
		Symbol:        sess.Symbol,
		CurrentNodeID: sess.CurrentNodeID,
		Completed:     sess.Completed,
		Paused:        sess.Paused,
		Version:       sess.Version,
		Snapshot:      datatypes.JSON(snapshot),
		CreatedAt:     sess.CreatedAt,
		UpdatedAt:     sess.UpdatedAt,
	}

	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "symbol", "current_node_id", "completed", "paused", "version", "snapshot", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "excluded.version >= sessions.version"},
		}},
	}).Create(&model).Error
	if err != nil {
		return errors.Wrap(err, "upsert session")
	}

	if len(sess.Path) == 0 {
		return nil
	}
	steps := make([]pathStepModel, 0, len(sess.Path))
	for _, st := range sess.Path {
		steps = append(steps, pathStepModel{
			SessionID:    sess.ID,
			Seq:          st.Seq,
			Kind:         string(st.Kind),
			NodeID:       st.NodeID,
			NextNodeID:   st.NextNodeID,
			TradeID:      st.TradeID,
			Outcome:      string(st.Outcome),
			StakeApplied: st.StakeApplied.String(),
			SignedResult: st.SignedResult.String(),
			Note:         st.Note,
			Timestamp:    st.Timestamp,
		})
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "seq"}},
		DoNothing: true,
	}).Create(&steps).Error
	return errors.Wrap(err, "insert path steps")
}

func upsertSignal(tx *gorm.DB, sig domain.SignalRecord) error {
	warnings, err := json.Marshal(sig.Warnings)
	if err != nil {
		return errors.Wrap(err, "encode warnings")
	}
	model := signalModel{
		ExternalID: sig.ExternalID,
		SessionID:  sig.SessionID,
		Symbol:     sig.Symbol,
		Status:     string(sig.Status),
		Warnings:   datatypes.JSON(warnings),
		Payload:    sig.Payload,
		ReceivedAt: sig.ReceivedAt,
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id", "status", "warnings"}),
	}).Create(&model).Error
	return errors.Wrap(err, "upsert signal")
}

func upsertRegistration(tx *gorm.DB, reg domain.OvernightRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return errors.Wrap(err, "encode registration")
	}
	model := registrationModel{
		TradeID:      reg.TradeID,
		SessionID:    reg.SessionID,
		Symbol:       reg.Symbol,
		Status:       string(reg.Status),
		Data:         datatypes.JSON(data),
		RegisteredAt: reg.RegisteredAt,
	}
	// a final status is never reopened by a late replay
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "data"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "overnight_registrations.status = ?", Vars: []interface{}{string(domain.RegistrationActive)}},
		}},
	}).Create(&model).Error
	return errors.Wrap(err, "upsert registration")
}

func insertExecution(tx *gorm.DB, rec domain.ExecutionRecord) error {
	model := executionModel{
		ID:                rec.ID,
		SessionID:         rec.SessionID,
		TradeID:           rec.TradeID,
		Kind:              string(rec.Kind),
		Status:            string(rec.Status),
		VenueOrderID:      rec.VenueOrderID,
		RequestedNotional: rec.RequestedNotional.String(),
		ActualPrice:       rec.ActualPrice.String(),
		ActualQuantity:    rec.ActualQuantity.String(),
		Attempts:          rec.Attempts,
		Error:             rec.Error,
		CreatedAt:         rec.CreatedAt,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&model).Error
	return errors.Wrap(err, "insert execution")
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var model sessionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(domain.ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get session %s", id)
	}
	return decodeSession(model)
}

func (s *Store) FindActiveSession(ctx context.Context, symbol string) (*domain.Session, error) {
	var model sessionModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND completed = ? AND paused = ?", symbol, false, false).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(domain.ErrNotFound, "active session for %s", symbol)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find active session for %s", symbol)
	}
	return decodeSession(model)
}

func (s *Store) ListSessions(ctx context.Context, f domain.SessionFilter) ([]*domain.Session, error) {
	q := s.db.WithContext(ctx).Model(&sessionModel{})
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.OnlyActive {
		q = q.Where("completed = ? AND paused = ?", false, false)
	}
	if f.OnlyCompleted {
		q = q.Where("completed = ?", true)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var models []sessionModel
	if err := q.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	out := make([]*domain.Session, 0, len(models))
	for _, m := range models {
		sess, err := decodeSession(m)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) SignalProcessed(ctx context.Context, externalID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&signalModel{}).Where("external_id = ?", externalID).Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "lookup signal")
	}
	return count > 0, nil
}

func (s *Store) GetRegistration(ctx context.Context, tradeID string) (*domain.OvernightRegistration, error) {
	var model registrationModel
	err := s.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(domain.ErrNotFound, "registration %s", tradeID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get registration %s", tradeID)
	}
	var reg domain.OvernightRegistration
	if err := json.Unmarshal(model.Data, &reg); err != nil {
		return nil, errors.Wrap(err, "decode registration")
	}
	return &reg, nil
}

func (s *Store) ListActiveRegistrations(ctx context.Context) ([]domain.OvernightRegistration, error) {
	var models []registrationModel
	err := s.db.WithContext(ctx).
		Where("status = ?", string(domain.RegistrationActive)).
		Order("registered_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "list registrations")
	}
	out := make([]domain.OvernightRegistration, 0, len(models))
	for _, m := range models {
		var reg domain.OvernightRegistration
		if err := json.Unmarshal(m.Data, &reg); err != nil {
			return nil, errors.Wrapf(err, "decode registration %s", m.TradeID)
		}
		out = append(out, reg)
	}
	return out, nil
}

func (s *Store) ListExecutions(ctx context.Context, sessionID string) ([]domain.ExecutionRecord, error) {
	var models []executionModel
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at ASC").Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	out := make([]domain.ExecutionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, domain.ExecutionRecord{
			ID:                m.ID,
			SessionID:         m.SessionID,
			TradeID:           m.TradeID,
			Kind:              domain.ExecutionKind(m.Kind),
			Status:            domain.ExecutionStatus(m.Status),
			VenueOrderID:      m.VenueOrderID,
			RequestedNotional: parseDecimal(m.RequestedNotional),
			ActualPrice:       parseDecimal(m.ActualPrice),
			ActualQuantity:    parseDecimal(m.ActualQuantity),
			Attempts:          m.Attempts,
			Error:             m.Error,
			CreatedAt:         m.CreatedAt,
		})
	}
	return out, nil
}

func decodeSession(m sessionModel) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal(m.Snapshot, &sess); err != nil {
		return nil, errors.Wrapf(err, "decode session %s", m.ID)
	}
	return &sess, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
