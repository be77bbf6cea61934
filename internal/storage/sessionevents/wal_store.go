package sessionevents

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/ladder/internal/domain"
)

const (
	DefaultDir   = "./data/events"
	segmentLimit = 100
	maxSegments  = 10

	eventKeyPrefix = "session_event_"
)

// WALStore is the append-only session event log that feeds the SSE stream.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed event log.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "events_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init session event WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Append writes the event and returns its log index.
func (s *WALStore) Append(event domain.SessionEvent) (uint64, error) {
	if s == nil || s.wal == nil {
		return 0, errors.New("event store is not initialized")
	}
	if event.SessionID == "" {
		return 0, errors.New("session event requires a session id")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return 0, errors.Wrap(err, "marshal session event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, eventKeyPrefix+event.SessionID, payload); err != nil {
		return 0, errors.Wrap(err, "write session event")
	}
	return nextIndex, nil
}

// EventsAfter returns all events written after the provided WAL index.
// Indexes that rotated out of the retained segments are skipped.
func (s *WALStore) EventsAfter(index uint64) ([]domain.SessionEventRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("event store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]domain.SessionEventRecord, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil || !strings.HasPrefix(key, eventKeyPrefix) {
			continue
		}

		var event domain.SessionEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, errors.Wrap(err, "decode session event")
		}
		records = append(records, domain.SessionEventRecord{Index: idx, Event: event})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("event store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
