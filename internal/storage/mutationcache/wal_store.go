package mutationcache

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/ladder/internal/domain"
)

const (
	DefaultDir   = "./data/mutations"
	segmentLimit = 1000
	maxSegments  = 100

	putKeyPrefix    = "mutation_put_"
	deleteKeyPrefix = "mutation_del_"
)

// WALStore journals cached mutations so they survive a restart. Every Put
// writes the full entry, so replay only needs the last record per session.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.Mutex
}

func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "mutations_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init mutation cache WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Put records the current state of a cache entry.
func (s *WALStore) Put(entry domain.CachedMutation) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal cached mutation")
	}
	return s.write(putKeyPrefix+entry.SessionID, payload)
}

// Delete records that the entry for sessionID is gone.
func (s *WALStore) Delete(sessionID string) error {
	return s.write(deleteKeyPrefix+sessionID, []byte(sessionID))
}

func (s *WALStore) write(key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, key, payload); err != nil {
		return errors.Wrapf(err, "write %s", key)
	}
	return nil
}

// Load replays the journal and returns the live entries keyed by session id.
func (s *WALStore) Load() (map[string]domain.CachedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]domain.CachedMutation)
	for msg := range s.wal.Iterator() {
		switch {
		case strings.HasPrefix(msg.Key, putKeyPrefix):
			var entry domain.CachedMutation
			if err := json.Unmarshal(msg.Value, &entry); err != nil {
				return nil, errors.Wrapf(err, "decode %s", msg.Key)
			}
			entries[entry.SessionID] = entry
		case strings.HasPrefix(msg.Key, deleteKeyPrefix):
			delete(entries, strings.TrimPrefix(msg.Key, deleteKeyPrefix))
		}
	}
	return entries, nil
}

func (s *WALStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
