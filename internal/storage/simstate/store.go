package simstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const defaultStateDir = "./data/paper"

// Store persists the paper venue wallet so restarts keep balances and open positions.
type Store struct {
	path string
}

func getStateDir(dir string) string {
	if dir != "" {
		return dir
	}
	if stateDir := os.Getenv("LADDER_PAPER_STATE_DIR"); stateDir != "" {
		return stateDir
	}
	return defaultStateDir
}

// NewStore creates a state store under dir (or the default directory) named after scope.
func NewStore(dir, scope string) (*Store, error) {
	stateDir := getStateDir(dir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create paper state dir")
	}

	name := sanitizeScope(scope)
	if name == "" {
		name = "paper"
	}

	return &Store{path: filepath.Join(stateDir, fmt.Sprintf("%s.json", name))}, nil
}

// Path is the state file location.
func (s *Store) Path() string {
	return s.path
}

// State represents all persisted paper venue data.
type State struct {
	Quote     string                    `json:"quote"`
	Balance   string                    `json:"balance"`
	Positions map[string]StoredPosition `json:"positions,omitempty"`
	// Orders maps client order ids to venue order ids so resubmits stay idempotent.
	Orders    map[string]StoredFill `json:"orders,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// StoredPosition is a signed net position: negative quantity is short.
type StoredPosition struct {
	Quantity   string    `json:"quantity"`
	EntryPrice string    `json:"entry_price"`
	OpenedAt   time.Time `json:"opened_at"`
}

// StoredFill is the serialized result of one paper order.
type StoredFill struct {
	VenueOrderID string `json:"venue_order_id"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
}

// Load reads state from disk. A missing or empty file yields nil state.
func (s *Store) Load() (*State, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "read paper state")
	}

	if len(payload) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrap(err, "decode paper state")
	}

	return &state, nil
}

// Save writes state to disk atomically via temp file.
func (s *Store) Save(state State) error {
	if s == nil || s.path == "" {
		return nil
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode paper state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write paper state temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist paper state")
	}

	return nil
}

// ParseDecimal decodes a stored decimal, treating "" as zero.
func ParseDecimal(field, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "decode %s", field)
	}
	return d, nil
}

func sanitizeScope(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}

	var b strings.Builder

	prevUnderscore := false

	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)

			prevUnderscore = false

			continue
		}

		if !prevUnderscore {
			b.WriteByte('_')

			prevUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}
