// Package state persists the change tracker's dedup state to a JSON file so it survives restarts.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
)

// legacyTimestampLayouts cover ISO-8601 timestamps written without a zone,
// which are read as UTC.
var legacyTimestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

type stateFile struct {
	KnownMarketIDs []string        `json:"known_market_ids"`
	KnownTradeIDs  json.RawMessage `json:"known_trade_ids"`
	LastSaved      string          `json:"last_saved"`
}

// Store reads and atomically writes the state file.
type Store struct {
	path string
	now  func() time.Time
}

// DefaultPath returns ~/.oddswatch/state.json, or a temp-dir path when the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "oddswatch", "state.json")
	}
	return filepath.Join(home, ".oddswatch", "state.json")
}

// New creates a store for path. An empty path uses DefaultPath.
func New(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{path: path, now: time.Now}
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// Load reads the state file. A missing file yields empty state. An unreadable
// or malformed file yields empty state and a warning; Load never fails.
func (s *Store) Load() models.PersistedSnapshot {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.NewPersistedSnapshot()
	}
	if err != nil {
		logger.Warn("Failed to read state file %s: %v", s.path, err)
		return models.NewPersistedSnapshot()
	}

	snap, err := s.decode(data)
	if err != nil {
		logger.Warn("Failed to parse state file %s, starting with empty state: %v", s.path, err)
		return models.NewPersistedSnapshot()
	}
	return snap
}

func (s *Store) decode(data []byte) (models.PersistedSnapshot, error) {
	snap := models.NewPersistedSnapshot()

	var raw stateFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return snap, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	for _, id := range raw.KnownMarketIDs {
		snap.KnownMarketIDs[id] = struct{}{}
	}

	now := s.now()
	trades := bytes.TrimSpace(raw.KnownTradeIDs)
	switch {
	case len(trades) == 0 || bytes.Equal(trades, []byte("null")):
	case trades[0] == '[':
		// Legacy format: a plain list, every id treated as seen now.
		var ids []string
		if err := json.Unmarshal(trades, &ids); err != nil {
			return snap, fmt.Errorf("failed to unmarshal legacy trade ids: %w", err)
		}
		for _, id := range ids {
			snap.KnownTradeIDs[id] = now
		}
	case trades[0] == '{':
		var ids map[string]string
		if err := json.Unmarshal(trades, &ids); err != nil {
			return snap, fmt.Errorf("failed to unmarshal trade ids: %w", err)
		}
		for id, ts := range ids {
			seen, err := parseTimestamp(ts)
			if err != nil {
				seen = now
			}
			snap.KnownTradeIDs[id] = seen
		}
	default:
		return snap, fmt.Errorf("unexpected known_trade_ids value %.20q", trades)
	}

	if raw.LastSaved != "" {
		if saved, err := parseTimestamp(raw.LastSaved); err == nil {
			snap.SavedAt = saved
		}
	}
	return snap, nil
}

// Save writes snap to a temp file in the state directory and renames it over
// the destination, so readers never observe a partially written file.
func (s *Store) Save(snap models.PersistedSnapshot) error {
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = s.now()
	}

	out := struct {
		KnownMarketIDs []string          `json:"known_market_ids"`
		KnownTradeIDs  map[string]string `json:"known_trade_ids"`
		LastSaved      string            `json:"last_saved"`
	}{
		KnownMarketIDs: make([]string, 0, len(snap.KnownMarketIDs)),
		KnownTradeIDs:  make(map[string]string, len(snap.KnownTradeIDs)),
		LastSaved:      savedAt.UTC().Format(time.RFC3339Nano),
	}
	for id := range snap.KnownMarketIDs {
		out.KnownMarketIDs = append(out.KnownMarketIDs, id)
	}
	sort.Strings(out.KnownMarketIDs)
	for id, seen := range snap.KnownTradeIDs {
		out.KnownTradeIDs[id] = seen.UTC().Format(time.RFC3339Nano)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range legacyTimestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
