package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/oddswatch/internal/models"
)

var now = time.Date(2026, 7, 1, 8, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "nested", "state.json"))
	s.now = func() time.Time { return now }
	return s
}

func writeFile(t *testing.T, s *Store, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	require.NoError(t, os.WriteFile(s.Path(), []byte(body), 0o644))
}

func TestNew_DefaultPath(t *testing.T) {
	s := New("")
	assert.Equal(t, "state.json", filepath.Base(s.Path()))
	assert.Equal(t, DefaultPath(), s.Path())
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	snap := s.Load()
	assert.Empty(t, snap.KnownMarketIDs)
	assert.Empty(t, snap.KnownTradeIDs)
}

func TestLoad_MalformedFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	writeFile(t, s, `{"known_market_ids": [`)

	snap := s.Load()
	assert.Empty(t, snap.KnownMarketIDs)
	assert.Empty(t, snap.KnownTradeIDs)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	seen := now.Add(-3 * time.Hour).Add(123456 * time.Microsecond)
	snap := models.NewPersistedSnapshot()
	snap.KnownMarketIDs["polymarket:b"] = struct{}{}
	snap.KnownMarketIDs["kalshi:a"] = struct{}{}
	snap.KnownTradeIDs["e:t1:100"] = seen
	snap.SavedAt = now

	require.NoError(t, s.Save(snap))

	loaded := s.Load()
	assert.Equal(t, snap.KnownMarketIDs, loaded.KnownMarketIDs)
	require.Contains(t, loaded.KnownTradeIDs, "e:t1:100")
	assert.True(t, seen.Equal(loaded.KnownTradeIDs["e:t1:100"]))
	assert.True(t, now.Equal(loaded.SavedAt))

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSave_OverwritesPrevious(t *testing.T) {
	s := newTestStore(t)

	first := models.NewPersistedSnapshot()
	first.KnownMarketIDs["polymarket:old"] = struct{}{}
	require.NoError(t, s.Save(first))

	second := models.NewPersistedSnapshot()
	second.KnownMarketIDs["polymarket:new"] = struct{}{}
	require.NoError(t, s.Save(second))

	loaded := s.Load()
	assert.Len(t, loaded.KnownMarketIDs, 1)
	assert.Contains(t, loaded.KnownMarketIDs, "polymarket:new")
}

func TestLoad_LegacyTradeList(t *testing.T) {
	s := newTestStore(t)
	writeFile(t, s, `{"known_market_ids": ["m1"], "known_trade_ids": ["a", "b"]}`)

	snap := s.Load()
	assert.Contains(t, snap.KnownMarketIDs, "m1")
	require.Len(t, snap.KnownTradeIDs, 2)
	for id, seen := range snap.KnownTradeIDs {
		assert.True(t, now.Equal(seen), "trade %s", id)
	}
}

func TestLoad_TimestampFormats(t *testing.T) {
	s := newTestStore(t)
	writeFile(t, s, `{
		"known_market_ids": [],
		"known_trade_ids": {
			"rfc": "2026-06-30T10:00:00Z",
			"offset": "2026-06-30T12:00:00+02:00",
			"naive": "2026-06-30T10:00:00.250000",
			"garbage": "yesterday-ish"
		},
		"last_saved": "2026-06-30T11:00:00"
	}`)

	snap := s.Load()
	want := time.Date(2026, 6, 30, 10, 0, 0, 0, time.UTC)
	assert.True(t, want.Equal(snap.KnownTradeIDs["rfc"]))
	assert.True(t, want.Equal(snap.KnownTradeIDs["offset"]))
	assert.True(t, want.Add(250*time.Millisecond).Equal(snap.KnownTradeIDs["naive"]))
	assert.True(t, now.Equal(snap.KnownTradeIDs["garbage"]))
	assert.True(t, want.Add(time.Hour).Equal(snap.SavedAt))
}

func TestLoad_UnexpectedTradeShapeIsEmpty(t *testing.T) {
	s := newTestStore(t)
	writeFile(t, s, `{"known_market_ids": ["m1"], "known_trade_ids": 42}`)

	snap := s.Load()
	assert.Empty(t, snap.KnownMarketIDs)
	assert.Empty(t, snap.KnownTradeIDs)
}
