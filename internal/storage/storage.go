// Package storage provides SQLite-backed history of seen markets and emitted signals.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/oddswatch/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a market key has no row.
var ErrNotFound = errors.New("not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db         *sql.DB
	maxMarkets int
	maxSignals int
}

// MarketRecord is the stored catalogue entry for one market key.
type MarketRecord struct {
	Key             string
	Venue           string
	MarketID        string
	Title           string
	URL             string
	LastProbability float64
	Volume          *float64
	FirstSeen       time.Time
	LastSeen        time.Time
}

// SignalRecord is one emitted signal as stored.
type SignalRecord struct {
	ID                  string
	MarketKey           string
	Title               string
	Kind                models.SignalKind
	Method              models.Method
	CurrentProbability  float64
	PreviousProbability float64
	PreviousMean        float64
	ChangePercentage    float64
	ZScore              *float64
	Multiplier          float64
	Direction           string
	DetectedAt          time.Time
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/oddswatch/history.db. A cap of zero or less disables that rotation.
func New(maxMarkets, maxSignals int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "oddswatch", "history.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxMarkets: maxMarkets, maxSignals: maxSignals}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS markets (
			market_key  TEXT PRIMARY KEY,
			venue       TEXT NOT NULL,
			market_id   TEXT NOT NULL,
			title       TEXT NOT NULL,
			url         TEXT,
			last_prob   REAL NOT NULL,
			volume      REAL,
			first_seen  INTEGER NOT NULL,
			last_seen   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id              TEXT PRIMARY KEY,
			market_key      TEXT NOT NULL REFERENCES markets(market_key) ON DELETE CASCADE,
			kind            TEXT NOT NULL,
			method          TEXT NOT NULL,
			current_prob    REAL NOT NULL,
			previous_prob   REAL NOT NULL,
			previous_mean   REAL NOT NULL,
			change_pct      REAL NOT NULL,
			z_score         REAL,
			multiplier      REAL NOT NULL,
			direction       TEXT,
			detected_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_detected_at ON signals(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_markets_last_seen ON markets(last_seen)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMarket(db execer, m models.MarketSnapshot) error {
	seen := m.ObservedAt.UnixNano()
	_, err := db.Exec(`
		INSERT INTO markets
			(market_key, venue, market_id, title, url, last_prob, volume, first_seen, last_seen)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(market_key) DO UPDATE SET
			title=excluded.title, url=excluded.url, last_prob=excluded.last_prob,
			volume=excluded.volume, last_seen=excluded.last_seen`,
		m.Key(), m.Venue, m.MarketID, m.Title, m.URL, m.Probability, nullFloat(m.Volume), seen, seen,
	)
	return err
}

// UpsertMarket inserts the market on first sight and refreshes it afterwards.
// first_seen is never changed by an update.
func (s *Storage) UpsertMarket(m models.MarketSnapshot) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid market: %w", err)
	}
	if err := upsertMarket(s.db, m); err != nil {
		return fmt.Errorf("failed to upsert market: %w", err)
	}
	return nil
}

func (s *Storage) GetMarket(key string) (*MarketRecord, error) {
	row := s.db.QueryRow(`
		SELECT market_key, venue, market_id, title, url, last_prob, volume, first_seen, last_seen
		FROM markets WHERE market_key = ?`, key)

	var m MarketRecord
	var url sql.NullString
	var volume sql.NullFloat64
	var firstSeen, lastSeen int64
	err := row.Scan(&m.Key, &m.Venue, &m.MarketID, &m.Title, &url, &m.LastProbability, &volume, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get market: %w", err)
	}
	m.URL = url.String
	if volume.Valid {
		m.Volume = models.Float(volume.Float64)
	}
	m.FirstSeen = time.Unix(0, firstSeen)
	m.LastSeen = time.Unix(0, lastSeen)
	return &m, nil
}

func (s *Storage) CountMarkets() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM markets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count markets: %w", err)
	}
	return n, nil
}

// RecordSignal stores sig under a new UUID, refreshing its market row in the
// same transaction, then trims history to the newest maxSignals rows.
func (s *Storage) RecordSignal(sig models.AnomalySignal) (string, error) {
	if err := sig.Validate(); err != nil {
		return "", fmt.Errorf("invalid signal: %w", err)
	}
	id := uuid.New().String()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	market := sig.Market
	if market.ObservedAt.IsZero() {
		market.ObservedAt = sig.DetectedAt
	}
	if err := upsertMarket(tx, market); err != nil {
		return "", fmt.Errorf("failed to upsert market: %w", err)
	}

	var direction any
	if sig.Direction != "" {
		direction = sig.Direction
	}
	_, err = tx.Exec(`
		INSERT INTO signals
			(id, market_key, kind, method, current_prob, previous_prob, previous_mean,
			 change_pct, z_score, multiplier, direction, detected_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, sig.Market.Key(), string(sig.Kind), string(sig.Method),
		sig.CurrentProbability, sig.PreviousProbability, sig.PreviousMean,
		sig.ChangePercentage, nullFloat(sig.ZScore), sig.Multiplier, direction,
		sig.DetectedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert signal: %w", err)
	}

	if s.maxSignals > 0 {
		if _, err := tx.Exec(rotateSignalsSQL, s.maxSignals); err != nil {
			return "", fmt.Errorf("failed to enforce signal cap: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit signal: %w", err)
	}
	return id, nil
}

// RecentSignals returns up to k signals, newest first.
func (s *Storage) RecentSignals(k int) ([]SignalRecord, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.market_key, m.title, s.kind, s.method, s.current_prob, s.previous_prob,
		       s.previous_mean, s.change_pct, s.z_score, s.multiplier, s.direction, s.detected_at
		FROM signals s JOIN markets m ON m.market_key = s.market_key
		ORDER BY s.detected_at DESC, s.rowid DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []SignalRecord
	for rows.Next() {
		var r SignalRecord
		var kind, method string
		var z sql.NullFloat64
		var direction sql.NullString
		var detectedAt int64

		err := rows.Scan(
			&r.ID, &r.MarketKey, &r.Title, &kind, &method, &r.CurrentProbability, &r.PreviousProbability,
			&r.PreviousMean, &r.ChangePercentage, &z, &r.Multiplier, &direction, &detectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		r.Kind = models.SignalKind(kind)
		r.Method = models.Method(method)
		if z.Valid {
			r.ZScore = models.Float(z.Float64)
		}
		r.Direction = direction.String
		r.DetectedAt = time.Unix(0, detectedAt)
		signals = append(signals, r)
	}
	return signals, rows.Err()
}

func (s *Storage) CountSignals() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM signals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count signals: %w", err)
	}
	return n, nil
}

const rotateSignalsSQL = `
	DELETE FROM signals WHERE id NOT IN (
		SELECT id FROM signals ORDER BY detected_at DESC, rowid DESC LIMIT ?
	)`

// RotateSignals keeps at most maxSignals newest signals.
func (s *Storage) RotateSignals() error {
	if s.maxSignals <= 0 {
		return nil
	}
	if _, err := s.db.Exec(rotateSignalsSQL, s.maxSignals); err != nil {
		return fmt.Errorf("failed to rotate signals: %w", err)
	}
	return nil
}

// RotateMarkets keeps at most maxMarkets most recently seen markets.
// Cascading deletes remove their signals.
func (s *Storage) RotateMarkets() error {
	if s.maxMarkets <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM markets WHERE market_key NOT IN (
			SELECT market_key FROM markets ORDER BY last_seen DESC LIMIT ?
		)`, s.maxMarkets)
	if err != nil {
		return fmt.Errorf("failed to rotate markets: %w", err)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
