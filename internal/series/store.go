// Package series keeps a rolling, retention-bounded price/volume history per market.
package series

import (
	"sort"
	"sync"
	"time"
)

// Point is one observation of a market.
type Point struct {
	MarketKey   string
	Timestamp   time.Time
	Probability float64
	Volume      float64
}

// Store holds an ordered-by-timestamp series per market key and drops every
// point older than now-retention on each append. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	series    map[string][]Point
	retention time.Duration
	now       func() time.Time
}

// NewStore creates an empty store with the given retention horizon.
func NewStore(retention time.Duration) *Store {
	return &Store{
		series:    make(map[string][]Point),
		retention: retention,
		now:       time.Now,
	}
}

// Retention returns the configured retention horizon.
func (s *Store) Retention() time.Duration { return s.retention }

// Append inserts p into its market's series, then runs cleanup.
// In-order points are appended in O(1); a late point is inserted after every
// point with an equal or earlier timestamp so the series stays ordered.
func (s *Store) Append(p Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pts := s.series[p.MarketKey]
	n := len(pts)
	if n == 0 || !p.Timestamp.Before(pts[n-1].Timestamp) {
		pts = append(pts, p)
	} else {
		i := sort.Search(n, func(i int) bool { return pts[i].Timestamp.After(p.Timestamp) })
		pts = append(pts, Point{})
		copy(pts[i+1:], pts[i:])
		pts[i] = p
	}
	s.series[p.MarketKey] = pts

	s.cleanupLocked(s.now())
}

// Cleanup drops every point older than now-retention from every series and
// returns the number of points removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked(s.now())
}

func (s *Store) cleanupLocked(now time.Time) int {
	cutoff := now.Add(-s.retention)
	removed := 0
	for key, pts := range s.series {
		i := 0
		for i < len(pts) && pts[i].Timestamp.Before(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}
		removed += i
		if i == len(pts) {
			delete(s.series, key)
			continue
		}
		s.series[key] = pts[i:]
	}
	return removed
}

// Window returns a copy of the points of marketKey with start <= timestamp < end.
func (s *Store) Window(marketKey string, start, end time.Time) []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pts := s.series[marketKey]
	lo := sort.Search(len(pts), func(i int) bool { return !pts[i].Timestamp.Before(start) })
	hi := sort.Search(len(pts), func(i int) bool { return !pts[i].Timestamp.Before(end) })
	if lo >= hi {
		return nil
	}
	out := make([]Point, hi-lo)
	copy(out, pts[lo:hi])
	return out
}

// Len returns the number of points held for marketKey.
func (s *Store) Len(marketKey string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[marketKey])
}

// Markets returns the number of market keys with at least one point.
func (s *Store) Markets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series)
}
