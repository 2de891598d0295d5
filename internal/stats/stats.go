package stats

import (
	"sync"
	"time"

	"github.com/pefman/broadside/internal/models"
)

// Snapshot is a copy of the session counters, safe to hand out.
type Snapshot struct {
	GamesStarted int     `json:"games_started"`
	GamesWon     int     `json:"games_won"`
	GamesLost    int     `json:"games_lost"`
	Shots        int     `json:"shots"`
	Hits         int     `json:"hits"`
	Misses       int     `json:"misses"`
	Sinks        int     `json:"sinks"`
	Accuracy     float64 `json:"accuracy"`
	BestToday    *Record `json:"best_today,omitempty"`
}

// Tracker counts games and shots for the running client (in-memory only).
type Tracker struct {
	mu   sync.Mutex
	snap Snapshot

	// shots fired in the current game, for the daily record
	current Record
	daily   map[string]Record
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{daily: make(map[string]Record), now: time.Now}
}

func (t *Tracker) GameStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.GamesStarted++
	t.current = Record{}
}

// ShotResolved records what the target cell became after one of the
// player's shots. Anything but Hit, Miss or Sunk is ignored.
func (t *Tracker) ShotResolved(outcome models.CellState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case models.Hit:
		t.snap.Hits++
		t.current.Hits++
	case models.Sunk:
		t.snap.Hits++
		t.snap.Sinks++
		t.current.Hits++
	case models.Miss:
		t.snap.Misses++
	default:
		return
	}
	t.snap.Shots++
	t.current.Shots++
}

func (t *Tracker) GameFinished(w models.Winner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch w {
	case models.WinnerPlayer:
		t.snap.GamesWon++
		t.current.At = t.now().UTC()
		t.saveDailyLocked(t.current)
	case models.WinnerOpponent:
		t.snap.GamesLost++
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.snap
	if s.Shots > 0 {
		s.Accuracy = float64(s.Hits) / float64(s.Shots)
	}
	if best, ok := t.daily[dayKey(t.now())]; ok {
		s.BestToday = &best
	}
	return s
}

// Reset clears every counter and the daily records.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap = Snapshot{}
	t.current = Record{}
	for k := range t.daily {
		delete(t.daily, k)
	}
}
