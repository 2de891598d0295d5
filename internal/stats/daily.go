package stats

import "time"

// This file contains helpers around daily records. It complements stats.go.

// Record describes one won game.
type Record struct {
	Shots int       `json:"shots"`
	Hits  int       `json:"hits"`
	At    time.Time `json:"at"`
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// saveDailyLocked keeps the win with the fewest shots per UTC day; ties go to
// the earlier game. Caller holds t.mu.
func (t *Tracker) saveDailyLocked(r Record) {
	if r.Shots == 0 {
		return
	}
	key := dayKey(r.At)
	cur, ok := t.daily[key]
	if !ok || r.Shots < cur.Shots {
		t.daily[key] = r
	}
}
