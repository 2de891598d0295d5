package stats

import (
	"testing"
	"time"

	"github.com/pefman/broadside/internal/models"
)

func TestCounters(t *testing.T) {
	tr := NewTracker()
	tr.GameStarted()
	for _, o := range []models.CellState{models.Miss, models.Hit, models.Sunk, models.Empty, models.Miss} {
		tr.ShotResolved(o)
	}
	tr.GameFinished(models.WinnerOpponent)

	s := tr.Snapshot()
	if s.GamesStarted != 1 || s.GamesLost != 1 || s.GamesWon != 0 {
		t.Errorf("games = %+v", s)
	}
	if s.Shots != 4 || s.Hits != 2 || s.Misses != 2 || s.Sinks != 1 {
		t.Errorf("shots = %+v", s)
	}
	if s.Accuracy != 0.5 {
		t.Errorf("accuracy = %v", s.Accuracy)
	}
	if s.BestToday != nil {
		t.Error("a lost game must not set a daily record")
	}
}

func TestDailyRecordKeepsFewestShots(t *testing.T) {
	tr := NewTracker()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return day }

	play := func(shots int) {
		tr.GameStarted()
		for i := 0; i < shots; i++ {
			tr.ShotResolved(models.Hit)
		}
		tr.GameFinished(models.WinnerPlayer)
	}
	play(30)
	play(20)
	play(25)

	s := tr.Snapshot()
	if s.GamesWon != 3 {
		t.Errorf("won = %d", s.GamesWon)
	}
	if s.BestToday == nil || s.BestToday.Shots != 20 {
		t.Fatalf("best today = %+v", s.BestToday)
	}

	tr.now = func() time.Time { return day.Add(24 * time.Hour) }
	if tr.Snapshot().BestToday != nil {
		t.Error("yesterday's record reported as today's")
	}

	tr.Reset()
	if s := tr.Snapshot(); s.GamesWon != 0 || s.Shots != 0 {
		t.Errorf("after reset = %+v", s)
	}
}
