// Package notify carries user-visible messages from the client core to
// whatever is showing the game.
package notify

import (
	"log"
	"sync"
)

type Level int

const (
	Info Level = iota
	Warning
	Error
	// Fatal means the session cannot continue without a restart.
	Fatal
)

func (l Level) String() string {
	switch l {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

type Notifier interface {
	Notify(level Level, msg string)
}

// Func adapts a plain function to a Notifier.
type Func func(level Level, msg string)

func (f Func) Notify(level Level, msg string) { f(level, msg) }

// Multi fans a notification out to several sinks, skipping nil ones.
type Multi []Notifier

func (m Multi) Notify(level Level, msg string) {
	for _, n := range m {
		if n != nil {
			n.Notify(level, msg)
		}
	}
}

// Log writes notifications to the standard logger.
type Log struct{}

func (Log) Notify(level Level, msg string) {
	log.Printf("notify %s: %s", level, msg)
}

// Discard drops everything.
var Discard Notifier = Func(func(Level, string) {})

// Recorder keeps every notification; handy for tests and for replaying the
// last message to a late viewer.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

type Entry struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

func (r *Recorder) Notify(level Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: msg})
}

func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Last returns the most recent entry, if any.
func (r *Recorder) Last() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return Entry{}, false
	}
	return r.entries[len(r.entries)-1], true
}

// Count returns how many entries were recorded at the given level.
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}
