// Package placement stages the player's fleet locally before it is sent to
// the server in one commit.
package placement

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/pefman/broadside/internal/models"
	"github.com/pefman/broadside/internal/notify"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// RandomAttemptsPerShip bounds the random search for one ship in Randomize.
// It is a heuristic: dense fleets can fail even when a packing exists.
const RandomAttemptsPerShip = 150

type Orientation int

const (
	Horizontal Orientation = iota
	Vertical
)

func (o Orientation) String() string {
	if o == Vertical {
		return "vertical"
	}
	return "horizontal"
}

var (
	ErrFleetIncomplete = errors.New("place all ships before confirming")
	ErrAlreadyPlaced   = errors.New("ship already placed")
	ErrUnknownShip     = errors.New("unknown ship")
)

// PlacementError reports a rejected local placement.
type PlacementError struct {
	Ship   string
	Anchor models.Coord
	Reason string
}

func (e *PlacementError) Error() string {
	if e.Ship == "" {
		return e.Reason
	}
	return fmt.Sprintf("cannot place %s at %s: %s", e.Ship, e.Anchor.Label(), e.Reason)
}

// PlacementFailure is returned when Randomize runs out of attempts.
type PlacementFailure struct {
	Ship     string
	Attempts int
}

func (e *PlacementFailure) Error() string {
	return fmt.Sprintf("could not find room for %s after %d attempts, try again", e.Ship, e.Attempts)
}

// Preview is the read-only result of PreviewFrom.
type Preview struct {
	Cells []models.Coord `json:"cells"`
	Valid bool           `json:"valid"`
}

type Engine struct {
	fleet       []models.ShipConfig
	selected    *models.ShipConfig
	orientation Orientation
	staged      *orderedmap.OrderedMap[string, models.PlacedShip]

	attempts int
	rng      *rand.Rand
	notifier notify.Notifier
}

type Option func(*Engine)

func WithRand(r *rand.Rand) Option { return func(e *Engine) { e.rng = r } }

func WithAttempts(n int) Option { return func(e *Engine) { e.attempts = n } }

func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }

func newRNG() *rand.Rand { return rand.New(rand.NewSource(time.Now().UnixNano())) }

func New(fleet []models.ShipConfig, opts ...Option) *Engine {
	e := &Engine{
		fleet:    append([]models.ShipConfig(nil), fleet...),
		staged:   orderedmap.New[string, models.PlacedShip](),
		attempts: RandomAttemptsPerShip,
		notifier: notify.Discard,
	}
	for _, o := range opts {
		o(e)
	}
	if e.rng == nil {
		e.rng = newRNG()
	}
	return e
}

func (e *Engine) Fleet() []models.ShipConfig {
	return append([]models.ShipConfig(nil), e.fleet...)
}

func (e *Engine) Lookup(name string) (models.ShipConfig, bool) {
	for _, s := range e.fleet {
		if s.Name == name {
			return s, true
		}
	}
	return models.ShipConfig{}, false
}

func (e *Engine) Selected() (models.ShipConfig, bool) {
	if e.selected == nil {
		return models.ShipConfig{}, false
	}
	return *e.selected, true
}

func (e *Engine) Orientation() Orientation { return e.orientation }

func (e *Engine) warn(err error) error {
	e.notifier.Notify(notify.Warning, err.Error())
	return err
}

// SelectShip makes cfg the ship the next CommitAt places.
func (e *Engine) SelectShip(cfg models.ShipConfig) error {
	if _, ok := e.Lookup(cfg.Name); !ok {
		return e.warn(errors.Wrap(ErrUnknownShip, cfg.Name))
	}
	if _, placed := e.staged.Get(cfg.Name); placed {
		return e.warn(errors.Wrap(ErrAlreadyPlaced, cfg.Name))
	}
	sel := cfg
	e.selected = &sel
	return nil
}

func (e *Engine) SetOrientation(o Orientation) { e.orientation = o }

func (e *Engine) ToggleOrientation() Orientation {
	if e.orientation == Horizontal {
		e.orientation = Vertical
	} else {
		e.orientation = Horizontal
	}
	return e.orientation
}

func shipCells(anchor models.Coord, length int, o Orientation) []models.Coord {
	cells := make([]models.Coord, length)
	for i := range cells {
		if o == Horizontal {
			cells[i] = models.Coord{Row: anchor.Row, Col: anchor.Col + i}
		} else {
			cells[i] = models.Coord{Row: anchor.Row + i, Col: anchor.Col}
		}
	}
	return cells
}

// ShipAt returns the name of the staged ship covering c, if any.
func (e *Engine) ShipAt(c models.Coord) (string, bool) {
	for pair := e.staged.Oldest(); pair != nil; pair = pair.Next() {
		for _, sc := range pair.Value.Cells {
			if sc == c {
				return pair.Key, true
			}
		}
	}
	return "", false
}

// PreviewFrom computes the cells the selected ship would cover from the
// anchor. It never mutates the engine. Without a selection the preview is
// empty and invalid.
func (e *Engine) PreviewFrom(row, col int) Preview {
	if e.selected == nil {
		return Preview{}
	}
	cells := shipCells(models.Coord{Row: row, Col: col}, e.selected.Length, e.orientation)
	valid := true
	for _, c := range cells {
		if !c.InBounds() {
			valid = false
			break
		}
		if owner, taken := e.ShipAt(c); taken && owner != e.selected.Name {
			valid = false
			break
		}
	}
	return Preview{Cells: cells, Valid: valid}
}

// CommitAt stages the selected ship at the anchor. complete reports whether
// every ship of the fleet is now staged.
func (e *Engine) CommitAt(row, col int) (complete bool, err error) {
	anchor := models.Coord{Row: row, Col: col}
	if e.selected == nil {
		return false, e.warn(&PlacementError{Anchor: anchor, Reason: "select a ship first"})
	}
	p := e.PreviewFrom(row, col)
	if !p.Valid {
		reason := "ship overlaps another ship"
		for _, c := range p.Cells {
			if !c.InBounds() {
				reason = "ship does not fit on the board"
				break
			}
		}
		return false, e.warn(&PlacementError{Ship: e.selected.Name, Anchor: anchor, Reason: reason})
	}
	e.staged.Set(e.selected.Name, models.PlacedShip{Name: e.selected.Name, Cells: p.Cells})
	e.selected = nil
	return e.Complete(), nil
}

// Randomize replaces the staged fleet with a random one. Ships are placed in
// fleet order, each with at most the configured number of attempts. If any
// ship cannot be placed nothing is kept.
func (e *Engine) Randomize(fleet []models.ShipConfig) error {
	e.selected = nil
	e.staged = orderedmap.New[string, models.PlacedShip]()

	var grid [models.BoardSize][models.BoardSize]bool
	built := orderedmap.New[string, models.PlacedShip]()

	for _, cfg := range fleet {
		cells, ok := e.randomSpot(&grid, cfg.Length)
		if !ok {
			return e.warn(&PlacementFailure{Ship: cfg.Name, Attempts: e.attempts})
		}
		for _, c := range cells {
			grid[c.Row][c.Col] = true
		}
		built.Set(cfg.Name, models.PlacedShip{Name: cfg.Name, Cells: cells})
	}
	e.staged = built
	return nil
}

func (e *Engine) randomSpot(grid *[models.BoardSize][models.BoardSize]bool, length int) ([]models.Coord, bool) {
	if length < 1 || length > models.BoardSize {
		return nil, false
	}
	for attempt := 0; attempt < e.attempts; attempt++ {
		o := Orientation(e.rng.Intn(2))
		var anchor models.Coord
		if o == Horizontal {
			anchor = models.Coord{Row: e.rng.Intn(models.BoardSize), Col: e.rng.Intn(models.BoardSize - length + 1)}
		} else {
			anchor = models.Coord{Row: e.rng.Intn(models.BoardSize - length + 1), Col: e.rng.Intn(models.BoardSize)}
		}
		cells := shipCells(anchor, length, o)
		free := true
		for _, c := range cells {
			if grid[c.Row][c.Col] {
				free = false
				break
			}
		}
		if free {
			return cells, true
		}
	}
	return nil, false
}

// Reset drops the selection, the staged fleet and restores the default
// orientation.
func (e *Engine) Reset() {
	e.selected = nil
	e.orientation = Horizontal
	e.staged = orderedmap.New[string, models.PlacedShip]()
}

func (e *Engine) Complete() bool {
	return len(e.fleet) > 0 && e.staged.Len() == len(e.fleet)
}

// Staged lists the staged ships in placement order.
func (e *Engine) Staged() []models.PlacedShip {
	out := make([]models.PlacedShip, 0, e.staged.Len())
	for pair := e.staged.Oldest(); pair != nil; pair = pair.Next() {
		ps := pair.Value
		ps.Cells = append([]models.Coord(nil), ps.Cells...)
		out = append(out, ps)
	}
	return out
}

// Remaining lists the fleet entries not staged yet, in fleet order.
func (e *Engine) Remaining() []models.ShipConfig {
	var out []models.ShipConfig
	for _, s := range e.fleet {
		if _, ok := e.staged.Get(s.Name); !ok {
			out = append(out, s)
		}
	}
	return out
}

// BuildCommitPayload returns the staged fleet for submission.
func (e *Engine) BuildCommitPayload() (models.PlacementPayload, error) {
	if !e.Complete() {
		return models.PlacementPayload{}, ErrFleetIncomplete
	}
	return models.PlacementPayload{Ships: e.Staged()}, nil
}
