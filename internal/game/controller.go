// Package game drives one client session through start, placement, battle
// and game over. The server owns the rules; the controller only decides
// when a request may be sent and replaces its copy of the state with each
// answer.
package game

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pefman/broadside/internal/gate"
	"github.com/pefman/broadside/internal/models"
	"github.com/pefman/broadside/internal/notify"
	"github.com/pefman/broadside/internal/placement"
	"github.com/pkg/errors"
)

const (
	// AITurnDelay paces automatic opponent turns. Cosmetic only.
	AITurnDelay = 800 * time.Millisecond
	// MaxAIStreak stops automatic opponent turns when the server keeps
	// handing the turn to the opponent for longer than a game can last.
	MaxAIStreak = models.BoardSize * models.BoardSize
)

var (
	ErrWrongPhase       = errors.New("not available in this phase")
	ErrNotPlayerTurn    = errors.New("wait for your turn")
	ErrNotOpponentTurn  = errors.New("it is not the opponent's turn")
	ErrGameOver         = errors.New("the game is over, start a new one")
	ErrAlreadyTargeted  = errors.New("you already fired at that cell")
	ErrOutOfBounds      = errors.New("cell is off the board")
	ErrDesynced         = errors.New("lost sync with the server, start a new game")
	ErrAlreadyScheduled = errors.New("the opponent's turn is already on its way")
)

// Server is the game server as seen by the controller. *api.Client
// implements it.
type Server interface {
	FetchFleet(ctx context.Context) ([]models.ShipConfig, error)
	StartGame(ctx context.Context) (*models.GameState, error)
	CommitPlacement(ctx context.Context, p models.PlacementPayload) (*models.GameState, error)
	FireShot(ctx context.Context, row, col int) (*models.GameState, error)
	AITurn(ctx context.Context) (*models.GameState, error)
	CurrentState(ctx context.Context) (*models.GameState, error)
}

type sessionSetter interface {
	SetSession(id string)
}

// View is what a renderer gets after every change. It is a projection of
// the controller; nothing reads it back.
type View struct {
	Session     string              `json:"session"`
	Phase       models.Phase        `json:"phase"`
	State       *models.GameState   `json:"state,omitempty"`
	Fleet       []models.ShipConfig `json:"fleet,omitempty"`
	Staged      []models.PlacedShip `json:"staged,omitempty"`
	Selected    string              `json:"selected,omitempty"`
	Orientation string              `json:"orientation,omitempty"`
	Activity    string              `json:"activity,omitempty"`
	Desynced    bool                `json:"desynced,omitempty"`
}

type Renderer interface {
	Render(v View)
}

// RenderFunc adapts a function to a Renderer.
type RenderFunc func(View)

func (f RenderFunc) Render(v View) { f(v) }

// Recorder receives game events for statistics. *stats.Tracker
// implements it.
type Recorder interface {
	GameStarted()
	ShotResolved(outcome models.CellState)
	GameFinished(w models.Winner)
}

// Scheduler runs f once after d. The default is time.AfterFunc.
type Scheduler func(d time.Duration, f func())

func afterFunc(d time.Duration, f func()) { time.AfterFunc(d, f) }

type Controller struct {
	server   Server
	gate     *gate.Gate
	notifier notify.Notifier
	renderer Renderer
	recorder Recorder
	schedule Scheduler
	delay    time.Duration
	maxAI    int
	ctx      context.Context
	rngOpts  []placement.Option

	mu         sync.Mutex
	session    string
	generation uint64
	phase      models.Phase
	state      *models.GameState
	fleet      []models.ShipConfig
	placement  *placement.Engine
	desynced   bool
	aiStreak   int
	aiPending  bool
}

type Option func(*Controller)

func WithNotifier(n notify.Notifier) Option { return func(c *Controller) { c.notifier = n } }

func WithRenderer(r Renderer) Option { return func(c *Controller) { c.renderer = r } }

func WithRecorder(r Recorder) Option { return func(c *Controller) { c.recorder = r } }

func WithScheduler(s Scheduler) Option { return func(c *Controller) { c.schedule = s } }

func WithAIDelay(d time.Duration) Option { return func(c *Controller) { c.delay = d } }

func WithMaxAIStreak(n int) Option { return func(c *Controller) { c.maxAI = n } }

// WithContext sets the context used for automatic opponent turns.
func WithContext(ctx context.Context) Option { return func(c *Controller) { c.ctx = ctx } }

// WithPlacementOptions is passed to every placement engine the controller
// creates, e.g. a seeded random source.
func WithPlacementOptions(opts ...placement.Option) Option {
	return func(c *Controller) { c.rngOpts = append(c.rngOpts, opts...) }
}

// New returns a controller in the start phase. g must be the gate every
// request of the client goes through.
func New(server Server, g *gate.Gate, opts ...Option) *Controller {
	c := &Controller{
		server:   server,
		gate:     g,
		notifier: notify.Discard,
		schedule: afterFunc,
		delay:    AITurnDelay,
		maxAI:    MaxAIStreak,
		ctx:      context.Background(),
		phase:    models.PhaseStart,
	}
	for _, o := range opts {
		o(c)
	}
	if c.gate == nil {
		c.gate = gate.New(c.notifier, nil)
	}
	return c
}

// ========================= Queries =========================

func (c *Controller) Phase() models.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// State returns a copy of the last known game state, nil before a game is
// started.
func (c *Controller) State() *models.GameState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

func (c *Controller) Fleet() []models.ShipConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ShipConfig(nil), c.fleet...)
}

func (c *Controller) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) Desynced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desynced
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	v := View{
		Session:  c.session,
		Phase:    c.phase,
		State:    c.state.Clone(),
		Fleet:    append([]models.ShipConfig(nil), c.fleet...),
		Activity: c.gate.Activity(),
		Desynced: c.desynced,
	}
	if c.placement != nil && c.phase == models.PhasePlacement {
		v.Staged = c.placement.Staged()
		v.Orientation = c.placement.Orientation().String()
		if s, ok := c.placement.Selected(); ok {
			v.Selected = s.Name
		}
	}
	return v
}

// Refresh pushes the current view to the renderer again.
func (c *Controller) Refresh() { c.render() }

func (c *Controller) render() {
	if c.renderer == nil {
		return
	}
	c.renderer.Render(c.View())
}

// ========================= Helpers =========================

// tag is the short session id used in log lines.
func (c *Controller) tag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.session) > 8 {
		return c.session[:8]
	}
	return c.session
}

// reject reports a local rule violation. No request is sent.
func (c *Controller) reject(err error) error {
	c.notifier.Notify(notify.Warning, err.Error())
	return err
}

func (c *Controller) invoke(ctx context.Context, description string, op func(context.Context) error) error {
	err := c.gate.Invoke(ctx, description, op)
	if errors.Is(err, gate.ErrBusy) {
		c.notifier.Notify(notify.Warning, err.Error())
	}
	return err
}

// ========================= Start =========================

// Start discards everything and begins a new game: it fetches the fleet
// configuration, then asks for a new game. If either call fails the
// controller stays in the start phase with no state.
func (c *Controller) Start(ctx context.Context) error {
	if c.gate.Busy() {
		return c.reject(gate.ErrBusy)
	}
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.session = uuid.NewString()
	c.phase = models.PhaseStart
	c.state = nil
	c.fleet = nil
	c.placement = nil
	c.desynced = false
	c.aiStreak = 0
	c.aiPending = false
	session := c.session
	c.mu.Unlock()

	if s, ok := c.server.(sessionSetter); ok {
		s.SetSession(session)
	}
	log.Printf("game %s: starting", session[:8])

	var fleet []models.ShipConfig
	var gs *models.GameState
	err := c.invoke(ctx, "Starting a new game", func(ctx context.Context) error {
		f, err := c.server.FetchFleet(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch fleet")
		}
		if len(f) == 0 {
			return errors.New("server sent an empty fleet")
		}
		s, err := c.server.StartGame(ctx)
		if err != nil {
			return errors.Wrap(err, "start game")
		}
		if s == nil {
			return errors.New("server sent no game state")
		}
		fleet, gs = f, s
		return nil
	})

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.state = nil
		c.mu.Unlock()
		c.render()
		return err
	}
	c.fleet = fleet
	c.state = gs
	c.phase = models.PhasePlacement
	c.placement = placement.New(fleet, append([]placement.Option{placement.WithNotifier(c.notifier)}, c.rngOpts...)...)
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.GameStarted()
	}
	if gs.Message != "" {
		c.notifier.Notify(notify.Info, gs.Message)
	}
	c.render()
	return nil
}

// ========================= Placement =========================

// withPlacement runs f on the placement engine if the game is in the
// placement phase.
func (c *Controller) withPlacement(f func(e *placement.Engine) error) error {
	c.mu.Lock()
	if c.phase != models.PhasePlacement || c.placement == nil {
		c.mu.Unlock()
		return c.reject(ErrWrongPhase)
	}
	err := f(c.placement)
	c.mu.Unlock()
	c.render()
	return err
}

// SelectShip selects a fleet ship by name.
func (c *Controller) SelectShip(name string) error {
	return c.withPlacement(func(e *placement.Engine) error {
		cfg, ok := e.Lookup(name)
		if !ok {
			cfg = models.ShipConfig{Name: name}
		}
		return e.SelectShip(cfg)
	})
}

func (c *Controller) SetOrientation(o placement.Orientation) error {
	return c.withPlacement(func(e *placement.Engine) error {
		e.SetOrientation(o)
		return nil
	})
}

func (c *Controller) ToggleOrientation() (placement.Orientation, error) {
	var o placement.Orientation
	err := c.withPlacement(func(e *placement.Engine) error {
		o = e.ToggleOrientation()
		return nil
	})
	return o, err
}

// Preview is read-only and does not re-render.
func (c *Controller) Preview(row, col int) (placement.Preview, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != models.PhasePlacement || c.placement == nil {
		return placement.Preview{}, ErrWrongPhase
	}
	return c.placement.PreviewFrom(row, col), nil
}

// PlaceShip stages the selected ship at the anchor and reports whether the
// fleet is complete.
func (c *Controller) PlaceShip(row, col int) (bool, error) {
	var complete bool
	err := c.withPlacement(func(e *placement.Engine) error {
		var err error
		complete, err = e.CommitAt(row, col)
		return err
	})
	return complete, err
}

func (c *Controller) RandomizeFleet() error {
	return c.withPlacement(func(e *placement.Engine) error {
		return e.Randomize(e.Fleet())
	})
}

func (c *Controller) ResetPlacement() error {
	return c.withPlacement(func(e *placement.Engine) error {
		e.Reset()
		return nil
	})
}

// Remaining lists the ships still to place; empty outside placement.
func (c *Controller) Remaining() []models.ShipConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != models.PhasePlacement || c.placement == nil {
		return nil
	}
	return c.placement.Remaining()
}

// SubmitPlacement sends the staged fleet. A rejection keeps the controller
// in placement with the staged fleet untouched.
func (c *Controller) SubmitPlacement(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != models.PhasePlacement || c.placement == nil {
		c.mu.Unlock()
		return c.reject(ErrWrongPhase)
	}
	payload, err := c.placement.BuildCommitPayload()
	gen := c.generation
	c.mu.Unlock()
	if err != nil {
		return c.reject(err)
	}
	if c.gate.Busy() {
		return c.reject(gate.ErrBusy)
	}

	var gs *models.GameState
	err = c.invoke(ctx, "Confirming fleet", func(ctx context.Context) error {
		s, err := c.server.CommitPlacement(ctx, payload)
		if err != nil {
			return err
		}
		if s == nil {
			return errors.New("server sent no game state")
		}
		gs = s
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil
	}
	c.state = gs
	c.phase = models.PhaseBattle
	c.placement = nil
	c.mu.Unlock()
	log.Printf("game %s: fleet accepted, battle begins", c.tag())
	if gs.Message != "" {
		c.notifier.Notify(notify.Info, gs.Message)
	}
	c.afterTurn(gen, true)
	return nil
}

// ========================= Battle =========================

// FireShot fires at (row, col) on the target board. Every precondition is
// checked locally first; a violation never reaches the server.
func (c *Controller) FireShot(ctx context.Context, row, col int) error {
	target := models.Coord{Row: row, Col: col}

	c.mu.Lock()
	err := c.battleReadyLocked()
	if err == nil && !c.state.IsPlayerTurn {
		err = ErrNotPlayerTurn
	}
	if err == nil && !target.InBounds() {
		err = errors.Wrap(ErrOutOfBounds, target.String())
	}
	if err == nil {
		if cell, _ := c.state.TargetBoard.At(target); cell != models.Empty {
			err = errors.Wrap(ErrAlreadyTargeted, target.Label())
		}
	}
	gen := c.generation
	c.mu.Unlock()
	if err == nil && c.gate.Busy() {
		err = gate.ErrBusy
	}
	if err != nil {
		return c.reject(err)
	}

	var gs *models.GameState
	err = c.invoke(ctx, "Firing at "+target.Label(), func(ctx context.Context) error {
		s, err := c.server.FireShot(ctx, row, col)
		gs = s
		return err
	})
	if errors.Is(err, gate.ErrBusy) {
		return err
	}
	if err != nil {
		log.Printf("game %s: shot at %s failed: %v", c.tag(), target, err)
		c.resync(ctx, gen, true)
		return err
	}
	if gs == nil {
		log.Printf("game %s: shot at %s returned no state", c.tag(), target)
		return nil
	}
	if !c.adopt(gen, gs) {
		return nil
	}
	if c.recorder != nil {
		if cell, ok := gs.TargetBoard.At(target); ok {
			c.recorder.ShotResolved(cell)
		}
	}
	c.afterTurn(gen, true)
	return nil
}

// AITurn asks the server to play one opponent turn.
func (c *Controller) AITurn(ctx context.Context) error {
	c.mu.Lock()
	err := c.battleReadyLocked()
	if err == nil && c.state.IsPlayerTurn {
		err = ErrNotOpponentTurn
	}
	gen := c.generation
	c.mu.Unlock()
	if err == nil && c.gate.Busy() {
		err = gate.ErrBusy
	}
	if err != nil {
		return c.reject(err)
	}

	var gs *models.GameState
	err = c.invoke(ctx, "Opponent is thinking", func(ctx context.Context) error {
		s, err := c.server.AITurn(ctx)
		gs = s
		return err
	})
	if errors.Is(err, gate.ErrBusy) {
		return err
	}
	if err != nil {
		log.Printf("game %s: opponent turn failed: %v", c.tag(), err)
		c.resync(ctx, gen, false)
		return err
	}
	if gs == nil {
		log.Printf("game %s: opponent turn returned no state", c.tag())
		c.notifier.Notify(notify.Warning, "The server sent no new state; use continue to retry.")
		return nil
	}
	c.mu.Lock()
	if gen == c.generation {
		c.aiStreak++
	}
	c.mu.Unlock()
	if !c.adopt(gen, gs) {
		return nil
	}
	c.afterTurn(gen, true)
	return nil
}

// Resume retries the opponent's turn after a failure stopped the automatic
// pacing.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	pending := c.aiPending
	c.aiStreak = 0
	c.mu.Unlock()
	if pending {
		return c.reject(ErrAlreadyScheduled)
	}
	return c.AITurn(ctx)
}

func (c *Controller) battleReadyLocked() error {
	switch {
	case c.desynced:
		return ErrDesynced
	case c.phase == models.PhaseOver:
		return ErrGameOver
	case c.phase != models.PhaseBattle || c.state == nil:
		return ErrWrongPhase
	case c.state.GameOver:
		return ErrGameOver
	}
	return nil
}

// adopt replaces the held state with gs. It returns false when a newer
// game has started since the request was sent.
func (c *Controller) adopt(gen uint64, gs *models.GameState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		log.Printf("game: dropping answer for an old game")
		return false
	}
	c.state = gs
	if gs.GameOver {
		c.phase = models.PhaseOver
	}
	return true
}

// afterTurn settles the state just adopted: it finishes the game, or, when
// the server gave the turn to the opponent and scheduling is allowed, queues
// one opponent turn.
func (c *Controller) afterTurn(gen uint64, allowAI bool) {
	c.mu.Lock()
	if gen != c.generation || c.state == nil {
		c.mu.Unlock()
		return
	}
	gs := c.state
	switch {
	case gs.GameOver:
		c.aiStreak = 0
		c.mu.Unlock()
		c.finish(gs)
		c.render()
		return
	case gs.IsPlayerTurn:
		c.aiStreak = 0
		c.mu.Unlock()
		c.render()
		return
	case !allowAI || c.aiPending:
		c.mu.Unlock()
		c.render()
		return
	case c.aiStreak >= c.maxAI:
		c.mu.Unlock()
		log.Printf("game %s: opponent kept the turn %d times, pausing", c.tag(), c.maxAI)
		c.notifier.Notify(notify.Error, "The opponent keeps the turn; use continue to carry on.")
		c.render()
		return
	}
	c.aiPending = true
	c.mu.Unlock()
	c.render()
	c.schedule(c.delay, func() { c.runScheduledAI(gen) })
}

func (c *Controller) runScheduledAI(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.aiPending = false
	c.mu.Unlock()
	if err := c.AITurn(c.ctx); err != nil {
		log.Printf("game %s: scheduled opponent turn: %v", c.tag(), err)
	}
}

func (c *Controller) finish(gs *models.GameState) {
	log.Printf("game %s: over, winner %q", c.tag(), gs.Winner)
	if c.recorder != nil {
		c.recorder.GameFinished(gs.Winner)
	}
	msg := gs.Message
	if msg == "" {
		switch gs.Winner {
		case models.WinnerPlayer:
			msg = "You sank the enemy fleet!"
		case models.WinnerOpponent:
			msg = "Your fleet was sunk."
		default:
			msg = "Game over."
		}
	}
	c.notifier.Notify(notify.Info, msg)
}

// resync makes the one recovery call after a failed shot or opponent turn.
// If it fails too the session is desynchronised until the next Start and the
// last known state stays as it is.
func (c *Controller) resync(ctx context.Context, gen uint64, allowAI bool) {
	var gs *models.GameState
	err := c.gate.Invoke(ctx, "Resynchronising", func(ctx context.Context) error {
		s, err := c.server.CurrentState(ctx)
		if err != nil {
			return err
		}
		if s == nil {
			return errors.New("server sent no game state")
		}
		gs = s
		return nil
	})
	if err != nil {
		c.mu.Lock()
		stale := gen != c.generation
		if !stale {
			c.desynced = true
		}
		c.mu.Unlock()
		if stale {
			return
		}
		log.Printf("game %s: resync failed: %v", c.tag(), err)
		c.notifier.Notify(notify.Fatal, "Lost contact with the game server. Start a new game to continue.")
		c.render()
		return
	}
	if !c.adopt(gen, gs) {
		return
	}
	log.Printf("game %s: resynchronised", c.tag())
	c.afterTurn(gen, allowAI)
}
