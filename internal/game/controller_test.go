package game

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pefman/broadside/internal/api"
	"github.com/pefman/broadside/internal/gate"
	"github.com/pefman/broadside/internal/models"
	"github.com/pefman/broadside/internal/notify"
	"github.com/pefman/broadside/internal/placement"
	"github.com/pefman/broadside/internal/stats"
	"github.com/pkg/errors"
)

// ========================= Fakes =========================

type reply struct {
	gs  *models.GameState
	err error
}

type fakeServer struct {
	mu      sync.Mutex
	calls   map[string]int
	fleet   []models.ShipConfig
	queues  map[string][]reply
	session string
	onFire  func()
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		calls:  map[string]int{},
		queues: map[string][]reply{},
		fleet: []models.ShipConfig{
			{Name: "Carrier", Length: 5},
			{Name: "Battleship", Length: 4},
			{Name: "Cruiser", Length: 3},
			{Name: "Submarine", Length: 3},
			{Name: "Destroyer", Length: 2},
		},
	}
}

func (f *fakeServer) push(name string, gs *models.GameState, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[name] = append(f.queues[name], reply{gs, err})
}

func (f *fakeServer) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeServer) next(name string) (*models.GameState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	q := f.queues[name]
	if len(q) == 0 {
		return nil, errors.Errorf("unexpected %s call", name)
	}
	f.queues[name] = q[1:]
	return q[0].gs, q[0].err
}

func (f *fakeServer) SetSession(id string) {
	f.mu.Lock()
	f.session = id
	f.mu.Unlock()
}

func (f *fakeServer) FetchFleet(context.Context) ([]models.ShipConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["fleet"]++
	return f.fleet, nil
}

func (f *fakeServer) StartGame(context.Context) (*models.GameState, error) { return f.next("start") }

func (f *fakeServer) CommitPlacement(context.Context, models.PlacementPayload) (*models.GameState, error) {
	return f.next("commit")
}

func (f *fakeServer) FireShot(context.Context, int, int) (*models.GameState, error) {
	f.mu.Lock()
	hook := f.onFire
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.next("fire")
}

func (f *fakeServer) AITurn(context.Context) (*models.GameState, error) { return f.next("ai") }

func (f *fakeServer) CurrentState(context.Context) (*models.GameState, error) {
	return f.next("current")
}

// manualScheduler collects scheduled functions until the test runs them.
type manualScheduler struct {
	mu      sync.Mutex
	pending []func()
	delays  []time.Duration
}

func (m *manualScheduler) schedule(d time.Duration, f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, f)
	m.delays = append(m.delays, d)
}

func (m *manualScheduler) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// runNext runs the oldest pending function; false when nothing is pending.
func (m *manualScheduler) runNext() bool {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return false
	}
	f := m.pending[0]
	m.pending = m.pending[1:]
	m.mu.Unlock()
	f()
	return true
}

// ========================= Helpers =========================

func newState(phase models.Phase, playerTurn bool) *models.GameState {
	return &models.GameState{
		Phase:        phase,
		IsPlayerTurn: playerTurn,
		PlayerBoard:  models.NewBoard(),
		TargetBoard:  models.NewBoard(),
	}
}

type harness struct {
	c     *Controller
	srv   *fakeServer
	sched *manualScheduler
	rec   *notify.Recorder
	stats *stats.Tracker
	views int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{srv: newFakeServer(), sched: &manualScheduler{}, rec: &notify.Recorder{}, stats: stats.NewTracker()}
	base := []Option{
		WithNotifier(h.rec),
		WithScheduler(h.sched.schedule),
		WithRecorder(h.stats),
		WithRenderer(RenderFunc(func(View) { h.views++ })),
		WithPlacementOptions(placement.WithRand(rand.New(rand.NewSource(3)))),
	}
	h.c = New(h.srv, gate.New(h.rec, nil), append(base, opts...)...)
	return h
}

// toBattle starts a game, stages a random fleet and commits it.
func (h *harness) toBattle(t *testing.T, battle *models.GameState) {
	t.Helper()
	h.srv.push("start", newState(models.PhasePlacement, true), nil)
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.c.RandomizeFleet(); err != nil {
		t.Fatalf("randomize: %v", err)
	}
	h.srv.push("commit", battle, nil)
	if err := h.c.SubmitPlacement(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

// ========================= Start / placement =========================

func TestStartEntersPlacement(t *testing.T) {
	h := newHarness(t)
	st := newState(models.PhasePlacement, true)
	st.Message = "Place your ships"
	h.srv.push("start", st, nil)

	if err := h.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.c.Phase() != models.PhasePlacement {
		t.Errorf("phase = %v", h.c.Phase())
	}
	if len(h.c.Fleet()) != 5 || len(h.c.Remaining()) != 5 {
		t.Errorf("fleet = %v", h.c.Fleet())
	}
	if h.c.Session() == "" || h.srv.session != h.c.Session() {
		t.Errorf("session %q not sent to server (%q)", h.c.Session(), h.srv.session)
	}
	if h.stats.Snapshot().GamesStarted != 1 {
		t.Error("game start not recorded")
	}
	if last, _ := h.rec.Last(); last.Message != "Place your ships" {
		t.Errorf("last notification = %+v", last)
	}
}

func TestStartFailureClearsState(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t, newState(models.PhaseBattle, true))

	h.srv.push("start", nil, &api.ResponseError{StatusCode: http.StatusServiceUnavailable, Body: []byte(`{"detail":"server is full"}`)})
	err := h.c.Start(context.Background())
	var se *gate.ServerError
	if !errors.As(err, &se) || se.Detail != "server is full" {
		t.Fatalf("err = %v", err)
	}
	if h.c.Phase() != models.PhaseStart || h.c.State() != nil {
		t.Errorf("phase=%v state=%+v after failed start", h.c.Phase(), h.c.State())
	}
	if h.rec.Count(notify.Error) != 1 {
		t.Errorf("notifications = %+v", h.rec.Entries())
	}
}

func TestSubmitIncompleteFleetIsLocal(t *testing.T) {
	h := newHarness(t)
	h.srv.push("start", newState(models.PhasePlacement, true), nil)
	_ = h.c.Start(context.Background())

	for i, name := range []string{"Carrier", "Battleship", "Cruiser", "Submarine"} {
		if err := h.c.SelectShip(name); err != nil {
			t.Fatal(err)
		}
		if _, err := h.c.PlaceShip(i, 0); err != nil {
			t.Fatal(err)
		}
	}
	err := h.c.SubmitPlacement(context.Background())
	if !errors.Is(err, placement.ErrFleetIncomplete) {
		t.Fatalf("err = %v", err)
	}
	if h.srv.count("commit") != 0 {
		t.Error("incomplete fleet reached the server")
	}
	if h.rec.Count(notify.Warning) != 1 {
		t.Errorf("notifications = %+v", h.rec.Entries())
	}
}

func TestSubmitRejectedKeepsStagedFleet(t *testing.T) {
	h := newHarness(t)
	h.srv.push("start", newState(models.PhasePlacement, true), nil)
	_ = h.c.Start(context.Background())
	if err := h.c.RandomizeFleet(); err != nil {
		t.Fatal(err)
	}
	before := h.c.View().Staged

	h.srv.push("commit", nil, &api.ResponseError{StatusCode: http.StatusBadRequest, Body: []byte(`{"detail":"Invalid position for Cruiser"}`)})
	err := h.c.SubmitPlacement(context.Background())
	var se *gate.ServerError
	if !errors.As(err, &se) || se.Detail != "Invalid position for Cruiser" {
		t.Fatalf("err = %v", err)
	}
	if h.c.Phase() != models.PhasePlacement {
		t.Errorf("phase = %v", h.c.Phase())
	}
	after := h.c.View().Staged
	if len(after) != len(before) || len(after) != 5 {
		t.Fatalf("staged fleet changed: %v -> %v", before, after)
	}
	for i := range before {
		if before[i].Name != after[i].Name || before[i].Cells[0] != after[i].Cells[0] {
			t.Errorf("ship %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestPlacementCommandsOutsidePlacement(t *testing.T) {
	h := newHarness(t)
	if err := h.c.SelectShip("Carrier"); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("select before start = %v", err)
	}
	if err := h.c.SubmitPlacement(context.Background()); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("submit before start = %v", err)
	}
	if _, err := h.c.Preview(0, 0); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("preview before start = %v", err)
	}
}

// ========================= Battle =========================

func TestSuccessfulResponseReplacesStateWholesale(t *testing.T) {
	h := newHarness(t)
	first := newState(models.PhaseBattle, true)
	first.Message = "Fire when ready"
	first.PlayerBoard.Ships = []models.ShipStatus{{Name: "Carrier", Length: 5}}
	h.toBattle(t, first)

	next := newState(models.PhaseBattle, true)
	next.TargetBoard.Cells[4][4] = models.Hit
	h.srv.push("fire", next, nil)
	if err := h.c.FireShot(context.Background(), 4, 4); err != nil {
		t.Fatal(err)
	}
	got := h.c.State()
	if got.Message != "" || got.PlayerBoard.Ships != nil {
		t.Errorf("fields of the previous state survived: %+v", got)
	}
	if got.TargetBoard.Cells[4][4] != models.Hit {
		t.Error("new board not adopted")
	}
	if h.sched.len() != 0 {
		t.Error("a hit keeps the turn, no opponent turn expected")
	}
	if s := h.stats.Snapshot(); s.Hits != 1 || s.Shots != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestFireAtTargetedCellSendsNothing(t *testing.T) {
	h := newHarness(t)
	battle := newState(models.PhaseBattle, true)
	battle.TargetBoard.Cells[2][2] = models.Miss
	h.toBattle(t, battle)
	warnings := h.rec.Count(notify.Warning)

	err := h.c.FireShot(context.Background(), 2, 2)
	if !errors.Is(err, ErrAlreadyTargeted) {
		t.Fatalf("err = %v", err)
	}
	if h.srv.count("fire") != 0 {
		t.Error("shot at a targeted cell reached the server")
	}
	if h.rec.Count(notify.Warning) != warnings+1 {
		t.Error("no warning emitted")
	}
	if h.c.State().TargetBoard.Cells[2][2] != models.Miss {
		t.Error("state changed")
	}
}

func TestFirePreconditions(t *testing.T) {
	h := newHarness(t)
	if err := h.c.FireShot(context.Background(), 0, 0); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("before start = %v", err)
	}
	h.toBattle(t, newState(models.PhaseBattle, false))
	if err := h.c.FireShot(context.Background(), 0, 0); !errors.Is(err, ErrNotPlayerTurn) {
		t.Errorf("opponent's turn = %v", err)
	}

	h2 := newHarness(t)
	h2.toBattle(t, newState(models.PhaseBattle, true))
	if err := h2.c.FireShot(context.Background(), 10, 0); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("off board = %v", err)
	}
	if err := h2.c.FireShot(context.Background(), 0, -1); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("off board = %v", err)
	}
	if h.srv.count("fire")+h2.srv.count("fire") != 0 {
		t.Error("a refused shot reached the server")
	}
}

func TestFireWhileBusyIsRefused(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t, newState(models.PhaseBattle, true))

	var nested error
	h.srv.onFire = func() {
		h.srv.onFire = nil
		nested = h.c.FireShot(context.Background(), 1, 1)
	}
	h.srv.push("fire", newState(models.PhaseBattle, true), nil)
	if err := h.c.FireShot(context.Background(), 0, 0); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(nested, gate.ErrBusy) {
		t.Errorf("nested shot = %v, want ErrBusy", nested)
	}
	if h.srv.count("fire") != 1 {
		t.Errorf("fire calls = %d", h.srv.count("fire"))
	}
}

func TestMissSchedulesOpponentTurn(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t, newState(models.PhaseBattle, true))

	miss := newState(models.PhaseBattle, false)
	miss.TargetBoard.Cells[0][0] = models.Miss
	h.srv.push("fire", miss, nil)
	if err := h.c.FireShot(context.Background(), 0, 0); err != nil {
		t.Fatal(err)
	}
	if h.sched.len() != 1 || h.sched.delays[0] != AITurnDelay {
		t.Fatalf("scheduled = %d %v", h.sched.len(), h.sched.delays)
	}
	if h.srv.count("ai") != 0 {
		t.Error("opponent turn ran before its delay")
	}

	// the server keeps the opponent going once, then hands the turn back
	h.srv.push("ai", newState(models.PhaseBattle, false), nil)
	h.srv.push("ai", newState(models.PhaseBattle, true), nil)
	for h.sched.runNext() {
	}
	if h.srv.count("ai") != 2 {
		t.Errorf("ai calls = %d", h.srv.count("ai"))
	}
	if !h.c.State().IsPlayerTurn {
		t.Error("turn not handed back")
	}
	if s := h.stats.Snapshot(); s.Misses != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestOpponentStreakIsBounded(t *testing.T) {
	h := newHarness(t, WithMaxAIStreak(2))
	h.toBattle(t, newState(models.PhaseBattle, false))
	for i := 0; i < 5; i++ {
		h.srv.push("ai", newState(models.PhaseBattle, false), nil)
	}
	for h.sched.runNext() {
	}
	if n := h.srv.count("ai"); n != 2 {
		t.Errorf("ai calls = %d, want 2", n)
	}
	if h.rec.Count(notify.Error) != 1 {
		t.Errorf("notifications = %+v", h.rec.Entries())
	}

	if err := h.c.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if n := h.srv.count("ai"); n != 3 {
		t.Errorf("ai calls after resume = %d", n)
	}
}

func TestFailedShotResyncs(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t, newState(models.PhaseBattle, true))

	h.srv.push("fire", nil, errors.New("connection reset"))
	canonical := newState(models.PhaseBattle, false)
	canonical.TargetBoard.Cells[5][5] = models.Miss
	h.srv.push("current", canonical, nil)

	err := h.c.FireShot(context.Background(), 5, 5)
	var se *gate.ServerError
	if !errors.As(err, &se) || se.Detail != "communication error: connection reset" {
		t.Fatalf("err = %v", err)
	}
	if h.srv.count("current") != 1 {
		t.Errorf("resync calls = %d", h.srv.count("current"))
	}
	if h.c.State().TargetBoard.Cells[5][5] != models.Miss || h.c.Desynced() {
		t.Error("canonical state not adopted")
	}
	if h.sched.len() != 1 {
		t.Error("resync handing the turn to the opponent should schedule its turn")
	}
}

func TestResyncFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	battle := newState(models.PhaseBattle, true)
	battle.Message = "Your move"
	h.toBattle(t, battle)

	h.srv.push("fire", nil, errors.New("timeout"))
	h.srv.push("current", nil, errors.New("timeout"))
	if err := h.c.FireShot(context.Background(), 1, 1); err == nil {
		t.Fatal("expected error")
	}
	if !h.c.Desynced() {
		t.Error("session not marked desynchronised")
	}
	if h.rec.Count(notify.Fatal) != 1 {
		t.Errorf("notifications = %+v", h.rec.Entries())
	}
	if h.c.State().Message != "Your move" {
		t.Error("last known state not kept")
	}

	if err := h.c.FireShot(context.Background(), 2, 2); !errors.Is(err, ErrDesynced) {
		t.Errorf("shot after fatal = %v", err)
	}
	if h.srv.count("fire") != 1 || h.srv.count("current") != 1 {
		t.Error("no further requests expected after a failed resync")
	}

	h.srv.push("start", newState(models.PhasePlacement, true), nil)
	if err := h.c.Start(context.Background()); err != nil || h.c.Desynced() {
		t.Errorf("restart: err=%v desynced=%v", err, h.c.Desynced())
	}
}

func TestFailedOpponentTurnWaitsForResume(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t, newState(models.PhaseBattle, false))
	if h.sched.len() != 1 {
		t.Fatal("opponent opening turn not scheduled")
	}

	h.srv.push("ai", nil, &api.ResponseError{StatusCode: http.StatusInternalServerError})
	h.srv.push("current", newState(models.PhaseBattle, false), nil)
	h.sched.runNext()
	if h.srv.count("current") != 1 {
		t.Fatal("no resync after failed opponent turn")
	}
	if h.sched.len() != 0 {
		t.Error("failed opponent turn must not reschedule itself")
	}

	h.srv.push("ai", newState(models.PhaseBattle, true), nil)
	if err := h.c.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !h.c.State().IsPlayerTurn {
		t.Error("resume did not play the opponent turn")
	}
	if err := h.c.Resume(context.Background()); !errors.Is(err, ErrNotOpponentTurn) {
		t.Errorf("resume on player's turn = %v", err)
	}
}

func TestRestartDropsScheduledTurn(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t, newState(models.PhaseBattle, false))
	if h.sched.len() != 1 {
		t.Fatal("opponent turn not scheduled")
	}
	h.srv.push("start", newState(models.PhasePlacement, true), nil)
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.sched.runNext()
	if h.srv.count("ai") != 0 {
		t.Error("opponent turn of the previous game reached the server")
	}
}

func TestGameOver(t *testing.T) {
	h := newHarness(t)
	h.toBattle(t, newState(models.PhaseBattle, true))

	over := newState(models.PhaseOver, true)
	over.GameOver = true
	over.Winner = models.WinnerPlayer
	over.TargetBoard.Cells[9][9] = models.Sunk
	h.srv.push("fire", over, nil)
	if err := h.c.FireShot(context.Background(), 9, 9); err != nil {
		t.Fatal(err)
	}
	if h.c.Phase() != models.PhaseOver || h.c.State().Winner != models.WinnerPlayer {
		t.Errorf("phase=%v winner=%q", h.c.Phase(), h.c.State().Winner)
	}
	if s := h.stats.Snapshot(); s.GamesWon != 1 || s.Sinks != 1 {
		t.Errorf("stats = %+v", s)
	}
	if err := h.c.FireShot(context.Background(), 0, 0); !errors.Is(err, ErrGameOver) {
		t.Errorf("shot after game over = %v", err)
	}
	if err := h.c.AITurn(context.Background()); !errors.Is(err, ErrGameOver) {
		t.Errorf("opponent turn after game over = %v", err)
	}
}
