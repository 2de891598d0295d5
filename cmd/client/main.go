package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pefman/broadside/internal/api"
	"github.com/pefman/broadside/internal/game"
	"github.com/pefman/broadside/internal/gate"
	"github.com/pefman/broadside/internal/models"
	"github.com/pefman/broadside/internal/notify"
	"github.com/pefman/broadside/internal/placement"
	"github.com/pefman/broadside/internal/stats"
	"github.com/pefman/broadside/internal/view"
	"github.com/pkg/errors"
)

// ========================= Config (env-configurable) =========================
// Defaults can be overridden via environment variables or flags:
//   GAME_API_BASE     (default: http://localhost:8000)
//   VIEW_PORT         (default: empty, live view feed disabled)
//   AI_TURN_DELAY_MS  (default: 800)
//   CLIENT_LOG        (default: empty, logs discarded)

var (
	apiBase  string
	viewAddr string
	aiDelay  time.Duration
	logPath  string
)

// Build metadata injected via -ldflags at build time
var buildVersion = "dev"

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func init() {
	apiBase = getenv("GAME_API_BASE", "http://localhost:8000")
	if p := os.Getenv("VIEW_PORT"); p != "" {
		viewAddr = ":" + p
	}
	ms, err := strconv.Atoi(getenv("AI_TURN_DELAY_MS", "800"))
	if err != nil || ms < 0 {
		ms = 800
	}
	aiDelay = time.Duration(ms) * time.Millisecond
	logPath = os.Getenv("CLIENT_LOG")
}

// indicators fans busy changes out to several displays.
type indicators []gate.Indicator

func (in indicators) Busy(d string) {
	for _, i := range in {
		i.Busy(d)
	}
}

func (in indicators) Idle() {
	for _, i := range in {
		i.Idle()
	}
}

func main() {
	flag.StringVar(&apiBase, "api", apiBase, "game server base URL")
	flag.StringVar(&viewAddr, "view", viewAddr, "listen address for the live view feed, empty disables it")
	flag.DurationVar(&aiDelay, "ai-delay", aiDelay, "pause before each opponent turn")
	flag.StringVar(&logPath, "log", logPath, "write the debug log to this file")
	flag.Parse()

	if logPath == "" {
		log.SetOutput(io.Discard)
	} else {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	tm := newTerminal()
	tracker := stats.NewTracker()

	var (
		notifier  = notify.Multi{tm}
		indicator = indicators{tm}
		renderer  = []game.Renderer{tm}
	)
	var httpSrv *http.Server
	if viewAddr != "" {
		hub := view.NewHub(tracker)
		defer hub.Close()
		notifier = append(notifier, hub)
		indicator = append(indicator, hub)
		renderer = append(renderer, hub)
		httpSrv = &http.Server{Addr: viewAddr, Handler: hub.Router()}
		go func() {
			log.Printf("view: listening on %s", viewAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("view: %v", err)
				tm.Notify(notify.Warning, "live view feed unavailable: "+err.Error())
			}
		}()
	}

	client := api.NewClient(apiBase)
	g := gate.New(notifier, indicator)
	ctrl := game.New(client, g,
		game.WithNotifier(notifier),
		game.WithRenderer(game.RenderFunc(func(v game.View) {
			for _, r := range renderer {
				r.Render(v)
			}
		})),
		game.WithRecorder(tracker),
		game.WithAIDelay(aiDelay),
		game.WithContext(ctx),
	)

	log.Printf("broadside client %s (GAME_API_BASE=%s)", buildVersion, apiBase)
	tm.printf("broadside %s, server %s. Type 'help' for commands.\n", buildVersion, apiBase)
	_ = ctrl.Start(ctx)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if !run(ctx, ctrl, tm, tracker, line) {
				break loop
			}
		}
	}

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
}

// run executes one command line; false means quit. Errors from the
// controller have already been shown through the notifier.
func run(ctx context.Context, ctrl *game.Controller, tm *terminal, tracker *stats.Tracker, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	cell := func() (models.Coord, bool) {
		c, err := models.ParseCoord(strings.Join(args, " "))
		if err != nil {
			tm.Notify(notify.Warning, err.Error())
			return c, false
		}
		return c, true
	}

	switch cmd {
	case "new":
		_ = ctrl.Start(ctx)
	case "ships":
		tm.showFleet(ctrl.Fleet(), ctrl.Remaining())
	case "select":
		if len(args) == 0 {
			tm.Notify(notify.Warning, "select which ship?")
			break
		}
		_ = ctrl.SelectShip(shipName(ctrl.Fleet(), strings.Join(args, " ")))
	case "rotate":
		_, _ = ctrl.ToggleOrientation()
	case "orient":
		if len(args) != 1 {
			tm.Notify(notify.Warning, "orient h or orient v")
			break
		}
		switch strings.ToLower(args[0]) {
		case "h", "horizontal":
			_ = ctrl.SetOrientation(placement.Horizontal)
		case "v", "vertical":
			_ = ctrl.SetOrientation(placement.Vertical)
		default:
			tm.Notify(notify.Warning, "orient h or orient v")
		}
	case "preview":
		if c, ok := cell(); ok {
			p, err := ctrl.Preview(c.Row, c.Col)
			if err != nil {
				tm.Notify(notify.Warning, err.Error())
				break
			}
			if len(p.Cells) == 0 {
				tm.Notify(notify.Warning, "select a ship first")
				break
			}
			tm.showPreview(ctrl.View(), p)
		}
	case "place":
		if c, ok := cell(); ok {
			complete, err := ctrl.PlaceShip(c.Row, c.Col)
			if err == nil && complete {
				tm.Notify(notify.Info, "Fleet complete. Type 'commit' to confirm it.")
			}
		}
	case "random":
		_ = ctrl.RandomizeFleet()
	case "reset":
		_ = ctrl.ResetPlacement()
	case "commit":
		_ = ctrl.SubmitPlacement(ctx)
	case "fire":
		if c, ok := cell(); ok {
			_ = ctrl.FireShot(ctx, c.Row, c.Col)
		}
	case "continue":
		_ = ctrl.Resume(ctx)
	case "show":
		ctrl.Refresh()
	case "stats":
		tm.showStats(tracker.Snapshot())
	case "help", "?":
		tm.help()
	case "quit", "exit":
		return false
	default:
		tm.Notify(notify.Warning, fmt.Sprintf("unknown command %q, try help", cmd))
	}
	return true
}

// shipName resolves a 1-based fleet index or a case-insensitive name to
// the fleet's spelling. Unknown input is returned unchanged.
func shipName(fleet []models.ShipConfig, arg string) string {
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(fleet) {
		return fleet[n-1].Name
	}
	for _, s := range fleet {
		if strings.EqualFold(s.Name, arg) {
			return s.Name
		}
	}
	return arg
}
