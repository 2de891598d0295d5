package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/pefman/broadside/internal/game"
	"github.com/pefman/broadside/internal/models"
	"github.com/pefman/broadside/internal/notify"
	"github.com/pefman/broadside/internal/placement"
	"github.com/pefman/broadside/internal/stats"
	"golang.org/x/term"
)

// ANSI colours; every code has the same length so boards stay aligned.
const (
	colRed     = "31"
	colGreen   = "32"
	colYellow  = "33"
	colBlue    = "34"
	colMagenta = "35"
	colCyan    = "36"
	colWhite   = "37"
)

// terminal draws views on stdout. It is a game.Renderer, a notify.Notifier
// and a gate.Indicator.
type terminal struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
}

func newTerminal() *terminal {
	return &terminal{out: os.Stdout, color: term.IsTerminal(int(os.Stdout.Fd()))}
}

func (t *terminal) paint(code, s string) string {
	if !t.color {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

// ========================= notify / indicator =========================

func (t *terminal) Notify(level notify.Level, msg string) {
	switch level {
	case notify.Info:
		t.printf("%s %s\n", t.paint(colCyan, "»"), msg)
	case notify.Warning:
		t.printf("%s %s\n", t.paint(colYellow, "!"), msg)
	case notify.Error:
		t.printf("%s %s\n", t.paint(colRed, "✗"), msg)
	case notify.Fatal:
		t.printf("%s %s\n", t.paint(colRed, "✗✗"), t.paint(colRed, msg))
	}
}

func (t *terminal) Busy(description string) {
	t.printf("%s %s...\n", t.paint(colMagenta, "…"), description)
}

func (t *terminal) Idle() {}

// ========================= boards =========================

func (t *terminal) glyph(c models.CellState) string {
	switch c {
	case models.Ship:
		return t.paint(colGreen, "#")
	case models.Hit:
		return t.paint(colRed, "X")
	case models.Miss:
		return t.paint(colBlue, "o")
	case models.Sunk:
		return t.paint(colMagenta, "*")
	}
	return t.paint(colWhite, ".")
}

// boardLines renders b with optional overrides; visible width is
// 1 + 3*BoardSize characters per line.
func (t *terminal) boardLines(title string, b models.Board, override map[models.Coord]string) []string {
	lines := []string{fmt.Sprintf("%-*s", 1+3*models.BoardSize, title)}
	var hdr strings.Builder
	hdr.WriteString(" ")
	for c := 1; c <= models.BoardSize; c++ {
		fmt.Fprintf(&hdr, "%3d", c)
	}
	lines = append(lines, hdr.String())
	for r := 0; r < models.BoardSize; r++ {
		var row strings.Builder
		row.WriteByte(byte('A' + r))
		for c := 0; c < models.BoardSize; c++ {
			at := models.Coord{Row: r, Col: c}
			g, ok := override[at]
			if !ok {
				cell, _ := b.At(at)
				g = t.glyph(cell)
			}
			row.WriteString("  " + g)
		}
		lines = append(lines, row.String())
	}
	return lines
}

func (t *terminal) stagedOverlay(staged []models.PlacedShip) map[models.Coord]string {
	m := map[models.Coord]string{}
	for _, s := range staged {
		for _, c := range s.Cells {
			m[c] = t.glyph(models.Ship)
		}
	}
	return m
}

func (t *terminal) sideBySide(left, right []string) string {
	var sb strings.Builder
	for i := range left {
		sb.WriteString(left[i])
		if i < len(right) {
			sb.WriteString("     " + right[i])
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Render draws the whole view. The projection never feeds back into the
// controller.
func (t *terminal) Render(v game.View) {
	var sb strings.Builder
	switch v.Phase {
	case models.PhaseStart:
		sb.WriteString("\nNo game running. Type 'new' to start one.\n")
		t.printf("%s", sb.String())
		return
	case models.PhasePlacement:
		fmt.Fprintf(&sb, "\n== Placement == orientation: %s", v.Orientation)
		if v.Selected != "" {
			fmt.Fprintf(&sb, ", selected: %s", v.Selected)
		}
		fmt.Fprintf(&sb, ", placed %d/%d\n", len(v.Staged), len(v.Fleet))
	case models.PhaseBattle:
		turn := t.paint(colGreen, "your turn")
		if v.State != nil && !v.State.IsPlayerTurn {
			turn = t.paint(colYellow, "opponent's turn")
		}
		fmt.Fprintf(&sb, "\n== Battle == %s\n", turn)
	case models.PhaseOver:
		result := "game over"
		if v.State != nil {
			switch v.State.Winner {
			case models.WinnerPlayer:
				result = t.paint(colGreen, "you won")
			case models.WinnerOpponent:
				result = t.paint(colRed, "you lost")
			}
		}
		fmt.Fprintf(&sb, "\n== Game over == %s\n", result)
	}
	if v.State != nil {
		var overlay map[models.Coord]string
		if v.Phase == models.PhasePlacement {
			overlay = t.stagedOverlay(v.Staged)
		}
		sb.WriteString(t.sideBySide(
			t.boardLines("YOUR FLEET", v.State.PlayerBoard, overlay),
			t.boardLines("TARGET", v.State.TargetBoard, nil),
		))
		if v.State.Message != "" {
			sb.WriteString(v.State.Message + "\n")
		}
	}
	if v.Desynced {
		sb.WriteString(t.paint(colRed, "Out of sync with the server; type 'new' to restart.") + "\n")
	}
	t.printf("%s", sb.String())
}

// showPreview draws the player's board with the previewed cells marked.
func (t *terminal) showPreview(v game.View, p placement.Preview) {
	overlay := t.stagedOverlay(v.Staged)
	mark, col := "+", colGreen
	if !p.Valid {
		mark, col = "!", colRed
	}
	for _, c := range p.Cells {
		if c.InBounds() {
			overlay[c] = t.paint(col, mark)
		}
	}
	board := models.NewBoard()
	if v.State != nil {
		board = v.State.PlayerBoard
	}
	lines := t.boardLines("PREVIEW", board, overlay)
	verdict := t.paint(colGreen, "fits")
	if !p.Valid {
		verdict = t.paint(colRed, "does not fit")
	}
	t.printf("%s%s\n", strings.Join(lines, "\n")+"\n", verdict)
}

// ========================= tables =========================

func (t *terminal) showFleet(fleet, remaining []models.ShipConfig) {
	left := map[string]bool{}
	for _, s := range remaining {
		left[s.Name] = true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tw := tabwriter.NewWriter(t.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSHIP\tLENGTH\tSTATUS")
	for i, s := range fleet {
		status := "placed"
		if left[s.Name] {
			status = "to place"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", i+1, s.Name, s.Length, status)
	}
	_ = tw.Flush()
}

func (t *terminal) showStats(s stats.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tw := tabwriter.NewWriter(t.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "games started\t%d\n", s.GamesStarted)
	fmt.Fprintf(tw, "won / lost\t%d / %d\n", s.GamesWon, s.GamesLost)
	fmt.Fprintf(tw, "shots\t%d\n", s.Shots)
	fmt.Fprintf(tw, "hits / sunk\t%d / %d\n", s.Hits, s.Sinks)
	fmt.Fprintf(tw, "misses\t%d\n", s.Misses)
	fmt.Fprintf(tw, "accuracy\t%.0f%%\n", s.Accuracy*100)
	if s.BestToday != nil {
		fmt.Fprintf(tw, "best win today\t%d shots\n", s.BestToday.Shots)
	}
	_ = tw.Flush()
}

const helpText = `commands:
  new                 start a new game
  ships               list the fleet
  select <name|#>     select a ship to place
  rotate              toggle orientation
  orient h|v          set orientation
  preview <cell>      show where the selected ship would go
  place <cell>        place the selected ship
  random              place the whole fleet at random
  reset               clear all placed ships
  commit              send the fleet to the server
  fire <cell>         fire at the target board
  continue            retry the opponent's turn
  show                redraw the boards
  stats               session statistics
  help                this text
  quit                leave
cells are written B7 or "1 6" (row col, zero based)
`

func (t *terminal) help() { t.printf("%s", helpText) }
