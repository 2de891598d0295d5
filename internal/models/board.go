package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Coord is a (row, col) pair. On the wire it is a two element array.
type Coord struct {
	Row int
	Col int
}

func (c Coord) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{c.Row, c.Col})
}

func (c *Coord) UnmarshalJSON(data []byte) error {
	var pair []int
	if err := json.Unmarshal(data, &pair); err != nil {
		return errors.Wrap(err, "coordinate")
	}
	if len(pair) != 2 {
		return errors.Errorf("coordinate needs 2 values, got %d", len(pair))
	}
	c.Row, c.Col = pair[0], pair[1]
	return nil
}

func (c Coord) InBounds() bool {
	return c.Row >= 0 && c.Row < BoardSize && c.Col >= 0 && c.Col < BoardSize
}

// Label formats the coordinate as "A1" (row letter, 1-based column).
func (c Coord) Label() string {
	return fmt.Sprintf("%c%d", 'A'+c.Row, c.Col+1)
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.Row, c.Col)
}

// ParseCoord accepts "B7" style labels as well as "1 6" / "1,6" pairs.
func ParseCoord(s string) (Coord, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Coord{}, errors.New("empty coordinate")
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
	if len(fields) == 2 {
		row, err1 := strconv.Atoi(fields[0])
		col, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			return Coord{}, errors.Errorf("invalid coordinate %q", s)
		}
		return Coord{Row: row, Col: col}, nil
	}
	letter := strings.ToUpper(s[:1])[0]
	if letter < 'A' || letter >= 'A'+BoardSize {
		return Coord{}, errors.Errorf("invalid row %q", s[:1])
	}
	col, err := strconv.Atoi(strings.TrimSpace(s[1:]))
	if err != nil {
		return Coord{}, errors.Errorf("invalid column %q", s[1:])
	}
	if col < 1 || col > BoardSize {
		return Coord{}, errors.Errorf("column out of bounds: %d", col)
	}
	return Coord{Row: int(letter - 'A'), Col: col - 1}, nil
}

// NewBoard creates an empty BoardSize x BoardSize board.
func NewBoard() Board {
	cells := make([][]CellState, BoardSize)
	for r := range cells {
		cells[r] = make([]CellState, BoardSize)
	}
	return Board{Cells: cells}
}

// At returns the cell state and false when the coordinate is off the board.
func (b Board) At(c Coord) (CellState, bool) {
	if !c.InBounds() || c.Row >= len(b.Cells) || c.Col >= len(b.Cells[c.Row]) {
		return Empty, false
	}
	return b.Cells[c.Row][c.Col], true
}

func (b Board) validate(name string) error {
	if len(b.Cells) != BoardSize {
		return errors.Errorf("%s has %d rows, want %d", name, len(b.Cells), BoardSize)
	}
	for r, row := range b.Cells {
		if len(row) != BoardSize {
			return errors.Errorf("%s row %d has %d columns, want %d", name, r, len(row), BoardSize)
		}
	}
	return nil
}

func (b Board) Clone() Board {
	out := Board{Cells: make([][]CellState, len(b.Cells))}
	for r, row := range b.Cells {
		out.Cells[r] = append([]CellState(nil), row...)
	}
	if b.Ships != nil {
		out.Ships = append([]ShipStatus(nil), b.Ships...)
	}
	return out
}

// Validate checks the fixed board dimensions of a received state.
func (g *GameState) Validate() error {
	if err := g.PlayerBoard.validate("player board"); err != nil {
		return err
	}
	return g.TargetBoard.validate("target board")
}

func (g *GameState) Clone() *GameState {
	if g == nil {
		return nil
	}
	out := *g
	out.PlayerBoard = g.PlayerBoard.Clone()
	out.TargetBoard = g.TargetBoard.Clone()
	return &out
}
