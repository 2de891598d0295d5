package models

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ========================= Domain Models =========================
// Shapes shared by the client core and the game server API.

// BoardSize is the fixed edge length of both boards for a whole session.
const BoardSize = 10

type ShipConfig struct {
	Name   string `json:"name"`
	Length int    `json:"length"`
}

type CellState int

const (
	Empty CellState = iota
	Ship
	Hit
	Miss
	Sunk
)

var cellNames = [...]string{"empty", "ship", "hit", "miss", "sunk"}

// compact single-character codes some servers still send
var cellCodes = map[string]CellState{"~": Empty, "O": Ship, "X": Hit, "F": Miss, "H": Sunk}

func (c CellState) String() string {
	if c < 0 || int(c) >= len(cellNames) {
		return "unknown"
	}
	return cellNames[c]
}

func (c CellState) MarshalJSON() ([]byte, error) {
	if c < 0 || int(c) >= len(cellNames) {
		return nil, errors.Errorf("invalid cell state %d", int(c))
	}
	return json.Marshal(cellNames[c])
}

func (c *CellState) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "cell state")
	}
	if v, ok := cellCodes[s]; ok {
		*c = v
		return nil
	}
	for i, name := range cellNames {
		if strings.EqualFold(s, name) {
			*c = CellState(i)
			return nil
		}
	}
	return errors.Errorf("unknown cell state %q", s)
}

type Phase int

const (
	PhaseStart Phase = iota
	PhasePlacement
	PhaseBattle
	PhaseOver
)

var phaseNames = [...]string{"start", "placement", "battle", "over"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

func (p Phase) MarshalJSON() ([]byte, error) {
	if p < 0 || int(p) >= len(phaseNames) {
		return nil, errors.Errorf("invalid phase %d", int(p))
	}
	return json.Marshal(phaseNames[p])
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "phase")
	}
	for i, name := range phaseNames {
		if strings.EqualFold(s, name) {
			*p = Phase(i)
			return nil
		}
	}
	return errors.Errorf("unknown phase %q", s)
}

type Winner string

const (
	WinnerNone     Winner = ""
	WinnerPlayer   Winner = "player"
	WinnerOpponent Winner = "opponent"
)

type ShipStatus struct {
	Name   string `json:"name"`
	Length int    `json:"length"`
	Hits   int    `json:"hits"`
	Sunk   bool   `json:"sunk"`
}

// Board is a BoardSize x BoardSize grid indexed [row][col]. Ships is only
// populated for the player's own board.
type Board struct {
	Cells [][]CellState `json:"cells"`
	Ships []ShipStatus  `json:"ships,omitempty"`
}

// GameState is the authoritative snapshot returned by the server. It is
// always replaced as a whole, never merged.
type GameState struct {
	Phase        Phase  `json:"phase"`
	IsPlayerTurn bool   `json:"is_player_turn"`
	GameOver     bool   `json:"game_over"`
	Winner       Winner `json:"winner"`
	Message      string `json:"message"`
	PlayerBoard  Board  `json:"player_board"`
	TargetBoard  Board  `json:"target_board"`
}

// PlacedShip is a locally staged ship before the fleet is committed.
type PlacedShip struct {
	Name  string  `json:"name"`
	Cells []Coord `json:"cells"`
}

type PlacementPayload struct {
	Ships []PlacedShip `json:"ships"`
}

type ShotRequest struct {
	Row int `json:"row"`
	Col int `json:"col"`
}
