package chess

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// Color identifies a side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opposite returns the other side.
func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// ParseColor maps "white"/"w" and "black"/"b"; anything else is white.
func ParseColor(raw string) Color {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "black", "b":
		return Black
	default:
		return White
	}
}

func colorFrom(c nchess.Color) Color {
	if c == nchess.Black {
		return Black
	}
	return White
}

// MoveRecord describes one applied ply.
type MoveRecord struct {
	Move  NormalizedMove
	UCI   string
	SAN   string
	Color Color
	Ply   int
}

// GameState is the authoritative position and its move log.
// It is not safe for concurrent use; the owning session serializes access.
type GameState struct {
	startFEN string
	game     *nchess.Game
	moves    []string // UCI, one per ply
	history  []string // SAN, one per ply
}

// NewGameState starts from the standard position, or from startFEN when set.
func NewGameState(startFEN string) (*GameState, error) {
	startFEN = strings.TrimSpace(startFEN)
	game, err := newGame(startFEN)
	if err != nil {
		return nil, err
	}
	return &GameState{startFEN: startFEN, game: game, moves: []string{}, history: []string{}}, nil
}

// RestoreGameState rebuilds a state by replaying UCI moves from startFEN.
func RestoreGameState(startFEN string, movesUCI []string) (*GameState, error) {
	startFEN = strings.TrimSpace(startFEN)
	game, history, err := replay(startFEN, movesUCI)
	if err != nil {
		return nil, err
	}
	return &GameState{
		startFEN: startFEN,
		game:     game,
		moves:    append([]string{}, movesUCI...),
		history:  history,
	}, nil
}

func newGame(startFEN string) (*nchess.Game, error) {
	if startFEN == "" || startFEN == "startpos" {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(startFEN)
	if err != nil {
		return nil, fmt.Errorf("parse start fen: %w", err)
	}
	return nchess.NewGame(opt), nil
}

func replay(startFEN string, movesUCI []string) (*nchess.Game, []string, error) {
	game, err := newGame(startFEN)
	if err != nil {
		return nil, nil, err
	}
	notationUCI := nchess.UCINotation{}
	notationSAN := nchess.AlgebraicNotation{}
	history := make([]string, 0, len(movesUCI))
	for _, raw := range movesUCI {
		mv := strings.ToLower(strings.TrimSpace(raw))
		pos := game.Position()
		move, err := notationUCI.Decode(pos, mv)
		if err != nil {
			return nil, nil, fmt.Errorf("decode move %s: %w", mv, err)
		}
		san := notationSAN.Encode(pos, move)
		if err := game.Move(move, nil); err != nil {
			return nil, nil, fmt.Errorf("apply move %s: %w", mv, err)
		}
		history = append(history, san)
	}
	return game, history, nil
}

// ApplyMove validates mv against the rules engine and, when legal, commits it.
// On failure the state is untouched and the error wraps ErrIllegalMove.
func (g *GameState) ApplyMove(mv NormalizedMove) (MoveRecord, error) {
	if !mv.From.Valid() || !mv.To.Valid() {
		return MoveRecord{}, fmt.Errorf("%w: %s", ErrIllegalMove, mv.UCI())
	}
	uci := mv.UCI()
	pos := g.game.Position()
	move, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return MoveRecord{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, move)
	mover := colorFrom(pos.Turn())
	if err := g.game.Move(move, nil); err != nil {
		return MoveRecord{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	g.moves = append(g.moves, uci)
	g.history = append(g.history, san)
	return MoveRecord{Move: mv, UCI: uci, SAN: san, Color: mover, Ply: len(g.history)}, nil
}

// Undo removes the last ply. The rewound game is rebuilt before it replaces
// the current one, so a replay failure leaves the state as it was.
func (g *GameState) Undo() error {
	if len(g.moves) == 0 {
		return ErrNoHistory
	}
	trimmed := append([]string{}, g.moves[:len(g.moves)-1]...)
	game, history, err := replay(g.startFEN, trimmed)
	if err != nil {
		return fmt.Errorf("rewind: %w", err)
	}
	g.game = game
	g.moves = trimmed
	g.history = history
	return nil
}

// Reset returns to the starting position with an empty log.
func (g *GameState) Reset() {
	game, err := newGame(g.startFEN)
	if err != nil {
		// startFEN was already accepted by NewGameState
		game = nchess.NewGame()
		g.startFEN = ""
	}
	g.game = game
	g.moves = []string{}
	g.history = []string{}
}

// IsTerminal reports checkmate, stalemate or an automatic draw.
func (g *GameState) IsTerminal() bool {
	return g.game.Outcome() != nchess.NoOutcome
}

// Position returns the current FEN.
func (g *GameState) Position() string { return g.game.FEN() }

// StartFEN returns the configured start position, empty for the standard one.
func (g *GameState) StartFEN() string { return g.startFEN }

// History returns a copy of the SAN log.
func (g *GameState) History() []string { return append([]string{}, g.history...) }

// MovesUCI returns a copy of the coordinate move log.
func (g *GameState) MovesUCI() []string { return append([]string{}, g.moves...) }

// Plies is the number of moves since the last reset.
func (g *GameState) Plies() int { return len(g.history) }

// Turn returns the side to move.
func (g *GameState) Turn() Color { return colorFrom(g.game.Position().Turn()) }

// Result returns the PGN result token ("1-0", "0-1", "1/2-1/2" or "*").
func (g *GameState) Result() string { return string(g.game.Outcome()) }

// Method returns the lowercased termination method, empty while in play.
func (g *GameState) Method() string {
	if g.game.Outcome() == nchess.NoOutcome {
		return ""
	}
	return strings.ToLower(g.game.Method().String())
}

func (g *GameState) pieceAt(sq Square) nchess.Piece {
	if !sq.Valid() {
		return nchess.NoPiece
	}
	s := string(sq)
	idx := nchess.NewSquare(nchess.File(s[0]-'a'), nchess.Rank(s[1]-'1'))
	return g.game.Position().Board().Piece(idx)
}
