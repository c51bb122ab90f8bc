package chess

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIllegalMove   = errors.New("illegal move")
	ErrNoHistory     = errors.New("no moves available to undo")
	ErrInvalidSquare = errors.New("invalid square")
)

// Square is a board coordinate in lowercase form, "a1" through "h8".
type Square string

// ParseSquare normalizes and validates a coordinate such as "E4".
func ParseSquare(raw string) (Square, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if !validSquare(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSquare, raw)
	}
	return Square(s), nil
}

func validSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}

func (s Square) Valid() bool { return validSquare(string(s)) }

// Rank returns 1..8, or 0 for an invalid square.
func (s Square) Rank() int {
	if !s.Valid() {
		return 0
	}
	return int(s[1]-'1') + 1
}

func (s Square) String() string { return string(s) }

// PieceKind names a promotion target.
type PieceKind string

const (
	NoPiece PieceKind = ""
	Queen   PieceKind = "queen"
	Rook    PieceKind = "rook"
	Bishop  PieceKind = "bishop"
	Knight  PieceKind = "knight"
)

// ParsePieceKind accepts the UCI letter ("q") or the full name ("queen").
func ParsePieceKind(raw string) (PieceKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "q", "queen":
		return Queen, true
	case "r", "rook":
		return Rook, true
	case "b", "bishop":
		return Bishop, true
	case "n", "knight":
		return Knight, true
	default:
		return NoPiece, false
	}
}

// Letter returns the UCI suffix letter, empty for NoPiece.
func (k PieceKind) Letter() string {
	switch k {
	case Queen:
		return "q"
	case Rook:
		return "r"
	case Bishop:
		return "b"
	case Knight:
		return "n"
	default:
		return ""
	}
}

// NormalizedMove is the canonical move shape every move source converges to
// before it reaches the GameState.
type NormalizedMove struct {
	From      Square    `json:"from"`
	To        Square    `json:"to"`
	Promotion PieceKind `json:"promotion,omitempty"`
}

// UCI renders the move in coordinate notation, e.g. "e7e8q".
func (m NormalizedMove) UCI() string {
	return string(m.From) + string(m.To) + m.Promotion.Letter()
}

func (m NormalizedMove) String() string { return m.UCI() }

// ParseUCI slices a coordinate move string ("e2e4", "e7e8q").
// It checks syntax only; legality is decided by GameState.ApplyMove.
func ParseUCI(raw string) (NormalizedMove, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if len(s) != 4 && len(s) != 5 {
		return NormalizedMove{}, fmt.Errorf("invalid move text %q", raw)
	}
	from, to := s[0:2], s[2:4]
	if !validSquare(from) || !validSquare(to) {
		return NormalizedMove{}, fmt.Errorf("%w in move text %q", ErrInvalidSquare, raw)
	}
	mv := NormalizedMove{From: Square(from), To: Square(to)}
	if len(s) == 5 {
		kind, ok := ParsePieceKind(s[4:])
		if !ok {
			return NormalizedMove{}, fmt.Errorf("invalid promotion suffix in %q", raw)
		}
		mv.Promotion = kind
	}
	return mv, nil
}

// NewMove builds a move from two loosely formatted squares.
func NewMove(from, to string) (NormalizedMove, error) {
	f, err := ParseSquare(from)
	if err != nil {
		return NormalizedMove{}, err
	}
	t, err := ParseSquare(to)
	if err != nil {
		return NormalizedMove{}, err
	}
	return NormalizedMove{From: f, To: t}, nil
}
