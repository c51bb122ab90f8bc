package decision

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/park285/cheese-duel/internal/chess"
)

var ErrUnrecognizedMoveFormat = errors.New("unrecognized move format")

// UnrecognizedMoveFormatError carries the payload that matched no known shape.
type UnrecognizedMoveFormatError struct {
	Payload []byte
}

func (e *UnrecognizedMoveFormatError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnrecognizedMoveFormat.Error(), truncate(string(e.Payload), 256))
}

func (e *UnrecognizedMoveFormatError) Is(target error) bool {
	return target == ErrUnrecognizedMoveFormat
}

// shape is one accepted reply convention. matched reports whether the
// payload has the shape's structure; once it does, the shape alone decides
// and bad contents fail the parse instead of falling through.
type shape struct {
	name   string
	decode func(v any) (mv chess.NormalizedMove, matched bool, err error)
}

// Order is the precedence when a payload carries more than one shape.
var shapes = []shape{
	{name: "uci_string", decode: decodeUCIString},
	{name: "from_to", decode: decodeFromTo},
	{name: "move_field", decode: fieldDecoder("move")},
	{name: "best_move_field", decode: fieldDecoder("best_move")},
}

// ParseMove extracts a move from a decision-service reply. It only performs
// syntactic extraction; legality is checked when the move is applied.
func ParseMove(raw []byte) (chess.NormalizedMove, error) {
	mv, _, err := parseMoveShape(raw)
	return mv, err
}

// parseMoveShape also returns the name of the matched shape for logging.
func parseMoveShape(raw []byte) (chess.NormalizedMove, string, error) {
	unrecognized := &UnrecognizedMoveFormatError{Payload: append([]byte(nil), raw...)}
	payload := bytes.TrimSpace(raw)
	var v any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		// Bare text such as `e2e4` (no JSON quoting) still counts as a move string.
		if mv, _, err := decodeUCIString(string(payload)); err == nil && len(payload) > 0 {
			return mv, "uci_text", nil
		}
		return chess.NormalizedMove{}, "", unrecognized
	}
	for _, s := range shapes {
		mv, matched, err := s.decode(v)
		if !matched {
			continue
		}
		if err != nil {
			return chess.NormalizedMove{}, s.name, unrecognized
		}
		return mv, s.name, nil
	}
	return chess.NormalizedMove{}, "", unrecognized
}

func decodeUCIString(v any) (chess.NormalizedMove, bool, error) {
	s, ok := v.(string)
	if !ok {
		return chess.NormalizedMove{}, false, nil
	}
	mv, err := chess.ParseUCI(s)
	if err != nil {
		return chess.NormalizedMove{}, true, err
	}
	return mv, true, nil
}

func decodeFromTo(v any) (chess.NormalizedMove, bool, error) {
	rec, ok := v.(map[string]any)
	if !ok {
		return chess.NormalizedMove{}, false, nil
	}
	from, okFrom := rec["from"].(string)
	to, okTo := rec["to"].(string)
	if !okFrom || !okTo {
		return chess.NormalizedMove{}, false, nil
	}
	mv, err := chess.NewMove(from, to)
	if err != nil {
		return chess.NormalizedMove{}, true, err
	}
	if p, ok := rec["promotion"].(string); ok {
		if kind, ok := chess.ParsePieceKind(p); ok {
			mv.Promotion = kind
		}
	}
	return mv, true, nil
}

func fieldDecoder(field string) func(v any) (chess.NormalizedMove, bool, error) {
	return func(v any) (chess.NormalizedMove, bool, error) {
		rec, ok := v.(map[string]any)
		if !ok {
			return chess.NormalizedMove{}, false, nil
		}
		return decodeUCIString(rec[field])
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
