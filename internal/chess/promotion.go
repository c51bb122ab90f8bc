package chess

import nchess "github.com/corentings/chess/v2"

// DefaultPromotion is attached when a move source leaves the piece unspecified.
const DefaultPromotion = Queen

// PromotionFor inspects the pre-move state and reports whether from→to is a
// pawn of the side to move reaching its last rank. It returns the default
// promotion piece when it is, NoPiece otherwise.
func PromotionFor(state *GameState, from, to Square) PieceKind {
	if state == nil || !from.Valid() || !to.Valid() {
		return NoPiece
	}
	piece := state.pieceAt(from)
	if piece.Type() != nchess.Pawn {
		return NoPiece
	}
	turn := state.game.Position().Turn()
	if piece.Color() != turn {
		return NoPiece
	}
	switch {
	case turn == nchess.White && to.Rank() == 8:
		return DefaultPromotion
	case turn == nchess.Black && to.Rank() == 1:
		return DefaultPromotion
	default:
		return NoPiece
	}
}

// ResolvePromotion fills in the promotion piece for promoting pawn moves that
// do not carry one. Explicit choices are kept; non-promoting moves lose any
// stray promotion so the rules engine does not reject them.
func ResolvePromotion(state *GameState, mv NormalizedMove) NormalizedMove {
	kind := PromotionFor(state, mv.From, mv.To)
	if kind == NoPiece {
		mv.Promotion = NoPiece
		return mv
	}
	if mv.Promotion == NoPiece {
		mv.Promotion = kind
	}
	return mv
}
