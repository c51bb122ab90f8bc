package chessdto

import "time"

// SessionSnapshot is the persisted form of a game session.
type SessionSnapshot struct {
	SessionID    string    `json:"session_id"`
	GameID       string    `json:"game_id"`
	StartFEN     string    `json:"start_fen,omitempty"`
	FEN          string    `json:"fen"`
	MovesUCI     []string  `json:"moves_uci"`
	MovesSAN     []string  `json:"moves_san"`
	GameMode     string    `json:"game_mode"`
	DecisionMode string    `json:"decision_mode"`
	PlayerColor  string    `json:"player_color"`
	Result       string    `json:"result,omitempty"`
	Method       string    `json:"method,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
