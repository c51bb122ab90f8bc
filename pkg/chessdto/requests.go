package chessdto

// BestMoveRequest is posted to the decision service. GameMode mirrors Mode for
// services that read the older field name.
type BestMoveRequest struct {
	FEN      string `json:"fen"`
	Mode     string `json:"mode"`
	GameMode string `json:"game_mode"`
}

// EvalResponse is the evaluation endpoint reply.
type EvalResponse struct {
	Evaluation *float64 `json:"evaluation"`
	Error      string   `json:"error,omitempty"`
}

// HealthResponse is returned by the service root.
type HealthResponse struct {
	Message string `json:"message"`
}
