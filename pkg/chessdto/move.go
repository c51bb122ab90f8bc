package chessdto

// PeerMove is the event exchanged over the peer channel for every committed move.
// Promotion and Sender are optional; peers that only know {from,to} interoperate.
type PeerMove struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	Sender    string `json:"sender,omitempty"`
}
