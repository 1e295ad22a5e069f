package types

// GameState:
//   position: FEN string, the full authoritative board
//   turn:     "w" | "b"
//   outcome:  set once the room is finished, e.g. "Checkmate! White wins."
//
// Clients replace their local copy with every GameState they receive; it is
// never merged with local speculation.
type GameState struct {
	Position string `json:"position"`
	Turn     string `json:"turn"`
	Outcome  string `json:"outcome,omitempty"`
}

// GameOver:
//   message: human readable outcome
//   winner:  "w" | "b" for checkmate, "" for draws
type GameOver struct {
	Message string `json:"message"`
	Winner  string `json:"winner"`
}
