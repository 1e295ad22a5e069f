package engine

const checkMessage = "Check! Your king is under attack."

func NewState(o Oracle) State {
	return State{
		Position: o.StartPosition(),
		Turn:     RoleWhite,
		Status:   StatusPlaying,
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// outcome turns the oracle's terminal flags into the message broadcast with
// gameOver. mover is the role that just moved, so it wins on checkmate.
func outcome(v Verdict, mover Role) (string, Role, bool) {
	switch {
	case v.Checkmate:
		return "Checkmate! " + colorName(mover) + " wins.", mover, true
	case v.Stalemate:
		return "Stalemate! Game drawn.", RoleNone, true
	case v.Draw:
		return "Draw! Game over.", RoleNone, true
	default:
		return "", RoleNone, false
	}
}

func colorName(r Role) string {
	switch r {
	case RoleWhite:
		return "White"
	case RoleBlack:
		return "Black"
	default:
		return string(r)
	}
}
