package engine

type Role string

const (
	RoleWhite    Role = "w"
	RoleBlack    Role = "b"
	RoleObserver Role = "observer"
	RoleNone     Role = ""
)

// SeatOrder is the order free seats are handed out in.
var SeatOrder = []Role{RoleWhite, RoleBlack}

func (r Role) Seated() bool {
	return r == RoleWhite || r == RoleBlack
}

// Other returns the opposing seat. Non-seated roles have no opponent.
func (r Role) Other() Role {
	switch r {
	case RoleWhite:
		return RoleBlack
	case RoleBlack:
		return RoleWhite
	default:
		return RoleNone
	}
}

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleWhite, RoleBlack, RoleObserver:
		return Role(s), true
	default:
		return RoleNone, false
	}
}
