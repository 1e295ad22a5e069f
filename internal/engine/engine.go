package engine

import (
	"errors"
	"fmt"
)

var ErrWrongTurn = errors.New("not your turn")
var ErrIllegalMove = errors.New("illegal move")
var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrGameAlreadyCompleted = errors.New("game already completed")
var ErrNotSeated = errors.New("not seated")
var ErrOracleMismatch = errors.New("oracle disagrees on turn")

type Status string

const (
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"
)

// Move is a candidate move in coordinate form: "e2", "e4", optional "q".
type Move struct {
	From      string
	To        string
	Promotion string
}

func (m Move) String() string {
	return m.From + m.To + m.Promotion
}

// Verdict is what the oracle reports for an accepted move.
type Verdict struct {
	Position  string
	Turn      Role
	Check     bool
	Checkmate bool
	Stalemate bool
	Draw      bool
}

// Oracle computes move legality and terminal conditions. Positions are opaque
// serialized boards; the engine never looks inside them.
type Oracle interface {
	StartPosition() string
	Validate(position string) (Role, error)
	Apply(position string, m Move) (Verdict, error)
}

// State is the authoritative per-room game state. It is only ever replaced
// as a whole.
type State struct {
	Position string
	Turn     Role
	Status   Status
	Outcome  string
	Winner   Role
}

type CommandType string

const (
	CmdMakeMove CommandType = "MakeMove"
	CmdReset    CommandType = "Reset"
)

/*
	CmdMakeMove -> EvtMoveApplied [-> EvtCheck | EvtGameOver]
	CmdReset    -> EvtReset
*/

type Command struct {
	Type CommandType
	Role Role
	Move Move
}

type EventType string

const (
	EvtMoveApplied EventType = "MoveApplied"
	EvtCheck       EventType = "Check"
	EvtGameOver    EventType = "GameOver"
	EvtReset       EventType = "Reset"
)

type Event struct {
	Type    EventType
	Message string
	Winner  Role
}

func Apply(s State, o Oracle, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdMakeMove:
		if s.Status == StatusFinished {
			return nil, s, ErrGameAlreadyCompleted
		}
		if !cmd.Role.Seated() {
			return nil, s, ErrWrongTurn
		}
		if cmd.Role != s.Turn {
			return nil, s, ErrWrongTurn
		}

		v, err := o.Apply(s.Position, cmd.Move)
		if err != nil {
			return nil, s, fmt.Errorf("%w: %s: %v", ErrIllegalMove, cmd.Move, err)
		}
		// Turns strictly alternate; anything else is a broken oracle.
		if v.Turn != cmd.Role.Other() {
			return nil, s, fmt.Errorf("%w: %s moved, %q to move", ErrOracleMismatch, cmd.Role, v.Turn)
		}

		newState := State{Position: v.Position, Turn: v.Turn, Status: StatusPlaying}
		events := []Event{{Type: EvtMoveApplied}}

		// Completion
		if msg, winner, over := outcome(v, cmd.Role); over {
			newState.Status = StatusFinished
			newState.Outcome = msg
			newState.Winner = winner
			events = append(events, Event{Type: EvtGameOver, Message: msg, Winner: winner})
		} else if v.Check {
			events = append(events, Event{Type: EvtCheck, Message: checkMessage})
		}
		return events, newState, nil

	case CmdReset:
		if !cmd.Role.Seated() {
			return nil, s, ErrNotSeated
		}
		return []Event{{Type: EvtReset}}, NewState(o), nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}
