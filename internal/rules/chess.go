// Package rules adapts github.com/notnil/chess to the engine's Oracle.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/DoyleJ11/chess-duel-relay/internal/engine"
	"github.com/notnil/chess"
)

var ErrBadPosition = errors.New("bad position")

// Chess is stateless: every call rebuilds a game from the FEN it is given,
// so positions can travel over the wire without losing anything the oracle
// needs.
type Chess struct{}

var _ engine.Oracle = Chess{}

func New() Chess { return Chess{} }

func (Chess) StartPosition() string {
	return chess.NewGame().Position().String()
}

func (Chess) Validate(position string) (engine.Role, error) {
	g, err := load(position)
	if err != nil {
		return engine.RoleNone, err
	}
	return roleOf(g.Position().Turn()), nil
}

func (Chess) Apply(position string, m engine.Move) (engine.Verdict, error) {
	g, err := load(position)
	if err != nil {
		return engine.Verdict{}, err
	}
	if g.Outcome() != chess.NoOutcome {
		return engine.Verdict{}, fmt.Errorf("position is already decided: %s", g.Outcome())
	}

	from := strings.ToLower(strings.TrimSpace(m.From))
	to := strings.ToLower(strings.TrimSpace(m.To))
	promo := strings.ToLower(strings.TrimSpace(m.Promotion))
	// default to queen on a bare promotion
	if promo == "" && needsPromotion(g, from, to) {
		promo = "q"
	}

	mv, err := chess.UCINotation{}.Decode(g.Position(), from+to+promo)
	if err != nil {
		return engine.Verdict{}, err
	}
	if err := g.Move(mv); err != nil {
		return engine.Verdict{}, err
	}

	moves := g.Moves()
	played := moves[len(moves)-1]
	pos := g.Position()
	v := engine.Verdict{
		Position: pos.String(),
		Turn:     roleOf(pos.Turn()),
		Check:    played.HasTag(chess.Check),
	}
	if g.Outcome() != chess.NoOutcome {
		switch g.Method() {
		case chess.Checkmate:
			v.Checkmate = true
		case chess.Stalemate:
			v.Stalemate = true
		default:
			v.Draw = true
		}
	}
	return v, nil
}

// LegalMoves lists the legal moves of a position in UCI form, sorted.
func (Chess) LegalMoves(position string) ([]string, error) {
	g, err := load(position)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, 32)
	uci := chess.UCINotation{}
	for _, mv := range g.ValidMoves() {
		out = append(out, uci.Encode(g.Position(), mv))
	}
	sort.Strings(out)
	return out, nil
}

func load(position string) (*chess.Game, error) {
	opt, err := chess.FEN(strings.TrimSpace(position))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPosition, err)
	}
	return chess.NewGame(opt), nil
}

func needsPromotion(g *chess.Game, from, to string) bool {
	for _, mv := range g.ValidMoves() {
		if mv.S1().String() == from && mv.S2().String() == to && mv.Promo() != chess.NoPieceType {
			return true
		}
	}
	return false
}

func roleOf(c chess.Color) engine.Role {
	if c == chess.Black {
		return engine.RoleBlack
	}
	return engine.RoleWhite
}
