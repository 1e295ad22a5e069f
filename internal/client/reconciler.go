// Package client is the player's side of the relay: a local projection of the
// room's game, the chat panel state, and the call endpoint, all fed by one
// websocket session.
package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/DoyleJ11/chess-duel-relay/internal/engine"
	"github.com/DoyleJ11/chess-duel-relay/pkg/types"
	"go.uber.org/zap"
)

var (
	ErrMalformedState = errors.New("malformed game state")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrObserver       = errors.New("observers cannot move")
	ErrNoRole         = errors.New("no role assigned")
	ErrGameOver       = errors.New("game is over")
)

// Validator is the slice of the rules oracle the client needs.
type Validator interface {
	Validate(position string) (engine.Role, error)
}

type View struct {
	Role     engine.Role
	Position string
	Turn     engine.Role
	Outcome  string
}

// Reconciler holds the local copy of the room's game. Server pushes replace
// it wholesale; local moves never touch it.
type Reconciler struct {
	rules Validator
	log   *zap.Logger

	mu       sync.RWMutex
	role     engine.Role
	position string
	turn     engine.Role
	outcome  string
	applied  int
}

func NewReconciler(rules Validator, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{rules: rules, log: log.Named("reconciler")}
}

func (r *Reconciler) AssignRole(role string) error {
	parsed, ok := engine.ParseRole(role)
	if !ok || parsed == engine.RoleNone {
		return fmt.Errorf("%w: role %q", ErrMalformedState, role)
	}
	r.mu.Lock()
	r.role = parsed
	r.mu.Unlock()
	return nil
}

// Apply replaces the local game with gs. A push that does not describe a
// real position is discarded and the last good state stays.
func (r *Reconciler) Apply(gs types.GameState) error {
	toMove, err := r.rules.Validate(gs.Position)
	if err != nil {
		r.log.Warn("discarding game state", zap.String("position", gs.Position), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	turn, ok := engine.ParseRole(gs.Turn)
	if !ok || turn != toMove {
		r.log.Warn("discarding game state with inconsistent turn",
			zap.String("turn", gs.Turn), zap.String("position", gs.Position))
		return fmt.Errorf("%w: turn %q does not match position", ErrMalformedState, gs.Turn)
	}

	r.mu.Lock()
	r.position = gs.Position
	r.turn = turn
	r.outcome = gs.Outcome
	r.applied++
	r.mu.Unlock()
	return nil
}

// CheckMove is the local, advisory turn check. The relay checks again.
func (r *Reconciler) CheckMove() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.role == engine.RoleNone:
		return ErrNoRole
	case r.role == engine.RoleObserver:
		return ErrObserver
	case r.outcome != "":
		return ErrGameOver
	case r.position == "" || r.role != r.turn:
		return ErrNotYourTurn
	}
	return nil
}

func (r *Reconciler) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return View{Role: r.role, Position: r.position, Turn: r.turn, Outcome: r.outcome}
}

// Applied counts accepted pushes.
func (r *Reconciler) Applied() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.applied
}

// Forget drops role and game, as after leaving a room.
func (r *Reconciler) Forget() {
	r.mu.Lock()
	r.role, r.position, r.turn, r.outcome = engine.RoleNone, "", engine.RoleNone, ""
	r.mu.Unlock()
}
