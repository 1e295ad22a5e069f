package lobby

import (
	"context"
	"errors"

	"github.com/DoyleJ11/chess-duel-relay/internal/engine"
	"github.com/DoyleJ11/chess-duel-relay/pkg/types"
	"go.uber.org/zap"
)

// Outbox is where a member wants to receive frames. Send must not block; it
// reports false when the member can no longer keep up.
type Outbox interface {
	Send(env types.Envelope) bool
}

type Msg interface{ isLobbyMsg() }

type FromClient struct {
	ClientID string
	Cmd      engine.Command // Cmd.Role is ignored; the seat decides
}

func (FromClient) isLobbyMsg() {}

type Join struct {
	ClientID string
	Outbox   Outbox
	Reply    chan JoinResult // optional
}

func (Join) isLobbyMsg() {}

type JoinResult struct {
	Role engine.Role
	Full bool
}

type Leave struct{ ClientID string }

func (Leave) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type View struct {
	ID         string
	Version    int
	NumClients int
	Seats      map[engine.Role]string
	State      engine.State
}

type Options struct {
	AllowObservers bool
	Logger         *zap.Logger
}

type member struct {
	outbox Outbox
	role   engine.Role
}

type Lobby struct {
	id             string
	inbox          chan Msg
	oracle         engine.Oracle
	state          engine.State
	version        int
	clients        map[string]*member
	seats          map[engine.Role]string
	allowObservers bool
	log            *zap.Logger
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
}

func NewLobby(parent context.Context, id string, oracle engine.Oracle, opts Options) *Lobby {
	ctx, cancel := context.WithCancel(parent)
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	l := &Lobby{
		id:             id,
		inbox:          make(chan Msg, 64), // Small buffer
		oracle:         oracle,
		state:          engine.NewState(oracle),
		clients:        make(map[string]*member),
		seats:          make(map[engine.Role]string),
		allowObservers: opts.AllowObservers,
		log:            log.With(zap.String("room", id)),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	go l.loop()
	return l
}

func (l *Lobby) loop() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				res := l.join(msg)
				if msg.Reply != nil {
					msg.Reply <- res
				}

			case Leave:
				l.leave(msg.ClientID)

			case FromClient:
				l.handleCommand(msg)

			case GetState:
				// reflect internal state without data races
				seats := make(map[engine.Role]string, len(l.seats))
				for r, id := range l.seats {
					seats[r] = id
				}
				msg.Reply <- View{
					ID:         l.id,
					Version:    l.version,
					NumClients: len(l.clients),
					Seats:      seats,
					State:      l.state,
				}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) join(msg Join) JoinResult {
	if m, ok := l.clients[msg.ClientID]; ok {
		// Rejoin of the same connection: repeat what it should already know.
		m.outbox = msg.Outbox
		l.unicast(msg.ClientID, types.MustEnvelope(types.EventAssignColor, string(m.role)))
		l.unicast(msg.ClientID, l.stateEnvelope())
		return JoinResult{Role: m.role}
	}

	role := engine.RoleNone
	for _, seat := range engine.SeatOrder {
		if _, taken := l.seats[seat]; !taken {
			role = seat
			break
		}
	}
	if role == engine.RoleNone {
		if !l.allowObservers {
			msg.Outbox.Send(types.MustEnvelope(types.EventRoomFull, l.id))
			l.log.Info("join rejected, room full", zap.String("client", msg.ClientID))
			return JoinResult{Full: true}
		}
		role = engine.RoleObserver
	}

	l.clients[msg.ClientID] = &member{outbox: msg.Outbox, role: role}
	if role.Seated() {
		l.seats[role] = msg.ClientID
	}
	l.log.Info("client joined", zap.String("client", msg.ClientID), zap.String("role", string(role)))

	// Register client + send role and current snapshot immediately
	l.unicast(msg.ClientID, types.MustEnvelope(types.EventAssignColor, string(role)))
	l.unicast(msg.ClientID, l.stateEnvelope())
	return JoinResult{Role: role}
}

func (l *Lobby) leave(clientID string) {
	m, ok := l.clients[clientID]
	if !ok {
		return
	}
	delete(l.clients, clientID)
	if m.role.Seated() && l.seats[m.role] == clientID {
		delete(l.seats, m.role)
	}
	l.log.Info("client left", zap.String("client", clientID), zap.String("role", string(m.role)))
}

func (l *Lobby) handleCommand(msg FromClient) {
	m, ok := l.clients[msg.ClientID]
	if !ok {
		l.log.Warn("command from non-member", zap.String("client", msg.ClientID))
		return
	}

	// The turn check runs here, against the latest committed state.
	cmd := msg.Cmd
	cmd.Role = m.role
	events, newState, err := engine.Apply(l.state, l.oracle, cmd)
	if err != nil {
		l.log.Debug("command rejected",
			zap.String("client", msg.ClientID),
			zap.String("cmd", string(cmd.Type)),
			zap.String("move", cmd.Move.String()),
			zap.Error(err))
		l.unicast(msg.ClientID, types.MustEnvelope(types.EventMoveRejected, types.Rejection{
			Code:    rejectionCode(err),
			Message: err.Error(),
		}))
		return
	}

	l.state = newState
	l.version++
	l.broadcast(l.stateEnvelope())

	for _, ev := range events {
		switch ev.Type {
		case engine.EvtCheck:
			l.broadcast(types.MustEnvelope(types.EventCheckAlert, ev.Message))
		case engine.EvtGameOver:
			l.log.Info("game over", zap.String("outcome", ev.Message), zap.String("winner", string(ev.Winner)))
			l.broadcast(types.MustEnvelope(types.EventGameOver, types.GameOver{
				Message: ev.Message,
				Winner:  string(ev.Winner),
			}))
		}
	}
}

func (l *Lobby) stateEnvelope() types.Envelope {
	return types.MustEnvelope(types.EventGameState, types.GameState{
		Position: l.state.Position,
		Turn:     string(l.state.Turn),
		Outcome:  l.state.Outcome,
	})
}

func (l *Lobby) shutdown() {
	clear(l.clients)
	clear(l.seats)
	l.cancel()
}

func (l *Lobby) unicast(clientID string, env types.Envelope) {
	m, ok := l.clients[clientID]
	if !ok {
		return
	}
	if !m.outbox.Send(env) {
		l.drop(clientID)
	}
}

func (l *Lobby) broadcast(env types.Envelope) {
	for id, m := range l.clients {
		if !m.outbox.Send(env) {
			// Client is slow/full - drop them.
			l.drop(id)
		}
	}
}

func (l *Lobby) drop(clientID string) {
	l.log.Warn("dropping slow client", zap.String("client", clientID))
	l.leave(clientID)
}

func rejectionCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrWrongTurn):
		return types.CodeWrongTurn
	case errors.Is(err, engine.ErrIllegalMove):
		return types.CodeIllegalMove
	case errors.Is(err, engine.ErrGameAlreadyCompleted):
		return types.CodeGameOver
	case errors.Is(err, engine.ErrNotSeated):
		return types.CodeNotSeated
	default:
		return types.CodeBadRequest
	}
}

// Expose the inbox so tests or WS layer can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

func (l *Lobby) ID() string { return l.id }

// Done is closed once the actor loop has exited.
func (l *Lobby) Done() <-chan struct{} { return l.done }
