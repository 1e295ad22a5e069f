package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/DoyleJ11/chess-duel-relay/internal/rules"
	"github.com/DoyleJ11/chess-duel-relay/internal/signaling"
	"github.com/DoyleJ11/chess-duel-relay/pkg/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EventDisconnected is the notification for a lost relay connection. There is
// no automatic reconnect.
const EventDisconnected = "disconnected"

var ErrNoMedia = errors.New("no media devices")

// Notification is anything the player should be told about: alerts, game
// over, rejections, invitations, call trouble and transport errors.
type Notification struct {
	Event   string
	Code    string
	Message string
	From    string
	Winner  string
	Err     error
}

type Options struct {
	Rules     Validator           // defaults to the chess rules
	Media     signaling.Media     // nil refuses every call
	Describer signaling.Describer // optional
	Store     *StoreClient        // nil skips persistence and history
	Logger    *zap.Logger
}

type Session struct {
	Game   *Reconciler
	Chat   *Conversation
	Roster *Roster
	Call   *signaling.Negotiator

	conn  *websocket.Conn
	store *StoreClient
	log   *zap.Logger
	notes chan Notification

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool
	pickups sync.WaitGroup // answers waiting on local media

	mu       sync.Mutex
	room     string
	identity string
}

// Dial connects to the relay's websocket endpoint and starts reading.
func Dial(ctx context.Context, url string, opts Options) (*Session, error) {
	if opts.Rules == nil {
		opts.Rules = rules.New()
	}
	if opts.Media == nil {
		opts.Media = noMedia{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Game:   NewReconciler(opts.Rules, opts.Logger),
		Chat:   &Conversation{},
		Roster: &Roster{},
		conn:   conn,
		store:  opts.Store,
		log:    opts.Logger.Named("session"),
		notes:  make(chan Notification, 64),
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.Call = signaling.NewNegotiator(opts.Media, s, opts.Describer, opts.Logger)
	go s.readLoop()
	return s, nil
}

// Notifications is closed when the session ends.
func (s *Session) Notifications() <-chan Notification { return s.notes }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) JoinGame(ctx context.Context, room string) error {
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
	s.Game.Forget()
	return s.send(ctx, types.EventJoinGame, room)
}

func (s *Session) LeaveGame(ctx context.Context) error {
	s.mu.Lock()
	s.room = ""
	s.mu.Unlock()
	s.Game.Forget()
	return s.send(ctx, types.EventLeaveGame, nil)
}

// Move proposes a move. Out of turn it fails locally without a round trip;
// the local view only changes when the relay's broadcast arrives.
func (s *Session) Move(ctx context.Context, from, to, promotion string) error {
	if err := s.Game.CheckMove(); err != nil {
		return err
	}
	return s.send(ctx, types.EventMakeMove, types.MakeMove{
		RoomID: s.Room(),
		Move:   types.Move{From: from, To: to, Promotion: promotion},
	})
}

func (s *Session) Reset(ctx context.Context) error {
	return s.send(ctx, types.EventResetGame, s.Room())
}

func (s *Session) Announce(ctx context.Context, identity string) error {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
	s.Chat.SetIdentity(identity)
	return s.send(ctx, types.EventJoinChat, identity)
}

// OpenConversation selects partner and loads the stored history.
func (s *Session) OpenConversation(ctx context.Context, partner string) error {
	var history []types.ChatMessage
	if s.store != nil {
		var err error
		if history, err = s.store.History(ctx, s.Identity(), partner); err != nil {
			return err
		}
	}
	s.Chat.Select(partner, history)
	return nil
}

// SendMessage records the message in the store, then relays it.
func (s *Session) SendMessage(ctx context.Context, to, text string) error {
	msg := types.ChatMessage{Sender: s.Identity(), Receiver: to, Text: text}
	if s.store != nil {
		if err := s.store.SaveMessage(ctx, msg); err != nil {
			return fmt.Errorf("store message: %w", err)
		}
	}
	return s.send(ctx, types.EventSendMessage, msg)
}

func (s *Session) Invite(ctx context.Context, to string) error {
	return s.send(ctx, types.EventInvitePlayer, types.Invite{FromUser: s.Identity(), ToUser: to})
}

func (s *Session) PlaceCall(ctx context.Context, to string) error {
	return s.Call.PlaceCall(ctx, to)
}

func (s *Session) HangUp(ctx context.Context) error {
	return s.Call.HangUp(ctx)
}

// Signal lets the negotiator use the session as its transport.
func (s *Session) Signal(ctx context.Context, event string, sig types.Signal) error {
	return s.send(ctx, event, sig)
}

// Close hangs up any call, releases media and closes the connection.
func (s *Session) Close() error {
	err := s.Call.Close()
	s.closing.Store(true)
	err = multierr.Append(err, s.conn.Close(websocket.StatusNormalClosure, "bye"))
	s.cancel()
	<-s.done
	return err
}

func (s *Session) send(ctx context.Context, event string, payload any) error {
	env, err := types.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, s.conn, env); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.notes)
	defer s.pickups.Wait()
	defer s.cancel()
	for {
		var env types.Envelope
		if err := wsjson.Read(s.ctx, s.conn, &env); err != nil {
			if !s.closing.Load() {
				s.log.Info("relay connection lost", zap.Error(err))
				s.notify(Notification{Event: EventDisconnected, Err: err})
			}
			// the call cannot outlive the relay
			_ = s.Call.HandleClose(types.Signal{From: s.Call.Peer()})
			return
		}
		if err := s.dispatch(env); err != nil {
			s.log.Debug("event not applied", zap.String("event", env.Event), zap.Error(err))
		}
	}
}

func (s *Session) dispatch(env types.Envelope) error {
	switch env.Event {
	case types.EventAssignColor:
		var role string
		if err := env.Decode(&role); err != nil {
			return err
		}
		return s.Game.AssignRole(role)

	case types.EventGameState:
		var gs types.GameState
		if err := env.Decode(&gs); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedState, err)
		}
		return s.Game.Apply(gs)

	case types.EventCheckAlert:
		var text string
		_ = env.Decode(&text)
		s.notify(Notification{Event: env.Event, Message: text})

	case types.EventGameOver:
		var over types.GameOver
		if err := env.Decode(&over); err != nil {
			return err
		}
		s.notify(Notification{Event: env.Event, Message: over.Message, Winner: over.Winner})

	case types.EventRoomFull:
		var room string
		_ = env.Decode(&room)
		s.notify(Notification{Event: env.Event, Message: room})

	case types.EventMoveRejected, types.EventError:
		var rej types.Rejection
		if err := env.Decode(&rej); err != nil {
			return err
		}
		s.notify(Notification{Event: env.Event, Code: rej.Code, Message: rej.Message})

	case types.EventUpdateUsers:
		var users []string
		if err := env.Decode(&users); err != nil {
			return err
		}
		s.Roster.Replace(users)

	case types.EventReceiveMessage:
		var msg types.ChatMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		s.Chat.Accept(msg)

	case types.EventInvitePlayer:
		var inv types.Invite
		if err := env.Decode(&inv); err != nil {
			return err
		}
		s.notify(Notification{Event: env.Event, From: inv.FromUser})

	case types.EventCallOffer:
		var sig types.Signal
		if err := env.Decode(&sig); err != nil {
			return err
		}
		in, err := s.Call.Ring(s.ctx, sig)
		if err != nil {
			s.notify(Notification{Event: env.Event, From: sig.From, Err: err})
			return err
		}
		// the device prompt can take seconds; keep reading meanwhile
		s.pickups.Add(1)
		go func() {
			defer s.pickups.Done()
			err := in.Pickup(s.ctx)
			switch {
			case err == nil:
			case errors.Is(err, signaling.ErrNoCall):
				s.log.Debug("call ended while opening media", zap.String("from", sig.From))
			default:
				s.notify(Notification{Event: types.EventCallOffer, From: sig.From, Err: err})
			}
		}()

	case types.EventCallAnswer:
		var sig types.Signal
		if err := env.Decode(&sig); err != nil {
			return err
		}
		return s.Call.HandleAnswer(sig)

	case types.EventCallCandidate:
		var sig types.Signal
		if err := env.Decode(&sig); err != nil {
			return err
		}
		return s.Call.HandleCandidate(sig)

	case types.EventCallClose:
		var sig types.Signal
		if err := env.Decode(&sig); err != nil {
			return err
		}
		if err := s.Call.HandleClose(sig); err != nil {
			return err
		}
		s.notify(Notification{Event: env.Event, From: sig.From})

	case types.EventCallFailed:
		var failed types.CallFailed
		if err := env.Decode(&failed); err != nil {
			return err
		}
		if s.Call.Peer() == failed.To {
			_ = s.Call.HandleClose(types.Signal{From: failed.To})
		}
		s.notify(Notification{Event: env.Event, From: failed.To, Message: failed.Reason})

	default:
		return fmt.Errorf("unknown event %q", env.Event)
	}
	return nil
}

// notify never blocks the reader; when the queue is full n is dropped.
func (s *Session) notify(n Notification) {
	select {
	case s.notes <- n:
	default:
		s.log.Warn("notification dropped", zap.String("event", n.Event))
	}
}

type noMedia struct{}

func (noMedia) Acquire(context.Context) (signaling.Stream, error) { return nil, ErrNoMedia }
