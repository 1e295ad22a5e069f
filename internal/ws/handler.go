package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/DoyleJ11/chess-duel-relay/internal/engine"
	"github.com/DoyleJ11/chess-duel-relay/internal/hub"
	"github.com/DoyleJ11/chess-duel-relay/internal/lobby"
	"github.com/DoyleJ11/chess-duel-relay/internal/presence"
	"github.com/DoyleJ11/chess-duel-relay/pkg/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

type Options struct {
	OriginPatterns []string
	OutboxSize     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	Logger         *zap.Logger
}

type Handler struct {
	hub      *hub.Hub
	presence *presence.Relay
	opts     Options
	log      *zap.Logger
}

func NewHandler(h *hub.Hub, p *presence.Relay, opts Options) *Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{hub: h, presence: p, opts: opts, log: opts.Logger.Named("ws")}
}

// session is the per-connection dispatch state. Only the reader goroutine
// touches it.
type session struct {
	h    *Handler
	conn *Conn
	room *lobby.Lobby
	code string
	log  *zap.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.log.Debug("accept failed", zap.Error(err))
		return
	}
	defer wsConn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := NewConn(h.opts.OutboxSize)
	s := &session{h: h, conn: c, log: h.log.With(zap.String("conn", c.ID()))}
	s.log.Info("connected", zap.String("remote", r.RemoteAddr))

	h.presence.Post(presence.Connect{ConnID: c.ID(), Outbox: c})
	defer func() {
		s.leaveRoom()
		h.presence.Post(presence.Disconnect{ConnID: c.ID()})
		s.log.Info("disconnected")
	}()

	// Writer goroutine
	go func() {
		defer cancel()
		ping := time.NewTicker(h.opts.PingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Kicked():
				s.log.Warn("outbox overflow, closing")
				_ = wsConn.Close(websocket.StatusPolicyViolation, "too slow")
				return
			case env := <-c.Outgoing():
				wctx, wcancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
				err := wsjson.Write(wctx, wsConn, env)
				wcancel()
				if err != nil {
					s.log.Debug("write failed", zap.Error(err))
					return
				}
			case <-ping.C:
				pctx, pcancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
				err := wsConn.Ping(pctx)
				pcancel()
				if err != nil {
					s.log.Debug("ping failed", zap.Error(err))
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, data, err := wsConn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if !errors.Is(err, context.Canceled) {
					s.log.Debug("read failed", zap.Error(err))
				}
			}
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			s.fail(types.CodeBadRequest, "bad json")
			continue
		}
		s.dispatch(ctx, env)
	}
}

func (s *session) dispatch(ctx context.Context, env types.Envelope) {
	switch env.Event {
	case types.EventJoinGame:
		var code string
		if err := env.Decode(&code); err != nil || strings.TrimSpace(code) == "" {
			s.fail(types.CodeBadRequest, "joinGame needs a room id")
			return
		}
		s.joinRoom(ctx, strings.TrimSpace(code))

	case types.EventLeaveGame:
		s.leaveRoom()

	case types.EventMakeMove:
		var mm types.MakeMove
		if err := env.Decode(&mm); err != nil {
			s.fail(types.CodeBadRequest, err.Error())
			return
		}
		s.command(mm.RoomID, engine.Command{
			Type: engine.CmdMakeMove,
			Move: engine.Move{From: mm.Move.From, To: mm.Move.To, Promotion: mm.Move.Promotion},
		})

	case types.EventResetGame:
		// room id is optional, but when present it must be a string
		var code string
		if len(env.Data) > 0 {
			if err := env.Decode(&code); err != nil {
				s.fail(types.CodeBadRequest, "resetGame takes a room id")
				return
			}
		}
		s.command(code, engine.Command{Type: engine.CmdReset})

	case types.EventJoinChat:
		var identity string
		if err := env.Decode(&identity); err != nil {
			s.fail(types.CodeBadRequest, err.Error())
			return
		}
		s.h.presence.Post(presence.Announce{ConnID: s.conn.ID(), Identity: identity})

	case types.EventSendMessage:
		var m types.ChatMessage
		if err := env.Decode(&m); err != nil {
			s.fail(types.CodeBadRequest, err.Error())
			return
		}
		s.h.presence.Post(presence.SendMessage{ConnID: s.conn.ID(), Message: m})

	case types.EventInvitePlayer:
		var inv types.Invite
		if err := env.Decode(&inv); err != nil {
			s.fail(types.CodeBadRequest, err.Error())
			return
		}
		s.h.presence.Post(presence.SendInvite{ConnID: s.conn.ID(), To: inv.ToUser})

	case types.EventCallOffer, types.EventCallAnswer, types.EventCallCandidate, types.EventCallClose:
		var sig types.Signal
		if err := env.Decode(&sig); err != nil {
			s.fail(types.CodeBadRequest, err.Error())
			return
		}
		s.h.presence.Post(presence.Forward{ConnID: s.conn.ID(), Event: env.Event, Signal: sig})

	default:
		s.fail(types.CodeUnknownEvent, env.Event)
	}
}

func (s *session) joinRoom(ctx context.Context, code string) {
	if s.room != nil && s.code != code {
		s.leaveRoom()
	}
	lb, rejoin := s.room, s.room != nil
	if !rejoin {
		var err error
		if lb, err = s.h.hub.Acquire(ctx, code); err != nil {
			return
		}
	}
	// a reference that never became membership goes back to the hub
	abandon := func() {
		s.room, s.code = nil, ""
		s.h.hub.Release(code)
	}

	reply := make(chan lobby.JoinResult, 1)
	if !post(ctx, lb, lobby.Join{ClientID: s.conn.ID(), Outbox: s.conn, Reply: reply}) {
		abandon()
		return
	}
	var res lobby.JoinResult
	select {
	case res = <-reply:
	case <-lb.Done():
		abandon()
		return
	case <-ctx.Done():
		// the join may still land; undo it
		go post(context.Background(), lb, lobby.Leave{ClientID: s.conn.ID()})
		abandon()
		return
	}

	if res.Full {
		s.log.Info("room full", zap.String("room", code))
		abandon()
		return
	}
	if !rejoin {
		s.log.Info("joined room", zap.String("room", code), zap.String("role", string(res.Role)))
	}
	s.room, s.code = lb, code
}

func (s *session) leaveRoom() {
	if s.room == nil {
		return
	}
	select {
	case s.room.Inbox() <- lobby.Leave{ClientID: s.conn.ID()}:
	case <-s.room.Done():
	}
	s.h.hub.Release(s.code)
	s.log.Info("left room", zap.String("room", s.code))
	s.room, s.code = nil, ""
}

func (s *session) command(code string, cmd engine.Command) {
	if s.room == nil || (code != "" && code != s.code) {
		s.conn.Send(types.MustEnvelope(types.EventMoveRejected, types.Rejection{
			Code:    types.CodeNotInRoom,
			Message: "join the room first",
		}))
		return
	}
	select {
	case s.room.Inbox() <- lobby.FromClient{ClientID: s.conn.ID(), Cmd: cmd}:
	case <-s.room.Done():
	}
}

func (s *session) fail(code, msg string) {
	s.conn.Send(types.MustEnvelope(types.EventError, types.Rejection{Code: code, Message: msg}))
}

func post(ctx context.Context, lb *lobby.Lobby, m lobby.Msg) bool {
	select {
	case lb.Inbox() <- m:
		return true
	case <-lb.Done():
		return false
	case <-ctx.Done():
		return false
	}
}
