package hub

import (
	"context"
	"time"

	"github.com/DoyleJ11/chess-duel-relay/internal/engine"
	"github.com/DoyleJ11/chess-duel-relay/internal/lobby"
	"go.uber.org/zap"
)

type HubMsg interface{ isHubMsg() }

// EnsureRoom returns the room, creating it on an unseen code, and counts one
// more connection against it.
type EnsureRoom struct {
	Code  string
	Reply chan *lobby.Lobby
}

type GetRoom struct {
	Code  string
	Reply chan *lobby.Lobby
}

// ReleaseRoom undoes one EnsureRoom.
type ReleaseRoom struct {
	Code string
}

type CountRooms struct {
	Reply chan int
}

type ShutdownHub struct{}

type evictRoom struct {
	Code string
	Gen  int
}

func (EnsureRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (ReleaseRoom) isHubMsg() {}
func (CountRooms) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}
func (evictRoom) isHubMsg()   {}

type Options struct {
	// GracePeriod is how long an empty room survives before eviction.
	GracePeriod    time.Duration
	AllowObservers bool
	Logger         *zap.Logger
}

type entry struct {
	lb    *lobby.Lobby
	refs  int
	gen   int
	timer *time.Timer
}

type Hub struct {
	inbox  chan HubMsg
	rooms  map[string]*entry
	oracle engine.Oracle
	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(parent context.Context, oracle engine.Oracle, opts Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		rooms:  make(map[string]*entry),
		oracle: oracle,
		opts:   opts,
		log:    opts.Logger.Named("hub"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done is closed once the hub loop has exited.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureRoom:
				e := h.rooms[msg.Code]
				if e == nil {
					lb := lobby.NewLobby(h.ctx, msg.Code, h.oracle, lobby.Options{
						AllowObservers: h.opts.AllowObservers,
						Logger:         h.opts.Logger,
					})
					e = &entry{lb: lb}
					h.rooms[msg.Code] = e
					h.log.Info("room created", zap.String("room", msg.Code))
				}
				e.refs++
				if e.timer != nil {
					e.timer.Stop()
					e.timer = nil
				}
				e.gen++
				msg.Reply <- e.lb

			case GetRoom:
				var lb *lobby.Lobby // May be nil
				if e := h.rooms[msg.Code]; e != nil {
					lb = e.lb
				}
				msg.Reply <- lb

			case ReleaseRoom:
				e := h.rooms[msg.Code]
				if e == nil || e.refs == 0 {
					h.log.Warn("release of unheld room", zap.String("room", msg.Code))
					break
				}
				e.refs--
				if e.refs == 0 {
					h.scheduleEviction(msg.Code, e)
				}

			case evictRoom:
				e := h.rooms[msg.Code]
				// A re-acquire during the grace period bumps gen.
				if e == nil || e.refs > 0 || e.gen != msg.Gen {
					break
				}
				stopRoom(e.lb)
				delete(h.rooms, msg.Code)
				h.log.Info("room evicted", zap.String("room", msg.Code))

			case CountRooms:
				msg.Reply <- len(h.rooms)

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) scheduleEviction(code string, e *entry) {
	gen := e.gen
	e.timer = time.AfterFunc(h.opts.GracePeriod, func() {
		select {
		case h.inbox <- evictRoom{Code: code, Gen: gen}:
		case <-h.ctx.Done():
		}
	})
}

func (h *Hub) shutdown() {
	for _, e := range h.rooms {
		if e.timer != nil {
			e.timer.Stop()
		}
		stopRoom(e.lb)
	}
	clear(h.rooms)
	h.cancel()
}

func stopRoom(lb *lobby.Lobby) {
	select {
	case lb.Inbox() <- lobby.Shutdown{}:
	case <-lb.Done():
	}
}

// Acquire is EnsureRoom for callers that would rather not build the message.
func (h *Hub) Acquire(ctx context.Context, code string) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	select {
	case h.inbox <- EnsureRoom{Code: code, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case lb := <-reply:
		return lb, nil
	case <-ctx.Done():
		// The hub counted us anyway; give the reference back.
		go h.Release(code)
		return nil, ctx.Err()
	}
}

func (h *Hub) Release(code string) {
	select {
	case h.inbox <- ReleaseRoom{Code: code}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) Get(ctx context.Context, code string) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	select {
	case h.inbox <- GetRoom{Code: code, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case lb := <-reply:
		return lb, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Count is the number of live rooms, including ones waiting out their grace
// period.
func (h *Hub) Count(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case h.inbox <- CountRooms{Reply: reply}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
