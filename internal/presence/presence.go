// Package presence routes everything that is addressed to an identity rather
// than a room: the online list, direct messages, invitations and call
// signaling.
package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/DoyleJ11/chess-duel-relay/internal/signaling"
	"github.com/DoyleJ11/chess-duel-relay/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Outbox interface {
	Send(env types.Envelope) bool
}

type Msg interface{ isPresenceMsg() }

// Connect registers a connection so it receives updateUsers even before it
// announces an identity.
type Connect struct {
	ConnID string
	Outbox Outbox
}

type Announce struct {
	ConnID   string
	Identity string
}

type Disconnect struct {
	ConnID string
}

type SendMessage struct {
	ConnID  string
	Message types.ChatMessage
}

type SendInvite struct {
	ConnID string
	To     string
}

type Forward struct {
	ConnID string
	Event  string
	Signal types.Signal
}

type ListUsers struct {
	Reply chan []string
}

func (Connect) isPresenceMsg()     {}
func (Announce) isPresenceMsg()    {}
func (Disconnect) isPresenceMsg()  {}
func (SendMessage) isPresenceMsg() {}
func (SendInvite) isPresenceMsg()  {}
func (Forward) isPresenceMsg()     {}
func (ListUsers) isPresenceMsg()   {}

type conn struct {
	identity string
	outbox   Outbox
}

type Options struct {
	// Bus links relay processes that share a Directory. Nil keeps routing
	// inside this process.
	Bus    Bus
	Logger *zap.Logger
	Now    func() time.Time
}

type Relay struct {
	inbox      chan Msg
	dir        Directory
	bus        Bus
	remote     <-chan Frame
	origin     string
	conns      map[string]*conn
	byIdentity map[string]map[string]struct{}
	calls      *signaling.Switchboard
	callConn   map[string]string              // identity -> connection carrying its call
	refused    map[string]map[string]struct{} // ringing identity -> connections that turned the call down
	log        *zap.Logger
	now        func() time.Time
	ctx        context.Context
	done       chan struct{}
}

func NewRelay(ctx context.Context, dir Directory, opts Options) *Relay {
	if dir == nil {
		dir = NewMemoryDirectory()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Relay{
		inbox:      make(chan Msg, 256),
		dir:        dir,
		origin:     uuid.NewString(),
		conns:      make(map[string]*conn),
		byIdentity: make(map[string]map[string]struct{}),
		calls:      signaling.NewSwitchboard(),
		callConn:   make(map[string]string),
		refused:    make(map[string]map[string]struct{}),
		log:        opts.Logger.Named("presence"),
		now:        opts.Now,
		ctx:        ctx,
		done:       make(chan struct{}),
	}
	if opts.Bus != nil {
		frames, err := opts.Bus.Subscribe(ctx)
		if err != nil {
			r.log.Error("bus subscribe failed, routing stays local", zap.Error(err))
		} else {
			r.bus, r.remote = opts.Bus, frames
		}
	}
	go r.loop()
	return r
}

func (r *Relay) Inbox() chan<- Msg { return r.inbox }

func (r *Relay) Done() <-chan struct{} { return r.done }

// Post delivers m unless the relay is shutting down.
func (r *Relay) Post(m Msg) {
	select {
	case r.inbox <- m:
	case <-r.ctx.Done():
	}
}

// Users is the current online list.
func (r *Relay) Users(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	select {
	case r.inbox <- ListUsers{Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, errStopped
	}
	select {
	case users := <-reply:
		return users, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var errStopped = errors.New("presence relay stopped")

func (r *Relay) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case f, ok := <-r.remote:
			if !ok {
				r.remote = nil
				continue
			}
			r.fromBus(f)

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Connect:
				r.conns[msg.ConnID] = &conn{outbox: msg.Outbox}
				msg.Outbox.Send(types.MustEnvelope(types.EventUpdateUsers, r.users()))

			case Announce:
				r.announce(msg)

			case Disconnect:
				r.disconnect(msg.ConnID)

			case SendMessage:
				r.sendMessage(msg)

			case SendInvite:
				r.sendInvite(msg)

			case Forward:
				r.forward(msg)

			case ListUsers:
				msg.Reply <- r.users()
			}
		}
	}
}

func (r *Relay) announce(msg Announce) {
	c, ok := r.conns[msg.ConnID]
	if !ok {
		r.log.Warn("announce from unknown connection", zap.String("conn", msg.ConnID))
		return
	}
	identity := strings.TrimSpace(msg.Identity)
	if identity == "" {
		r.reply(msg.ConnID, types.EventError, types.Rejection{Code: types.CodeBadRequest, Message: "empty identity"})
		return
	}
	if c.identity == identity {
		return
	}
	if c.identity != "" {
		r.detach(msg.ConnID, c)
	}

	c.identity = identity
	set := r.byIdentity[identity]
	if set == nil {
		set = make(map[string]struct{})
		r.byIdentity[identity] = set
	}
	set[msg.ConnID] = struct{}{}
	if err := r.dir.Add(r.ctx, identity); err != nil {
		r.log.Warn("directory add failed", zap.String("identity", identity), zap.Error(err))
	}
	r.log.Info("identity online", zap.String("identity", identity), zap.String("conn", msg.ConnID))
	r.rosterChanged()
}

func (r *Relay) disconnect(connID string) {
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	if c.identity != "" {
		r.detach(connID, c)
	}
	delete(r.conns, connID)
}

// detach unbinds a connection from its identity and cleans up after it.
func (r *Relay) detach(connID string, c *conn) {
	identity := c.identity
	c.identity = ""

	set := r.byIdentity[identity]
	delete(set, connID)
	last := len(set) == 0
	if last {
		delete(r.byIdentity, identity)
	}

	switch {
	case r.callConn[identity] == connID || last:
		r.hangup(identity)
	case r.refused[identity] != nil:
		// the tabs still ringing may all have said no already
		delete(r.refused[identity], connID)
		if r.refusedEverywhere(identity) {
			r.hangup(identity)
		}
	}

	if err := r.dir.Remove(r.ctx, identity); err != nil {
		r.log.Warn("directory remove failed", zap.String("identity", identity), zap.Error(err))
	}
	if last {
		r.log.Info("identity offline", zap.String("identity", identity))
		r.rosterChanged()
	}
}

func (r *Relay) sendMessage(msg SendMessage) {
	sender, ok := r.identityOf(msg.ConnID)
	if !ok {
		return
	}
	m := msg.Message
	m.Sender = sender
	m.Receiver = strings.TrimSpace(m.Receiver)
	if m.Receiver == "" || strings.TrimSpace(m.Text) == "" {
		r.reply(msg.ConnID, types.EventError, types.Rejection{Code: types.CodeBadRequest, Message: "message needs a receiver and text"})
		return
	}
	m.SentAt = r.now().UTC()

	env := types.MustEnvelope(types.EventReceiveMessage, m)
	r.route(m.Sender, env)
	if m.Receiver != m.Sender {
		r.route(m.Receiver, env)
	}
}

func (r *Relay) sendInvite(msg SendInvite) {
	from, ok := r.identityOf(msg.ConnID)
	if !ok {
		return
	}
	if !r.online(msg.To) {
		r.reply(msg.ConnID, types.EventError, types.Rejection{Code: types.CodeUserOffline, Message: msg.To + " is offline"})
		return
	}
	r.route(msg.To, types.MustEnvelope(types.EventInvitePlayer, types.Invite{FromUser: from, ToUser: msg.To}))
}

func (r *Relay) forward(msg Forward) {
	from, ok := r.identityOf(msg.ConnID)
	if !ok {
		return
	}
	to := msg.Signal.To
	sig := types.Signal{From: from, To: to, Payload: msg.Signal.Payload}

	var err error
	switch msg.Event {
	case types.EventCallOffer:
		if !r.online(to) {
			err = errUnavailable
			break
		}
		if err = r.calls.Offer(from, to); err == nil {
			r.callConn[from] = msg.ConnID
		}
	case types.EventCallAnswer:
		if err = r.calls.Answer(from, to); err == nil {
			r.callConn[from] = msg.ConnID
			delete(r.refused, from)
		}
	case types.EventCallCandidate:
		err = r.calls.Candidate(from, to)
	case types.EventCallClose:
		if owner, carried := r.callConn[from]; carried && owner != msg.ConnID {
			r.log.Debug("close from a tab not in the call", zap.String("identity", from), zap.String("conn", msg.ConnID))
			return
		}
		if !r.closeWins(from, msg.ConnID) {
			return
		}
		peer, ok := r.calls.Hangup(from)
		if !ok {
			return
		}
		r.forget(from)
		sig.To = peer
		r.sendToParty(peer, types.MustEnvelope(types.EventCallClose, sig))
		r.forget(peer)
		return
	default:
		r.reply(msg.ConnID, types.EventError, types.Rejection{Code: types.CodeUnknownEvent, Message: msg.Event})
		return
	}

	if err != nil {
		r.log.Debug("signal refused", zap.String("event", msg.Event), zap.String("from", from), zap.String("to", to), zap.Error(err))
		r.reply(msg.ConnID, types.EventCallFailed, types.CallFailed{To: to, Reason: err.Error()})
		return
	}
	r.sendToParty(to, types.MustEnvelope(msg.Event, sig))
}

// closeWins decides whether a close from connID ends identity's call. While
// the identity is still ringing on several tabs, one tab saying no is final
// only once every tab has.
func (r *Relay) closeWins(identity, connID string) bool {
	if _, carried := r.callConn[identity]; carried {
		return true
	}
	if r.calls.StateOf(identity) != signaling.StateNegotiating {
		return true
	}
	set := r.refused[identity]
	if set == nil {
		set = make(map[string]struct{})
		r.refused[identity] = set
	}
	set[connID] = struct{}{}
	return r.refusedEverywhere(identity)
}

// refusedEverywhere reports whether every local connection of identity has
// turned the ringing call down.
func (r *Relay) refusedEverywhere(identity string) bool {
	set := r.refused[identity]
	if len(set) == 0 {
		return false
	}
	for id := range r.byIdentity[identity] {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

var errUnavailable = errors.New("peer unavailable")

// hangup ends identity's call, if any, and tells the peer.
func (r *Relay) hangup(identity string) {
	peer, ok := r.calls.Hangup(identity)
	r.forget(identity)
	if !ok {
		return
	}
	r.log.Info("call dropped with connection",
		zap.String("identity", identity),
		zap.String("peer", peer),
		zap.Int("active_calls", r.calls.Active()))
	r.sendToParty(peer, types.MustEnvelope(types.EventCallClose, types.Signal{From: identity, To: peer}))
	r.forget(peer)
}

func (r *Relay) forget(identity string) {
	delete(r.callConn, identity)
	delete(r.refused, identity)
}

// fromBus handles a frame another relay process published. Call frames run
// through this process's switchboard too, so both sides agree on the call.
func (r *Relay) fromBus(f Frame) {
	if f.Origin == r.origin {
		return
	}
	if f.To == "" {
		r.broadcastUsers()
		return
	}
	if len(r.byIdentity[f.To]) == 0 {
		return
	}

	env := f.Envelope
	switch env.Event {
	case types.EventReceiveMessage, types.EventInvitePlayer:
		r.sendToIdentity(f.To, env)

	case types.EventCallOffer, types.EventCallAnswer, types.EventCallCandidate, types.EventCallClose:
		var sig types.Signal
		if err := env.Decode(&sig); err != nil {
			r.log.Warn("bad signal on bus", zap.String("event", env.Event), zap.Error(err))
			return
		}
		var err error
		switch env.Event {
		case types.EventCallOffer:
			if err = r.calls.Offer(sig.From, f.To); err != nil {
				r.publish(sig.From, types.MustEnvelope(types.EventCallFailed, types.CallFailed{To: f.To, Reason: err.Error()}))
				return
			}
		case types.EventCallAnswer:
			err = r.calls.Answer(sig.From, f.To)
		case types.EventCallCandidate:
			err = r.calls.Candidate(sig.From, f.To)
		case types.EventCallClose:
			if peer, ok := r.calls.Peer(sig.From); !ok || peer != f.To {
				err = signaling.ErrNoCall
				break
			}
			r.calls.Hangup(sig.From)
		}
		if err != nil {
			r.log.Debug("remote signal dropped", zap.String("event", env.Event), zap.String("from", sig.From), zap.Error(err))
			return
		}
		r.sendToParty(f.To, env)
		if env.Event == types.EventCallClose {
			r.forget(f.To)
		}

	case types.EventCallFailed:
		var failed types.CallFailed
		if err := env.Decode(&failed); err != nil {
			return
		}
		if peer, ok := r.calls.Peer(f.To); ok && peer == failed.To {
			r.calls.Hangup(f.To)
		}
		r.sendToParty(f.To, env)
		r.forget(f.To)
	}
}

func (r *Relay) identityOf(connID string) (string, bool) {
	c, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	if c.identity == "" {
		r.reply(connID, types.EventError, types.Rejection{Code: types.CodeNotAnnounced, Message: "joinChat first"})
		return "", false
	}
	return c.identity, true
}

// online checks this process first, then the shared directory.
func (r *Relay) online(identity string) bool {
	if len(r.byIdentity[identity]) > 0 {
		return true
	}
	ok, err := r.dir.Online(r.ctx, identity)
	if err != nil {
		r.log.Warn("directory lookup failed", zap.String("identity", identity), zap.Error(err))
		return false
	}
	return ok
}

func (r *Relay) users() []string {
	list, err := r.dir.List(r.ctx)
	if err != nil {
		r.log.Warn("directory list failed, using local view", zap.Error(err))
		list = make([]string, 0, len(r.byIdentity))
		for id := range r.byIdentity {
			list = append(list, id)
		}
		sort.Strings(list)
	}
	return list
}

func (r *Relay) rosterChanged() {
	r.broadcastUsers()
	r.publish("", types.Envelope{Event: types.EventUpdateUsers})
}

func (r *Relay) broadcastUsers() {
	env := types.MustEnvelope(types.EventUpdateUsers, r.users())
	for id, c := range r.conns {
		r.send(id, c, env)
	}
}

// route reaches every connection of identity, in this process and others.
func (r *Relay) route(identity string, env types.Envelope) {
	r.sendToIdentity(identity, env)
	r.publish(identity, env)
}

func (r *Relay) sendToIdentity(identity string, env types.Envelope) {
	for id := range r.byIdentity[identity] {
		r.send(id, r.conns[id], env)
	}
}

// sendToParty prefers the connection that carries identity's call, then any
// local connection, then the bus.
func (r *Relay) sendToParty(identity string, env types.Envelope) {
	if id, ok := r.callConn[identity]; ok {
		if c, ok := r.conns[id]; ok {
			r.send(id, c, env)
			return
		}
	}
	if len(r.byIdentity[identity]) > 0 {
		r.sendToIdentity(identity, env)
		return
	}
	r.publish(identity, env)
}

func (r *Relay) publish(to string, env types.Envelope) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(r.ctx, Frame{Origin: r.origin, To: to, Envelope: env}); err != nil {
		r.log.Warn("bus publish failed", zap.String("to", to), zap.String("event", env.Event), zap.Error(err))
	}
}

func (r *Relay) reply(connID, event string, payload any) {
	if c, ok := r.conns[connID]; ok {
		r.send(connID, c, types.MustEnvelope(event, payload))
	}
}

func (r *Relay) send(connID string, c *conn, env types.Envelope) {
	if c == nil {
		return
	}
	if !c.outbox.Send(env) {
		// The connection kicks itself; its Disconnect will follow.
		r.log.Warn("outbox full", zap.String("conn", connID))
	}
}

func (r *Relay) shutdown() {
	// r.ctx is gone; the shared directory still has to forget this process
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	left := false
	for _, c := range r.conns {
		if c.identity == "" {
			continue
		}
		left = true
		if err := r.dir.Remove(ctx, c.identity); err != nil {
			r.log.Warn("directory remove failed", zap.String("identity", c.identity), zap.Error(err))
		}
	}
	if left && r.bus != nil {
		_ = r.bus.Publish(ctx, Frame{Origin: r.origin, Envelope: types.Envelope{Event: types.EventUpdateUsers}})
	}
	clear(r.conns)
	clear(r.byIdentity)
	clear(r.callConn)
	clear(r.refused)
}
