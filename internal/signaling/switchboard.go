// Package signaling negotiates one-to-one calls. Media never passes through
// here, only offer/answer/candidate/close control messages.
package signaling

import "errors"

var (
	ErrBusy             = errors.New("peer busy")
	ErrSelfCall         = errors.New("cannot call yourself")
	ErrNoCall           = errors.New("no such call")
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrUnexpectedSignal = errors.New("unexpected signal")
)

type State string

const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
)

type call struct {
	caller string
	callee string
	state  State
}

func (c *call) peerOf(id string) string {
	if id == c.caller {
		return c.callee
	}
	return c.caller
}

// Switchboard is the relay's table of calls, keyed by both parties. It is not
// safe for concurrent use; the presence actor owns it.
type Switchboard struct {
	calls map[string]*call
}

func NewSwitchboard() *Switchboard {
	return &Switchboard{calls: make(map[string]*call)}
}

func (s *Switchboard) Offer(from, to string) error {
	if from == to {
		return ErrSelfCall
	}
	if _, busy := s.calls[from]; busy {
		return ErrBusy
	}
	if _, busy := s.calls[to]; busy {
		return ErrBusy
	}
	c := &call{caller: from, callee: to, state: StateNegotiating}
	s.calls[from] = c
	s.calls[to] = c
	return nil
}

// Answer accepts only the callee answering its pending caller.
func (s *Switchboard) Answer(from, to string) error {
	c, ok := s.calls[from]
	if !ok || c.callee != from || c.caller != to || c.state != StateNegotiating {
		return ErrNoCall
	}
	c.state = StateConnected
	return nil
}

func (s *Switchboard) Candidate(from, to string) error {
	c, ok := s.calls[from]
	if !ok || c.peerOf(from) != to {
		return ErrNoCall
	}
	return nil
}

// Hangup ends whatever call id is part of and names the peer to notify.
func (s *Switchboard) Hangup(id string) (string, bool) {
	c, ok := s.calls[id]
	if !ok {
		return "", false
	}
	delete(s.calls, c.caller)
	delete(s.calls, c.callee)
	return c.peerOf(id), true
}

// Peer names the other party of id's call.
func (s *Switchboard) Peer(id string) (string, bool) {
	c, ok := s.calls[id]
	if !ok {
		return "", false
	}
	return c.peerOf(id), true
}

func (s *Switchboard) StateOf(id string) State {
	if c, ok := s.calls[id]; ok {
		return c.state
	}
	return StateIdle
}

func (s *Switchboard) Active() int {
	return len(s.calls) / 2
}
