package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/DoyleJ11/chess-duel-relay/pkg/types"
	"go.uber.org/zap"
)

// Stream is a local capture or a remote media binding.
type Stream interface {
	Stop()
}

// Media opens the local camera and microphone.
type Media interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Transport delivers a signaling frame to the relay.
type Transport interface {
	Signal(ctx context.Context, event string, sig types.Signal) error
}

// Describer produces and consumes the opaque session descriptions. Nil means
// calls carry no description at all.
type Describer interface {
	Offer(local Stream) (json.RawMessage, error)
	Answer(local Stream, offer json.RawMessage) (json.RawMessage, error)
	Accept(answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
}

// Negotiator is one call endpoint: Idle -> Negotiating -> Connected -> Idle.
type Negotiator struct {
	media     Media
	transport Transport
	describer Describer
	log       *zap.Logger

	mu     sync.Mutex
	state  State
	peer   string
	caller bool
	gen    int
	local  Stream
	remote Stream
}

func NewNegotiator(media Media, transport Transport, describer Describer, log *zap.Logger) *Negotiator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Negotiator{
		media:     media,
		transport: transport,
		describer: describer,
		log:       log.Named("negotiator"),
		state:     StateIdle,
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) Peer() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peer
}

// HasMedia reports whether any capture or remote binding is still held.
func (n *Negotiator) HasMedia() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.local != nil || n.remote != nil
}

// PlaceCall acquires local media and offers a call to target.
func (n *Negotiator) PlaceCall(ctx context.Context, target string) error {
	n.mu.Lock()
	if n.state != StateIdle {
		n.mu.Unlock()
		return ErrBusy
	}
	n.state = StateNegotiating
	n.peer = target
	n.caller = true
	n.gen++
	gen := n.gen
	n.mu.Unlock()

	local, err := n.media.Acquire(ctx)
	if err != nil {
		n.reset(gen)
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	var offer json.RawMessage
	if n.describer != nil {
		if offer, err = n.describer.Offer(local); err != nil {
			local.Stop()
			n.reset(gen)
			return fmt.Errorf("describe offer: %w", err)
		}
	}

	if !n.keep(gen, local) {
		return ErrNoCall
	}
	if err := n.transport.Signal(ctx, types.EventCallOffer, types.Signal{To: target, Payload: offer}); err != nil {
		n.reset(gen)
		return fmt.Errorf("send offer: %w", err)
	}
	n.log.Info("call offered", zap.String("to", target))
	return nil
}

// HandleOffer answers an inbound call: Ring, then Pickup on the caller's
// goroutine.
func (n *Negotiator) HandleOffer(ctx context.Context, sig types.Signal) error {
	in, err := n.Ring(ctx, sig)
	if err != nil {
		return err
	}
	return in.Pickup(ctx)
}

// Incoming is a rung endpoint that has not opened its devices yet.
type Incoming struct {
	n     *Negotiator
	offer types.Signal
	gen   int
}

// Ring claims the endpoint for the caller without touching any device, so
// it is safe on a connection's reader. A busy endpoint closes the call
// straight away.
func (n *Negotiator) Ring(ctx context.Context, sig types.Signal) (*Incoming, error) {
	n.mu.Lock()
	if n.state != StateIdle {
		n.mu.Unlock()
		_ = n.transport.Signal(ctx, types.EventCallClose, types.Signal{To: sig.From})
		return nil, ErrBusy
	}
	n.state = StateNegotiating
	n.peer = sig.From
	n.caller = false
	n.gen++
	gen := n.gen
	n.mu.Unlock()
	return &Incoming{n: n, offer: sig, gen: gen}, nil
}

// Pickup opens the local media and answers. It blocks for as long as the
// device takes, permission prompt included. An endpoint that cannot open its
// media closes the call.
func (in *Incoming) Pickup(ctx context.Context) error {
	n, sig, gen := in.n, in.offer, in.gen

	local, err := n.media.Acquire(ctx)
	if err != nil {
		if !n.reset(gen) {
			return ErrNoCall
		}
		_ = n.transport.Signal(ctx, types.EventCallClose, types.Signal{To: sig.From})
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	var answer json.RawMessage
	if n.describer != nil {
		if answer, err = n.describer.Answer(local, sig.Payload); err != nil {
			local.Stop()
			if n.reset(gen) {
				_ = n.transport.Signal(ctx, types.EventCallClose, types.Signal{To: sig.From})
			}
			return fmt.Errorf("describe answer: %w", err)
		}
	}

	if !n.keep(gen, local) {
		return ErrNoCall
	}
	if err := n.transport.Signal(ctx, types.EventCallAnswer, types.Signal{To: sig.From, Payload: answer}); err != nil {
		n.reset(gen)
		return fmt.Errorf("send answer: %w", err)
	}

	n.mu.Lock()
	if n.gen == gen {
		n.state = StateConnected
	}
	n.mu.Unlock()
	n.log.Info("call answered", zap.String("from", sig.From))
	return nil
}

func (n *Negotiator) HandleAnswer(sig types.Signal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateNegotiating || !n.caller || n.peer != sig.From {
		return ErrUnexpectedSignal
	}
	if n.describer != nil {
		if err := n.describer.Accept(sig.Payload); err != nil {
			return fmt.Errorf("accept answer: %w", err)
		}
	}
	n.state = StateConnected
	n.log.Info("call connected", zap.String("peer", n.peer))
	return nil
}

// Candidate forwards a local connectivity candidate to the peer.
func (n *Negotiator) Candidate(ctx context.Context, payload json.RawMessage) error {
	peer := n.Peer()
	if peer == "" {
		return ErrNoCall
	}
	return n.transport.Signal(ctx, types.EventCallCandidate, types.Signal{To: peer, Payload: payload})
}

func (n *Negotiator) HandleCandidate(sig types.Signal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateIdle || n.peer != sig.From {
		return ErrUnexpectedSignal
	}
	if n.describer != nil {
		return n.describer.AddCandidate(sig.Payload)
	}
	return nil
}

// BindRemote records the peer's media. Outside a call it is stopped at once.
func (n *Negotiator) BindRemote(s Stream) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateIdle {
		s.Stop()
		return
	}
	if n.remote != nil {
		n.remote.Stop()
	}
	n.remote = s
}

// HangUp tells the peer and releases every media handle.
func (n *Negotiator) HangUp(ctx context.Context) error {
	n.mu.Lock()
	if n.state == StateIdle {
		n.mu.Unlock()
		return nil
	}
	peer := n.peer
	n.releaseLocked()
	n.mu.Unlock()

	n.log.Info("call closed locally", zap.String("peer", peer))
	return n.transport.Signal(ctx, types.EventCallClose, types.Signal{To: peer})
}

// HandleClose is the peer (or the relay on its behalf) ending the call.
func (n *Negotiator) HandleClose(sig types.Signal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateIdle || n.peer != sig.From {
		return ErrUnexpectedSignal
	}
	n.releaseLocked()
	n.log.Info("call closed by peer", zap.String("peer", sig.From))
	return nil
}

// Close is component disposal: hang up if needed, never leak a device.
func (n *Negotiator) Close() error {
	return n.HangUp(context.Background())
}

func (n *Negotiator) keep(gen int, local Stream) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gen != gen || n.state == StateIdle {
		// closed while we were opening the devices
		local.Stop()
		return false
	}
	n.local = local
	return true
}

// reset releases the call if gen is still current and reports whether it was.
func (n *Negotiator) reset(gen int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gen != gen {
		return false
	}
	n.releaseLocked()
	return true
}

func (n *Negotiator) releaseLocked() {
	if n.local != nil {
		n.local.Stop()
		n.local = nil
	}
	if n.remote != nil {
		n.remote.Stop()
		n.remote = nil
	}
	n.state = StateIdle
	n.peer = ""
	n.caller = false
	n.gen++
}
