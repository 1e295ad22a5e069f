package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/DoyleJ11/chess-duel-relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu      sync.Mutex
	stopped bool
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeMedia struct {
	err     error
	streams []*fakeStream
}

func (m *fakeMedia) Acquire(context.Context) (Stream, error) {
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{}
	m.streams = append(m.streams, s)
	return s, nil
}

type sent struct {
	event string
	sig   types.Signal
}

type fakeTransport struct {
	frames []sent
}

func (f *fakeTransport) Signal(_ context.Context, event string, sig types.Signal) error {
	f.frames = append(f.frames, sent{event: event, sig: sig})
	return nil
}

func (f *fakeTransport) last() sent {
	return f.frames[len(f.frames)-1]
}

type echoDescriber struct{}

func (echoDescriber) Offer(Stream) (json.RawMessage, error) { return json.RawMessage(`{"sdp":"offer"}`), nil }
func (echoDescriber) Answer(Stream, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"sdp":"answer"}`), nil
}
func (echoDescriber) Accept(json.RawMessage) error       { return nil }
func (echoDescriber) AddCandidate(json.RawMessage) error { return nil }

func TestNegotiator_CallLifecycle(t *testing.T) {
	ctx := context.Background()
	callerMedia, calleeMedia := &fakeMedia{}, &fakeMedia{}
	callerWire, calleeWire := &fakeTransport{}, &fakeTransport{}
	caller := NewNegotiator(callerMedia, callerWire, echoDescriber{}, nil)
	callee := NewNegotiator(calleeMedia, calleeWire, echoDescriber{}, nil)

	require.NoError(t, caller.PlaceCall(ctx, "bob"))
	assert.Equal(t, StateNegotiating, caller.State())
	offer := callerWire.last()
	assert.Equal(t, types.EventCallOffer, offer.event)
	assert.Equal(t, "bob", offer.sig.To)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(offer.sig.Payload))

	// relay stamps From
	require.NoError(t, callee.HandleOffer(ctx, types.Signal{From: "alice", To: "bob", Payload: offer.sig.Payload}))
	assert.Equal(t, StateConnected, callee.State())
	answer := calleeWire.last()
	assert.Equal(t, types.EventCallAnswer, answer.event)
	assert.Equal(t, "alice", answer.sig.To)

	require.NoError(t, caller.HandleAnswer(types.Signal{From: "bob", Payload: answer.sig.Payload}))
	assert.Equal(t, StateConnected, caller.State())

	remote := &fakeStream{}
	callee.BindRemote(remote)

	require.NoError(t, caller.HangUp(ctx))
	assert.Equal(t, StateIdle, caller.State())
	assert.Equal(t, types.EventCallClose, callerWire.last().event)
	assert.True(t, callerMedia.streams[0].Stopped())

	require.NoError(t, callee.HandleClose(types.Signal{From: "alice"}))
	assert.Equal(t, StateIdle, callee.State())
	assert.False(t, callee.HasMedia())
	assert.True(t, calleeMedia.streams[0].Stopped())
	assert.True(t, remote.Stopped())
}

func TestNegotiator_MediaFailure(t *testing.T) {
	ctx := context.Background()
	denied := &fakeMedia{err: errors.New("permission denied")}

	t.Run("caller stays idle", func(t *testing.T) {
		wire := &fakeTransport{}
		n := NewNegotiator(denied, wire, nil, nil)
		err := n.PlaceCall(ctx, "bob")
		assert.ErrorIs(t, err, ErrMediaUnavailable)
		assert.Equal(t, StateIdle, n.State())
		assert.Empty(t, wire.frames)
	})

	t.Run("callee closes the call", func(t *testing.T) {
		wire := &fakeTransport{}
		n := NewNegotiator(denied, wire, nil, nil)
		err := n.HandleOffer(ctx, types.Signal{From: "alice"})
		assert.ErrorIs(t, err, ErrMediaUnavailable)
		assert.Equal(t, StateIdle, n.State())
		require.Len(t, wire.frames, 1)
		assert.Equal(t, types.EventCallClose, wire.frames[0].event)
		assert.Equal(t, "alice", wire.frames[0].sig.To)
	})
}

func TestNegotiator_RingThenPickup(t *testing.T) {
	ctx := context.Background()

	t.Run("ring claims the endpoint before any device opens", func(t *testing.T) {
		wire := &fakeTransport{}
		media := &fakeMedia{}
		n := NewNegotiator(media, wire, nil, nil)

		in, err := n.Ring(ctx, types.Signal{From: "alice"})
		require.NoError(t, err)
		assert.Equal(t, StateNegotiating, n.State())
		assert.Equal(t, "alice", n.Peer())
		assert.Empty(t, media.streams)
		assert.Empty(t, wire.frames)

		// a candidate that overtakes the answer is still accepted
		require.NoError(t, n.HandleCandidate(types.Signal{From: "alice"}))

		require.NoError(t, in.Pickup(ctx))
		assert.Equal(t, StateConnected, n.State())
		assert.Equal(t, types.EventCallAnswer, wire.last().event)
	})

	t.Run("closed while the prompt is up", func(t *testing.T) {
		wire := &fakeTransport{}
		media := &fakeMedia{}
		n := NewNegotiator(media, wire, nil, nil)

		in, err := n.Ring(ctx, types.Signal{From: "alice"})
		require.NoError(t, err)
		require.NoError(t, n.HandleClose(types.Signal{From: "alice"}))

		assert.ErrorIs(t, in.Pickup(ctx), ErrNoCall)
		assert.Equal(t, StateIdle, n.State())
		require.Len(t, media.streams, 1)
		assert.True(t, media.streams[0].Stopped())
		assert.Empty(t, wire.frames)
	})
}

func TestNegotiator_BusyAndUnexpected(t *testing.T) {
	ctx := context.Background()
	wire := &fakeTransport{}
	n := NewNegotiator(&fakeMedia{}, wire, nil, nil)

	require.NoError(t, n.PlaceCall(ctx, "bob"))
	assert.ErrorIs(t, n.PlaceCall(ctx, "carol"), ErrBusy)

	assert.ErrorIs(t, n.HandleOffer(ctx, types.Signal{From: "carol"}), ErrBusy)
	assert.Equal(t, types.EventCallClose, wire.last().event)
	assert.Equal(t, "carol", wire.last().sig.To)

	assert.ErrorIs(t, n.HandleAnswer(types.Signal{From: "carol"}), ErrUnexpectedSignal)
	assert.ErrorIs(t, n.HandleClose(types.Signal{From: "carol"}), ErrUnexpectedSignal)
	assert.Equal(t, StateNegotiating, n.State())

	require.NoError(t, n.Close())
	assert.Equal(t, StateIdle, n.State())
	assert.False(t, n.HasMedia())

	// a remote stream arriving after teardown is not kept
	late := &fakeStream{}
	n.BindRemote(late)
	assert.True(t, late.Stopped())
}

func TestSwitchboard(t *testing.T) {
	s := NewSwitchboard()

	assert.ErrorIs(t, s.Offer("alice", "alice"), ErrSelfCall)
	require.NoError(t, s.Offer("alice", "bob"))
	assert.Equal(t, StateNegotiating, s.StateOf("bob"))

	assert.ErrorIs(t, s.Offer("carol", "bob"), ErrBusy)
	assert.ErrorIs(t, s.Offer("alice", "carol"), ErrBusy)

	// only the callee may answer
	assert.ErrorIs(t, s.Answer("alice", "bob"), ErrNoCall)
	require.NoError(t, s.Answer("bob", "alice"))
	assert.Equal(t, StateConnected, s.StateOf("alice"))
	peer, ok := s.Peer("bob")
	assert.True(t, ok)
	assert.Equal(t, "alice", peer)
	assert.Equal(t, 1, s.Active())

	require.NoError(t, s.Candidate("alice", "bob"))
	assert.ErrorIs(t, s.Candidate("alice", "carol"), ErrNoCall)

	peer, ok = s.Hangup("bob")
	assert.True(t, ok)
	assert.Equal(t, "alice", peer)
	assert.Equal(t, StateIdle, s.StateOf("alice"))
	assert.Equal(t, 0, s.Active())

	_, ok = s.Hangup("bob")
	assert.False(t, ok)
}
