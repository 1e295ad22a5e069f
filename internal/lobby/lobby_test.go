package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/DoyleJ11/chess-duel-relay/internal/engine"
	"github.com/DoyleJ11/chess-duel-relay/internal/rules"
	"github.com/DoyleJ11/chess-duel-relay/pkg/types"
)

type chanOutbox chan types.Envelope

func (c chanOutbox) Send(env types.Envelope) bool {
	select {
	case c <- env:
		return true
	default:
		return false
	}
}

// helper: receive one frame with a timeout so tests never hang
func recvFrame(t *testing.T, ch <-chan types.Envelope, within time.Duration) types.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(within):
		t.Fatalf("timed out waiting for frame")
		return types.Envelope{} // unreachable
	}
}

func recvEvent(t *testing.T, ch <-chan types.Envelope, event string, v any) {
	t.Helper()
	env := recvFrame(t, ch, 200*time.Millisecond)
	if env.Event != event {
		t.Fatalf("want event %q, got %q (%s)", event, env.Event, env.Data)
	}
	if v != nil {
		if err := env.Decode(v); err != nil {
			t.Fatalf("decode %s: %v", event, err)
		}
	}
}

func recvNoFrame(t *testing.T, ch <-chan types.Envelope, within time.Duration) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("expected no frame within %v, but got: %s %s", within, env.Event, env.Data)
	case <-time.After(within):
		// good: nothing
	}
}

func recvView(t *testing.T, l *Lobby) View {
	t.Helper()
	reply := make(chan View, 1)
	l.Inbox() <- GetState{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func join(t *testing.T, l *Lobby, id string, out chanOutbox) JoinResult {
	t.Helper()
	reply := make(chan JoinResult, 1)
	l.Inbox() <- Join{ClientID: id, Outbox: out, Reply: reply}
	select {
	case res := <-reply:
		return res
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timed out joining %s", id)
		return JoinResult{}
	}
}

// joinSeated joins and drains the assignColor + gameState pair.
func joinSeated(t *testing.T, l *Lobby, id string, out chanOutbox, want engine.Role) {
	t.Helper()
	res := join(t, l, id, out)
	if res.Role != want {
		t.Fatalf("%s: want role %q, got %+v", id, want, res)
	}
	var role string
	recvEvent(t, out, types.EventAssignColor, &role)
	if role != string(want) {
		t.Fatalf("%s: assignColor %q, want %q", id, role, want)
	}
	recvEvent(t, out, types.EventGameState, nil)
}

func move(l *Lobby, id, uci string) {
	l.Inbox() <- FromClient{ClientID: id, Cmd: engine.Command{
		Type: engine.CmdMakeMove,
		Move: engine.Move{From: uci[:2], To: uci[2:4], Promotion: uci[4:]},
	}}
}

func newTestLobby(t *testing.T, opts Options) *Lobby {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewLobby(ctx, "abc123", rules.New(), opts)
}

func TestLobby_Scenario_TwoPlayersAlternate(t *testing.T) {
	l := newTestLobby(t, Options{})

	c1 := make(chanOutbox, 8)
	c2 := make(chanOutbox, 8)
	joinSeated(t, l, "c1", c1, engine.RoleWhite)
	joinSeated(t, l, "c2", c2, engine.RoleBlack)

	move(l, "c1", "e2e4")
	var s1, s2 types.GameState
	recvEvent(t, c1, types.EventGameState, &s1)
	recvEvent(t, c2, types.EventGameState, &s2)
	if s1 != s2 {
		t.Fatalf("members diverged: %+v vs %+v", s1, s2)
	}
	if s1.Turn != types.RoleBlack {
		t.Fatalf("after e2e4: want turn b, got %q", s1.Turn)
	}

	move(l, "c2", "e7e5")
	recvEvent(t, c1, types.EventGameState, &s1)
	recvEvent(t, c2, types.EventGameState, &s2)
	if s1.Turn != types.RoleWhite || s1 != s2 {
		t.Fatalf("after e7e5: got %+v / %+v", s1, s2)
	}

	move(l, "c1", "e7e5")
	var rej types.Rejection
	recvEvent(t, c1, types.EventMoveRejected, &rej)
	if rej.Code != types.CodeIllegalMove {
		t.Fatalf("want illegalMove, got %+v", rej)
	}
	recvNoFrame(t, c2, 50*time.Millisecond)

	if v := recvView(t, l); v.Version != 2 || v.State.Position != s1.Position {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestLobby_NonTurnProposalsAllRejected(t *testing.T) {
	l := newTestLobby(t, Options{})

	c1 := make(chanOutbox, 8)
	c2 := make(chanOutbox, 8)
	joinSeated(t, l, "c1", c1, engine.RoleWhite)
	joinSeated(t, l, "c2", c2, engine.RoleBlack)
	before := recvView(t, l)

	for _, uci := range []string{"e7e5", "d7d5", "g8f6"} {
		move(l, "c2", uci)
	}
	for range 3 {
		var rej types.Rejection
		recvEvent(t, c2, types.EventMoveRejected, &rej)
		if rej.Code != types.CodeWrongTurn {
			t.Fatalf("want wrongTurn, got %+v", rej)
		}
	}
	recvNoFrame(t, c1, 50*time.Millisecond)

	after := recvView(t, l)
	if after.Version != before.Version || after.State != before.State {
		t.Fatalf("state changed: %+v -> %+v", before.State, after.State)
	}
}

func TestLobby_ThirdJoiner(t *testing.T) {
	t.Run("rejected by default", func(t *testing.T) {
		l := newTestLobby(t, Options{})
		joinSeated(t, l, "c1", make(chanOutbox, 8), engine.RoleWhite)
		joinSeated(t, l, "c2", make(chanOutbox, 8), engine.RoleBlack)

		c3 := make(chanOutbox, 8)
		res := join(t, l, "c3", c3)
		if !res.Full {
			t.Fatalf("expected room full, got %+v", res)
		}
		var room string
		recvEvent(t, c3, types.EventRoomFull, &room)
		if room != "abc123" {
			t.Fatalf("roomFull payload %q", room)
		}
		if v := recvView(t, l); v.NumClients != 2 {
			t.Fatalf("want 2 clients, got %d", v.NumClients)
		}
	})

	t.Run("observer when allowed", func(t *testing.T) {
		l := newTestLobby(t, Options{AllowObservers: true})
		c1 := make(chanOutbox, 8)
		joinSeated(t, l, "c1", c1, engine.RoleWhite)
		joinSeated(t, l, "c2", make(chanOutbox, 8), engine.RoleBlack)

		c3 := make(chanOutbox, 8)
		joinSeated(t, l, "c3", c3, engine.RoleObserver)

		move(l, "c3", "e2e4")
		var rej types.Rejection
		recvEvent(t, c3, types.EventMoveRejected, &rej)
		if rej.Code != types.CodeWrongTurn {
			t.Fatalf("observer move: want wrongTurn, got %+v", rej)
		}

		move(l, "c1", "e2e4")
		recvEvent(t, c3, types.EventGameState, nil)
	})
}

func TestLobby_LeaveReleasesSeat(t *testing.T) {
	l := newTestLobby(t, Options{})
	joinSeated(t, l, "c1", make(chanOutbox, 8), engine.RoleWhite)
	joinSeated(t, l, "c2", make(chanOutbox, 8), engine.RoleBlack)

	l.Inbox() <- Leave{ClientID: "c1"}
	joinSeated(t, l, "c3", make(chanOutbox, 8), engine.RoleWhite)

	v := recvView(t, l)
	if v.Seats[engine.RoleWhite] != "c3" || v.Seats[engine.RoleBlack] != "c2" {
		t.Fatalf("unexpected seats %+v", v.Seats)
	}
}

func TestLobby_DropSlowClient(t *testing.T) {
	l := newTestLobby(t, Options{})

	slow := make(chanOutbox, 2) // filled by the join frames, never drained
	join(t, l, "slow", slow)
	joinSeated(t, l, "c2", make(chanOutbox, 8), engine.RoleBlack)

	move(l, "slow", "e2e4")

	v := recvView(t, l)
	if v.NumClients != 1 {
		t.Fatalf("expected slow client to be dropped; NumClients=%d", v.NumClients)
	}
	if _, held := v.Seats[engine.RoleWhite]; held {
		t.Fatalf("slow client's seat still held: %+v", v.Seats)
	}
}

func TestLobby_CheckAndGameOver(t *testing.T) {
	l := newTestLobby(t, Options{})
	c1 := make(chanOutbox, 16)
	c2 := make(chanOutbox, 16)
	joinSeated(t, l, "c1", c1, engine.RoleWhite)
	joinSeated(t, l, "c2", c2, engine.RoleBlack)

	// fool's mate
	for i, uci := range []string{"f2f3", "e7e5", "g2g4", "d8h4"} {
		id := "c1"
		if i%2 == 1 {
			id = "c2"
		}
		move(l, id, uci)
		recvEvent(t, c1, types.EventGameState, nil)
		recvEvent(t, c2, types.EventGameState, nil)
	}

	var over types.GameOver
	recvEvent(t, c1, types.EventGameOver, &over)
	if over.Winner != types.RoleBlack || over.Message != "Checkmate! Black wins." {
		t.Fatalf("unexpected gameOver %+v", over)
	}
	recvEvent(t, c2, types.EventGameOver, nil)

	move(l, "c1", "a2a3")
	var rej types.Rejection
	recvEvent(t, c1, types.EventMoveRejected, &rej)
	if rej.Code != types.CodeGameOver {
		t.Fatalf("want gameOver rejection, got %+v", rej)
	}

	l.Inbox() <- FromClient{ClientID: "c2", Cmd: engine.Command{Type: engine.CmdReset}}
	var s types.GameState
	recvEvent(t, c1, types.EventGameState, &s)
	if s.Turn != types.RoleWhite || s.Position != rules.New().StartPosition() || s.Outcome != "" {
		t.Fatalf("reset state %+v", s)
	}
}

func TestLobby_CheckAlert(t *testing.T) {
	l := newTestLobby(t, Options{})
	c1 := make(chanOutbox, 16)
	c2 := make(chanOutbox, 16)
	joinSeated(t, l, "c1", c1, engine.RoleWhite)
	joinSeated(t, l, "c2", c2, engine.RoleBlack)

	for i, uci := range []string{"e2e4", "f7f6", "d1h5"} {
		id := "c1"
		if i%2 == 1 {
			id = "c2"
		}
		move(l, id, uci)
		recvEvent(t, c2, types.EventGameState, nil)
	}

	var alert string
	recvEvent(t, c2, types.EventCheckAlert, &alert)
	if alert == "" {
		t.Fatalf("empty check alert")
	}
}

func TestLobby_Shutdown_StopsLoop(t *testing.T) {
	l := newTestLobby(t, Options{})
	l.Inbox() <- Shutdown{}

	select {
	case <-l.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("lobby loop did not exit")
	}
}
