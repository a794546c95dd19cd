package lobby

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/listforge/gameplay-backend/pkg/gameplay"
)

func boolPtr(v bool) *bool { return &v }

func listFor(user string, unitIDs ...string) gameplay.UserList {
	units := make([]gameplay.GameplayUnit, len(unitIDs))
	for i, id := range unitIDs {
		units[i] = gameplay.GameplayUnit{SelectionID: id, Name: "Unit " + id, Quality: 4, Defense: 4}
	}
	return gameplay.UserList{User: user, Units: units, Points: 100 * len(unitIDs)}
}

// helper: receive one event with a timeout so tests never hang
func recvEvent(t *testing.T, ch <-chan Event, within time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("member outbox closed unexpectedly")
		}
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return Event{} // unreachable
	}
}

func recvNoEvent(t *testing.T, ch <-chan Event, within time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			return
		}
		t.Fatalf("expected no event within %v, but got: %+v", within, ev)
	case <-time.After(within):
	}
}

func recvJoin(t *testing.T, ch <-chan JoinReply, within time.Duration) JoinReply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(within):
		t.Fatalf("timed out waiting for join reply")
		return JoinReply{} // unreachable
	}
}

func recvErr(t *testing.T, ch <-chan error, within time.Duration) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(within):
		t.Fatalf("timed out waiting for record reply")
		return nil // unreachable
	}
}

func recvView(t *testing.T, l *Lobby) View {
	t.Helper()
	reply := make(chan View, 1)
	l.Inbox() <- GetState{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func join(t *testing.T, l *Lobby, list gameplay.UserList, buf int) (chan Event, JoinReply) {
	t.Helper()
	out := make(chan Event, buf)
	reply := make(chan JoinReply, 1)
	l.Inbox() <- Join{List: list, Outbox: out, Reply: reply}
	r := recvJoin(t, reply, time.Second)
	if r.Err != nil {
		t.Fatalf("join %s: %v", list.User, r.Err)
	}
	return out, r
}

func TestLobby_JoinSnapshotContainsAllUsers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aOut := make(chan Event, 4)
	l := NewLobby(ctx, "L1", listFor("A", "u1"), aOut, nil, zap.NewNop())

	_, r := join(t, l, listFor("B"), 4)

	if len(r.Users) != 2 || r.Users[0].User != "A" || r.Users[1].User != "B" {
		t.Fatalf("want snapshot users [A B], got %+v", r.Users)
	}
	if len(r.History) != 0 {
		t.Fatalf("want empty history, got %d", len(r.History))
	}

	// A is told about B; B gets nothing (the snapshot already has B's list).
	ev := recvEvent(t, aOut, time.Second)
	if ev.Type != EventUserJoined || ev.List == nil || ev.List.User != "B" {
		t.Fatalf("want user-joined B at A, got %+v", ev)
	}
}

func TestLobby_RecordBroadcastsToAllMembers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aOut := make(chan Event, 4)
	l := NewLobby(ctx, "L1", listFor("A", "u1"), aOut, nil, zap.NewNop())
	bOut, _ := join(t, l, listFor("B"), 4)
	_ = recvEvent(t, aOut, time.Second) // drain user-joined

	reply := make(chan error, 1)
	l.Inbox() <- Record{
		Action: gameplay.Action{Kind: gameplay.KindModifyUnit, User: "A", TargetID: "u1", Payload: gameplay.Mutation{Activated: boolPtr(true)}},
		Reply:  reply,
	}
	if err := recvErr(t, reply, time.Second); err != nil {
		t.Fatalf("record: %v", err)
	}

	for name, ch := range map[string]chan Event{"A": aOut, "B": bOut} {
		ev := recvEvent(t, ch, time.Second)
		if ev.Type != EventAction || ev.Action == nil {
			t.Fatalf("%s: want modify-unit event, got %+v", name, ev)
		}
		if ev.Action.Seq != 1 || !*ev.Action.Payload.Activated {
			t.Fatalf("%s: want seq=1 activated=true, got %+v", name, ev.Action)
		}
	}

	v := recvView(t, l)
	u, _ := gameplay.FindUnit(v.State, "A", "u1")
	if !u.Activated {
		t.Fatalf("authoritative state not updated: %+v", u)
	}
}

func TestLobby_DuplicateUserRejectedWithoutMutation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aOut := make(chan Event, 4)
	l := NewLobby(ctx, "L1", listFor("A", "u1"), aOut, nil, zap.NewNop())

	out := make(chan Event, 4)
	reply := make(chan JoinReply, 1)
	l.Inbox() <- Join{List: listFor("A"), Outbox: out, Reply: reply}
	r := recvJoin(t, reply, time.Second)
	if !errors.Is(r.Err, gameplay.ErrDuplicateUser) {
		t.Fatalf("want ErrDuplicateUser, got %v", r.Err)
	}

	v := recvView(t, l)
	if len(v.State.Lists) != 1 || v.Members != 1 {
		t.Fatalf("failed join must not mutate lobby: %+v", v)
	}
	recvNoEvent(t, aOut, 50*time.Millisecond)
}

func TestLobby_UnknownUnitRejectedWithoutMutation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aOut := make(chan Event, 4)
	l := NewLobby(ctx, "L1", listFor("A", "u1"), aOut, nil, zap.NewNop())

	reply := make(chan error, 1)
	l.Inbox() <- Record{
		Action: gameplay.Action{Kind: gameplay.KindModifyUnit, User: "A", TargetID: "nope", Payload: gameplay.Mutation{Dead: boolPtr(true)}},
		Reply:  reply,
	}
	if err := recvErr(t, reply, time.Second); !errors.Is(err, gameplay.ErrUnknownUnit) {
		t.Fatalf("want ErrUnknownUnit, got %v", err)
	}

	v := recvView(t, l)
	if v.HistoryLen != 0 {
		t.Fatalf("rejected action must not be appended, history=%d", v.HistoryLen)
	}
	recvNoEvent(t, aOut, 50*time.Millisecond)
}

func TestLobby_JoinCompleteness(t *testing.T) {
	// Snapshot history + live events must cover every recorded action
	// exactly once for a late joiner.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aOut := make(chan Event, 16)
	l := NewLobby(ctx, "L1", listFor("A", "u1", "u2"), aOut, nil, zap.NewNop())

	record := func(target string, m gameplay.Mutation) {
		reply := make(chan error, 1)
		l.Inbox() <- Record{Action: gameplay.Action{Kind: gameplay.KindModifyUnit, User: "A", TargetID: target, Payload: m}, Reply: reply}
		if err := recvErr(t, reply, time.Second); err != nil {
			t.Fatalf("record %s: %v", target, err)
		}
	}

	record("u1", gameplay.Mutation{Activated: boolPtr(true)})
	record("u2", gameplay.Mutation{Pinned: boolPtr(true)})

	cOut, r := join(t, l, listFor("C"), 16)
	if len(r.History) != 2 {
		t.Fatalf("want snapshot history len 2, got %d", len(r.History))
	}

	record("u1", gameplay.Mutation{Dead: boolPtr(true)})

	ev := recvEvent(t, cOut, time.Second)
	if ev.Type != EventAction || ev.Action.Seq != 3 {
		t.Fatalf("late joiner should see only seq=3 live, got %+v", ev)
	}

	seen := map[uint64]bool{}
	for _, a := range r.History {
		seen[a.Seq] = true
	}
	seen[ev.Action.Seq] = true
	for seq := uint64(1); seq <= 3; seq++ {
		if !seen[seq] {
			t.Fatalf("gap in C's stream at seq %d", seq)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("duplicate in C's stream: %v", seen)
	}
}

func TestLobby_ReplaySnapshotMatchesAuthoritativeState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aOut := make(chan Event, 16)
	l := NewLobby(ctx, "L1", listFor("A", "u1"), aOut, nil, zap.NewNop())

	reply := make(chan error, 1)
	l.Inbox() <- Record{
		Action: gameplay.Action{Kind: gameplay.KindModifyUnit, User: "A", TargetID: "u1", Payload: gameplay.Mutation{Activated: boolPtr(true)}},
		Reply:  reply,
	}
	if err := recvErr(t, reply, time.Second); err != nil {
		t.Fatalf("record: %v", err)
	}

	// A joiner folds the snapshot history over the snapshot's as-joined
	// lists; that must reproduce the relay's authoritative state.
	_, r := join(t, l, listFor("B"), 16)

	initial := gameplay.GameplayState{LobbyID: "L1"}
	for _, u := range r.Users {
		var err error
		initial, err = gameplay.AddList(initial, u)
		if err != nil {
			t.Fatalf("add list %s: %v", u.User, err)
		}
	}
	replayed, err := gameplay.Replay(initial, r.History)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	u, ok := gameplay.FindUnit(replayed, "A", "u1")
	if !ok || !u.Activated {
		t.Fatalf("replay should reproduce activated=true, got %+v", u)
	}
}

func TestLobby_LeaveKeepsUserList(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aOut := make(chan Event, 4)
	l := NewLobby(ctx, "L1", listFor("A", "u1"), aOut, nil, zap.NewNop())
	bOut, _ := join(t, l, listFor("B"), 4)
	_ = recvEvent(t, aOut, time.Second)

	l.Inbox() <- Leave{User: "B"}

	v := recvView(t, l)
	if v.Members != 1 {
		t.Fatalf("want 1 member after leave, got %d", v.Members)
	}
	if len(v.State.Lists) != 2 {
		t.Fatalf("leave must not remove the user's list, got %d lists", len(v.State.Lists))
	}

	// B's outbox is closed so its writer can drain and exit.
	if _, ok := <-bOut; ok {
		t.Fatalf("expected closed outbox after leave")
	}
}

func TestLobby_DropSlowMember(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Zero-capacity outbox with no reader: first broadcast drops A.
	aOut := make(chan Event)
	l := NewLobby(ctx, "L1", listFor("A", "u1"), aOut, nil, zap.NewNop())

	reply := make(chan error, 1)
	l.Inbox() <- Record{
		Action: gameplay.Action{Kind: gameplay.KindModifyUnit, User: "A", TargetID: "u1", Payload: gameplay.Mutation{Pinned: boolPtr(true)}},
		Reply:  reply,
	}
	if err := recvErr(t, reply, time.Second); err != nil {
		t.Fatalf("record: %v", err)
	}

	v := recvView(t, l)
	if v.Members != 0 {
		t.Fatalf("expected slow member to be dropped; members=%d", v.Members)
	}
}
