package lobby

import (
	"context"

	"go.uber.org/zap"

	"github.com/listforge/gameplay-backend/pkg/gameplay"
)

type Msg interface{ isLobbyMsg() }

// Join registers a new member. Reply carries the snapshot the joiner folds
// into its local state; because the loop serializes Join against Record, the
// snapshot and the live events that follow it never overlap and never gap.
type Join struct {
	List   gameplay.UserList
	Outbox chan Event // where this member receives events
	Reply  chan JoinReply
}

func (Join) isLobbyMsg() {}

type JoinReply struct {
	Users   []gameplay.UserList
	History []gameplay.Action
	Err     error
}

// Record validates an action against the authoritative state, appends it to
// history and fans it out to every member, the originator included.
type Record struct {
	Action gameplay.Action
	Reply  chan error
}

func (Record) isLobbyMsg() {}

// Leave unregisters a member's outbox. The member's list stays in the lobby;
// a disconnect only stops delivery, it never shrinks the users set.
type Leave struct{ User string }

func (Leave) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type EventType string

const (
	EventUserJoined EventType = "user-joined"
	EventAction     EventType = "modify-unit"
)

// Event is what members receive on their outbox.
type Event struct {
	Type   EventType
	List   *gameplay.UserList
	Action *gameplay.Action
}

type View struct {
	LobbyID    string
	Members    int
	HistoryLen int
	State      gameplay.GameplayState
}

// Sink receives a copy of everything the lobby records, for archival.
// Implementations must not block for long; failures are logged, never
// surfaced to members.
type Sink interface {
	LobbyCreated(ctx context.Context, lobbyID string) error
	ActionRecorded(ctx context.Context, lobbyID string, action gameplay.Action) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) LobbyCreated(context.Context, string) error { return nil }

func (NopSink) ActionRecorded(context.Context, string, gameplay.Action) error { return nil }

type Lobby struct {
	id    string
	inbox chan Msg

	// state is the folded authoritative view used to validate actions;
	// rosters holds each list exactly as it joined. A join snapshot ships
	// rosters + history so the joiner reproduces state by replay.
	state   gameplay.GameplayState
	rosters []gameplay.UserList
	history []gameplay.Action

	members map[string]chan Event
	sink    Sink
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewLobby starts a lobby seeded with the creator's list and outbox. The
// lobby runs until Shutdown or until the parent context is cancelled.
func NewLobby(parent context.Context, id string, creator gameplay.UserList, creatorOutbox chan Event, sink Sink, log *zap.Logger) *Lobby {
	ctx, cancel := context.WithCancel(parent)
	if sink == nil {
		sink = NopSink{}
	}

	st := gameplay.GameplayState{LobbyID: id}
	st, _ = gameplay.AddList(st, creator)

	l := &Lobby{
		id:      id,
		inbox:   make(chan Msg, 64),
		state:   st,
		rosters: []gameplay.UserList{gameplay.CloneList(creator)},
		members: map[string]chan Event{creator.User: creatorOutbox},
		sink:    sink,
		log:     log.With(zap.String("lobby", id)),
		ctx:     ctx,
		cancel:  cancel,
	}

	go l.loop()
	return l
}

func (l *Lobby) ID() string { return l.id }

// Inbox exposes the actor mailbox to the ws layer and tests.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				l.handleJoin(msg)

			case Record:
				l.handleRecord(msg)

			case Leave:
				if ch, ok := l.members[msg.User]; ok {
					delete(l.members, msg.User)
					close(ch)
				}

			case GetState:
				msg.Reply <- View{
					LobbyID:    l.id,
					Members:    len(l.members),
					HistoryLen: len(l.history),
					State:      gameplay.CloneState(l.state),
				}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) handleJoin(msg Join) {
	next, err := gameplay.AddList(l.state, msg.List)
	if err != nil {
		// Duplicate user: reply to the joiner only, lobby state untouched.
		msg.Reply <- JoinReply{Err: err}
		return
	}
	l.state = next
	l.rosters = append(l.rosters, gameplay.CloneList(msg.List))

	// Snapshot after the join so the joiner sees its own list, then tell
	// everyone else. Copies throughout: the joiner replays while the lobby
	// keeps appending.
	users := make([]gameplay.UserList, len(l.rosters))
	for i, u := range l.rosters {
		users[i] = gameplay.CloneList(u)
	}
	history := make([]gameplay.Action, len(l.history))
	copy(history, l.history)

	list := gameplay.CloneList(msg.List)
	l.broadcastExcept(msg.List.User, Event{Type: EventUserJoined, List: &list})

	l.members[msg.List.User] = msg.Outbox
	msg.Reply <- JoinReply{Users: users, History: history}
	l.log.Info("user joined", zap.String("user", msg.List.User), zap.Int("members", len(l.members)))
}

func (l *Lobby) handleRecord(msg Record) {
	action := msg.Action
	action.Seq = uint64(len(l.history)) + 1

	next, err := gameplay.Apply(l.state, action)
	if err != nil {
		// Reject at the relay rather than fan out an action no one can
		// apply. Only the originator hears about it.
		l.log.Warn("rejected action",
			zap.String("user", msg.Action.User),
			zap.String("target", msg.Action.TargetID),
			zap.Error(err))
		if msg.Reply != nil {
			msg.Reply <- err
		}
		return
	}

	l.state = next
	l.history = append(l.history, action)
	if msg.Reply != nil {
		msg.Reply <- nil
	}

	a := action
	l.broadcastExcept("", Event{Type: EventAction, Action: &a})

	go func() {
		if err := l.sink.ActionRecorded(l.ctx, l.id, a); err != nil {
			l.log.Warn("archive append failed", zap.Error(err))
		}
	}()
}

// broadcastExcept sends to every member but skip. Members that can't keep
// up are dropped, same policy as any slow consumer.
func (l *Lobby) broadcastExcept(skip string, ev Event) {
	for user, ch := range l.members {
		if user == skip {
			continue
		}
		select {
		case ch <- ev:
		default:
			l.log.Warn("dropping slow member", zap.String("user", user))
			delete(l.members, user)
			close(ch)
		}
	}
}

func (l *Lobby) shutdown() {
	for user, ch := range l.members {
		close(ch)
		delete(l.members, user)
	}
	l.cancel()
}
