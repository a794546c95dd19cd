package registry

import (
	"context"
	"crypto/rand"
	"math/big"

	"go.uber.org/zap"

	"github.com/listforge/gameplay-backend/internal/lobby"
	"github.com/listforge/gameplay-backend/pkg/gameplay"
)

type Msg interface{ isRegistryMsg() }

// CreateLobby allocates a fresh lobby id, spawns the lobby seeded with the
// creator's list and registers the creator's outbox.
type CreateLobby struct {
	List   gameplay.UserList
	Outbox chan lobby.Event
	Reply  chan CreateReply
}

type CreateReply struct {
	LobbyID string
	Lobby   *lobby.Lobby
	Err     error
}

type GetLobby struct {
	LobbyID string
	Reply   chan *lobby.Lobby
}

type RemoveLobby struct{ LobbyID string }

type Shutdown struct{}

func (CreateLobby) isRegistryMsg() {}
func (GetLobby) isRegistryMsg()    {}
func (RemoveLobby) isRegistryMsg() {}
func (Shutdown) isRegistryMsg()    {}

// Registry owns every active lobby. It is constructed at server start and
// injected into the connection layer; lobbies live until Shutdown or process
// exit, never persisted.
type Registry struct {
	inbox   chan Msg
	lobbies map[string]*lobby.Lobby
	sink    lobby.Sink
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(parent context.Context, sink lobby.Sink, log *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	if sink == nil {
		sink = lobby.NopSink{}
	}
	r := &Registry{
		inbox:   make(chan Msg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		sink:    sink,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- Msg { return r.inbox }

func (r *Registry) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case CreateLobby:
				r.handleCreate(msg)

			case GetLobby:
				msg.Reply <- r.lobbies[msg.LobbyID] // may be nil

			case RemoveLobby:
				if lb := r.lobbies[msg.LobbyID]; lb != nil {
					lb.Inbox() <- lobby.Shutdown{}
					delete(r.lobbies, msg.LobbyID)
				}

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Registry) handleCreate(msg CreateLobby) {
	var id string
	for {
		c, err := generateCode()
		if err != nil {
			msg.Reply <- CreateReply{Err: err}
			return
		}
		if _, taken := r.lobbies[c]; !taken {
			id = c
			break
		}
		r.log.Info("lobby code collision, regenerating")
	}

	lb := lobby.NewLobby(r.ctx, id, msg.List, msg.Outbox, r.sink, r.log)
	r.lobbies[id] = lb
	r.log.Info("lobby created", zap.String("lobby", id), zap.String("user", msg.List.User))

	go func() {
		if err := r.sink.LobbyCreated(r.ctx, id); err != nil {
			r.log.Warn("archive lobby failed", zap.String("lobby", id), zap.Error(err))
		}
	}()

	msg.Reply <- CreateReply{LobbyID: id, Lobby: lb}
}

func (r *Registry) shutdown() {
	for id, lb := range r.lobbies {
		lb.Inbox() <- lobby.Shutdown{}
		delete(r.lobbies, id)
	}
	r.cancel()
}

func generateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}
