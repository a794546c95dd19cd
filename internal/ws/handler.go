package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/listforge/gameplay-backend/internal/lobby"
	"github.com/listforge/gameplay-backend/internal/registry"
	"github.com/listforge/gameplay-backend/pkg/gameplay"
	"github.com/listforge/gameplay-backend/pkg/protocol"
)

const writeTimeout = 3 * time.Second

// Handler speaks the relay protocol over one websocket connection. A
// connection is unjoined until a create-lobby or join-lobby succeeds; after
// that only modify-unit is accepted.
func Handler(reg *registry.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		c := &session{
			conn: conn,
			reg:  reg,
			log:  log,
		}
		c.run(r.Context())
	}
}

type session struct {
	conn *websocket.Conn
	reg  *registry.Registry
	log  *zap.Logger

	lobby *lobby.Lobby
	user  string
}

func (s *session) run(ctx context.Context) {
	defer func() {
		if s.lobby != nil {
			s.lobby.Inbox() <- lobby.Leave{User: s.user}
		}
	}()

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			return
		}

		var cm protocol.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			s.sendError(ctx, protocol.CodeBadRequest, "bad json")
			continue
		}

		switch cm.Type {
		case protocol.MsgCreateLobby:
			s.handleCreate(ctx, cm)
		case protocol.MsgJoinLobby:
			s.handleJoin(ctx, cm)
		case protocol.MsgModifyUnit:
			s.handleModify(ctx, cm)
		default:
			s.sendError(ctx, protocol.CodeBadRequest, "unknown type: "+cm.Type)
		}
	}
}

func (s *session) handleCreate(ctx context.Context, cm protocol.ClientMessage) {
	if s.lobby != nil {
		s.sendError(ctx, protocol.CodeBadRequest, "already in a lobby")
		return
	}
	if cm.List == nil || cm.List.User == "" {
		s.sendError(ctx, protocol.CodeBadRequest, "missing list")
		return
	}

	out := make(chan lobby.Event, 16)
	reply := make(chan registry.CreateReply, 1)
	s.reg.Inbox() <- registry.CreateLobby{List: *cm.List, Outbox: out, Reply: reply}
	cr := <-reply
	if cr.Err != nil {
		s.sendError(ctx, protocol.CodeBadRequest, cr.Err.Error())
		return
	}

	s.lobby = cr.Lobby
	s.user = cm.List.User

	// Ack before draining the outbox so nothing outruns it on the wire.
	s.send(ctx, protocol.ServerMessage{Type: protocol.MsgLobbyCreated, LobbyID: cr.LobbyID})
	go s.writer(ctx, out)
}

func (s *session) handleJoin(ctx context.Context, cm protocol.ClientMessage) {
	if s.lobby != nil {
		s.sendError(ctx, protocol.CodeBadRequest, "already in a lobby")
		return
	}
	if cm.LobbyID == "" || cm.List == nil || cm.List.User == "" {
		s.sendError(ctx, protocol.CodeBadRequest, "missing lobbyId or list")
		return
	}

	get := make(chan *lobby.Lobby, 1)
	s.reg.Inbox() <- registry.GetLobby{LobbyID: cm.LobbyID, Reply: get}
	lb := <-get
	if lb == nil {
		s.sendError(ctx, protocol.CodeLobbyNotFound, "lobby not found: "+cm.LobbyID)
		return
	}

	out := make(chan lobby.Event, 16)
	reply := make(chan lobby.JoinReply, 1)
	lb.Inbox() <- lobby.Join{List: *cm.List, Outbox: out, Reply: reply}
	jr := <-reply
	if jr.Err != nil {
		s.sendError(ctx, protocol.ErrorCode(jr.Err), jr.Err.Error())
		return
	}

	s.lobby = lb
	s.user = cm.List.User

	// Ack before draining the outbox: a live action recorded right after
	// the join must reach the client after the snapshot it's missing from.
	s.send(ctx, protocol.ServerMessage{
		Type:    protocol.MsgLobbyJoined,
		LobbyID: cm.LobbyID,
		Users:   jr.Users,
		History: jr.History,
	})
	go s.writer(ctx, out)
}

func (s *session) handleModify(ctx context.Context, cm protocol.ClientMessage) {
	if s.lobby == nil {
		s.sendError(ctx, protocol.CodeBadRequest, "not in a lobby")
		return
	}
	if cm.Action == nil || cm.Action.Kind != gameplay.KindModifyUnit {
		s.sendError(ctx, protocol.CodeBadRequest, "missing or unsupported action")
		return
	}

	// The connection's identity wins: a client can only mutate its own
	// units, whatever it put in the action.
	action := *cm.Action
	action.User = s.user

	reply := make(chan error, 1)
	s.lobby.Inbox() <- lobby.Record{Action: action, Reply: reply}
	if err := <-reply; err != nil {
		s.sendError(ctx, protocol.ErrorCode(err), err.Error())
	}
	// Success is answered by the re-emit through the writer.
}

// writer drains the lobby outbox onto the socket. It exits when the lobby
// closes the outbox (leave, drop or shutdown).
func (s *session) writer(ctx context.Context, out <-chan lobby.Event) {
	for ev := range out {
		var msg protocol.ServerMessage
		switch ev.Type {
		case lobby.EventUserJoined:
			msg = protocol.ServerMessage{Type: protocol.MsgUserJoined, List: ev.List}
		case lobby.EventAction:
			msg = protocol.ServerMessage{Type: protocol.MsgModifyUnit, Action: ev.Action}
		default:
			continue
		}
		s.send(ctx, msg)
	}
}

func (s *session) send(ctx context.Context, msg protocol.ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode message", zap.Error(err))
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, websocket.MessageText, payload); err != nil {
		s.log.Debug("write failed", zap.Error(err))
	}
}

func (s *session) sendError(ctx context.Context, code, message string) {
	s.send(ctx, protocol.ServerMessage{Type: protocol.MsgError, Code: code, Error: message})
}
