// Package client is the sync adapter used by gameplay frontends: it bridges
// local mutation intents to outbound relay messages, and inbound relayed
// messages to the local session state. A client's own mutations are applied
// only once the relay echoes them back, so every member folds the exact same
// action sequence in the exact same order.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/listforge/gameplay-backend/pkg/gameplay"
	"github.com/listforge/gameplay-backend/pkg/protocol"
)

var ErrConnectionLost = errors.New("connection lost")
var ErrNotInLobby = errors.New("not in a lobby")

// RelayError is a rejection sent by the relay (lobby-not-found,
// duplicate-user, unknown-unit, ...).
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay: %s (%s)", e.Message, e.Code)
}

type Client struct {
	conn *websocket.Conn
	log  *zap.Logger
	user string

	mu        sync.Mutex
	state     gameplay.GameplayState
	connected bool
	pending   *pendingRequest

	reqMu sync.Mutex // one outstanding request at a time
	done  chan struct{}
}

// pendingRequest is an in-flight create or join. seed runs on the read loop
// before any later live event is applied, so a snapshot and the actions that
// follow it land in order.
type pendingRequest struct {
	seed func(protocol.ServerMessage) error
	ch   chan pendingResult
}

type pendingResult struct {
	msg protocol.ServerMessage
	err error
}

// Dial connects to the relay. user is this participant's identity for the
// lifetime of the connection; it is not preserved across reconnects.
func Dial(ctx context.Context, url, user string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		conn:      conn,
		log:       log.With(zap.String("user", user)),
		user:      user,
		connected: true,
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) User() string { return c.user }

// Connected reports transport status. Display only; local state stays
// readable either way.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// State returns a deep copy of the local gameplay state.
func (c *Client) State() gameplay.GameplayState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gameplay.CloneState(c.state)
}

// LobbyID is empty until a create or join succeeds.
func (c *Client) LobbyID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LobbyID
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// CreateLobby registers a new lobby seeded with this user's list and blocks
// until the relay acknowledges. Returns the server-assigned lobby id.
func (c *Client) CreateLobby(ctx context.Context, list gameplay.UserList) (string, error) {
	list.User = c.user
	seed := func(reply protocol.ServerMessage) error {
		st := gameplay.SetLobby(gameplay.GameplayState{}, reply.LobbyID)
		st, err := gameplay.AddList(st, list)
		if err != nil {
			return err
		}
		c.state = st
		return nil
	}
	reply, err := c.request(ctx, protocol.ClientMessage{Type: protocol.MsgCreateLobby, List: &list}, seed)
	if err != nil {
		return "", err
	}
	return reply.LobbyID, nil
}

// JoinLobby joins an existing lobby and seeds local state from the snapshot:
// every member's as-joined list, then the recorded history folded in order.
func (c *Client) JoinLobby(ctx context.Context, lobbyID string, list gameplay.UserList) error {
	list.User = c.user
	seed := func(reply protocol.ServerMessage) error {
		st := gameplay.SetLobby(gameplay.GameplayState{}, lobbyID)
		var err error
		for _, u := range reply.Users {
			st, err = gameplay.AddList(st, u)
			if err != nil {
				return fmt.Errorf("seed snapshot: %w", err)
			}
		}
		st, err = gameplay.Replay(st, reply.History)
		if err != nil {
			return fmt.Errorf("replay history: %w", err)
		}
		c.state = st
		return nil
	}
	_, err := c.request(ctx, protocol.ClientMessage{
		Type:    protocol.MsgJoinLobby,
		LobbyID: lobbyID,
		List:    &list,
	}, seed)
	return err
}

// ModifyUnit sends one mutation for a unit this user controls. Only the
// changed fields are set; the local state is updated when the relay re-emits
// the action.
func (c *Client) ModifyUnit(ctx context.Context, targetID string, m gameplay.Mutation) error {
	if c.LobbyID() == "" {
		return ErrNotInLobby
	}
	action := gameplay.Action{
		Kind:     gameplay.KindModifyUnit,
		User:     c.user,
		TargetID: targetID,
		Payload:  m,
	}
	return c.write(ctx, protocol.ClientMessage{Type: protocol.MsgModifyUnit, Action: &action})
}

// The gameplay verbs, matching the tracker UI: activating a unit also clears
// its pinned marker.

func (c *Client) Activate(ctx context.Context, targetID string) error {
	on, off := true, false
	return c.ModifyUnit(ctx, targetID, gameplay.Mutation{Activated: &on, Pinned: &off})
}

func (c *Client) Deactivate(ctx context.Context, targetID string) error {
	off := false
	return c.ModifyUnit(ctx, targetID, gameplay.Mutation{Activated: &off})
}

func (c *Client) Pin(ctx context.Context, targetID string) error {
	on := true
	return c.ModifyUnit(ctx, targetID, gameplay.Mutation{Pinned: &on})
}

func (c *Client) Kill(ctx context.Context, targetID string) error {
	on := true
	return c.ModifyUnit(ctx, targetID, gameplay.Mutation{Dead: &on})
}

func (c *Client) Restore(ctx context.Context, targetID string) error {
	off := false
	return c.ModifyUnit(ctx, targetID, gameplay.Mutation{Dead: &off})
}

// request sends one message and blocks until the relay's ack or error for
// it arrives. Per-connection ordering makes the next ack-class message ours.
// The read loop runs seed on the ack before touching any later event, so the
// snapshot is in place by the time relayed actions are folded in.
func (c *Client) request(ctx context.Context, msg protocol.ClientMessage, seed func(protocol.ServerMessage) error) (protocol.ServerMessage, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	req := &pendingRequest{seed: seed, ch: make(chan pendingResult, 1)}
	c.mu.Lock()
	c.pending = req
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	if err := c.write(ctx, msg); err != nil {
		return protocol.ServerMessage{}, err
	}

	select {
	case res := <-req.ch:
		return res.msg, res.err
	case <-ctx.Done():
		return protocol.ServerMessage{}, ctx.Err()
	case <-c.done:
		return protocol.ServerMessage{}, ErrConnectionLost
	}
}

func (c *Client) write(ctx context.Context, msg protocol.ClientMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(c.done)
	}()

	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("bad message from relay", zap.Error(err))
			continue
		}

		switch msg.Type {
		case protocol.MsgLobbyCreated, protocol.MsgLobbyJoined, protocol.MsgError:
			c.mu.Lock()
			req := c.pending
			c.pending = nil
			if req == nil {
				c.mu.Unlock()
				if msg.Type == protocol.MsgError {
					// A rejected modify-unit; nothing was applied anywhere.
					c.log.Warn("relay rejected action", zap.String("code", msg.Code), zap.String("error", msg.Error))
				} else {
					c.log.Warn("unexpected ack", zap.String("type", msg.Type))
				}
				continue
			}
			res := pendingResult{msg: msg}
			if msg.Type == protocol.MsgError {
				res.err = &RelayError{Code: msg.Code, Message: msg.Error}
			} else if req.seed != nil {
				res.err = req.seed(msg)
			}
			c.mu.Unlock()
			req.ch <- res

		case protocol.MsgUserJoined:
			if msg.List == nil {
				continue
			}
			c.mu.Lock()
			next, err := gameplay.AddList(c.state, *msg.List)
			if err == nil {
				c.state = next
			}
			c.mu.Unlock()
			if err != nil {
				c.log.Warn("user-joined dropped", zap.String("joined", msg.List.User), zap.Error(err))
			}

		case protocol.MsgModifyUnit:
			if msg.Action == nil {
				continue
			}
			c.mu.Lock()
			next, err := gameplay.Apply(c.state, *msg.Action)
			if err == nil {
				c.state = next
			}
			c.mu.Unlock()
			if err != nil {
				// Never crash the session for one bad action.
				c.log.Warn("relayed action dropped", zap.String("target", msg.Action.TargetID), zap.Error(err))
			}

		default:
			c.log.Warn("unknown message from relay", zap.String("type", msg.Type))
		}
	}
}
