// Package protocol defines the relay wire format: one JSON envelope each way.
//
// Client -> Server
//   create-lobby: { list }
//   join-lobby:   { lobbyId, list }
//   modify-unit:  { action }
//
// Server -> Client
//   lobby-created: { lobbyId }
//   lobby-joined:  { lobbyId, users, history }
//   user-joined:   { list }            (another member joined)
//   modify-unit:   { action }          (re-emit, originator included)
//   error:         { code, error }
package protocol

import (
	"errors"

	"github.com/listforge/gameplay-backend/pkg/gameplay"
)

const (
	MsgCreateLobby = "create-lobby"
	MsgJoinLobby   = "join-lobby"
	MsgModifyUnit  = "modify-unit"

	MsgLobbyCreated = "lobby-created"
	MsgLobbyJoined  = "lobby-joined"
	MsgUserJoined   = "user-joined"
	MsgError        = "error"
)

const (
	CodeLobbyNotFound = "lobby-not-found"
	CodeDuplicateUser = "duplicate-user"
	CodeUnknownUser   = "unknown-user"
	CodeUnknownUnit   = "unknown-unit"
	CodeBadRequest    = "bad-request"
)

type ClientMessage struct {
	Type    string             `json:"type"`
	LobbyID string             `json:"lobbyId,omitempty"`
	List    *gameplay.UserList `json:"list,omitempty"`
	Action  *gameplay.Action   `json:"action,omitempty"`
}

type ServerMessage struct {
	Type    string              `json:"type"`
	LobbyID string              `json:"lobbyId,omitempty"`
	List    *gameplay.UserList  `json:"list,omitempty"`
	Users   []gameplay.UserList `json:"users,omitempty"`
	History []gameplay.Action   `json:"history,omitempty"`
	Action  *gameplay.Action    `json:"action,omitempty"`
	Code    string              `json:"code,omitempty"`
	Error   string              `json:"error,omitempty"`
}

func ErrorCode(err error) string {
	switch {
	case errors.Is(err, gameplay.ErrDuplicateUser):
		return CodeDuplicateUser
	case errors.Is(err, gameplay.ErrUnknownUser):
		return CodeUnknownUser
	case errors.Is(err, gameplay.ErrUnknownUnit):
		return CodeUnknownUnit
	default:
		return CodeBadRequest
	}
}
