package gameplay

import (
	"encoding/json"
	"errors"
)

var ErrUnknownUser = errors.New("unknown user")
var ErrUnknownUnit = errors.New("unknown unit")
var ErrDuplicateUser = errors.New("user already in lobby")
var ErrUnsupportedAction = errors.New("unsupported action kind")

type ActionKind string

const (
	KindModifyUnit ActionKind = "modify-unit"
)

// Mutation is the closed set of per-unit flag changes. A nil field leaves
// the unit's value untouched; set fields overwrite (last writer wins per
// field, not whole-record replacement).
type Mutation struct {
	Activated *bool `json:"activated,omitempty"`
	Pinned    *bool `json:"pinned,omitempty"`
	Dead      *bool `json:"dead,omitempty"`
}

// Action records one unit mutation attributed to one user. Seq is assigned
// by the relay when the action is appended to a lobby's history; clients
// treat it as opaque.
type Action struct {
	Kind     ActionKind `json:"kind"`
	User     string     `json:"user"`
	TargetID string     `json:"targetId"`
	Payload  Mutation   `json:"payload"`
	Seq      uint64     `json:"seq,omitempty"`
}

// GameplayUnit is one roster entry. Display fields come from the
// list-building subsystem and are never touched by actions; only the three
// flags are mutable during a session.
type GameplayUnit struct {
	SelectionID string          `json:"selectionId"`
	Name        string          `json:"name"`
	CustomName  string          `json:"customName,omitempty"`
	Quality     int             `json:"quality"`
	Defense     int             `json:"defense"`
	Points      int             `json:"points"`
	Loadout     json.RawMessage `json:"loadout,omitempty"`

	Activated bool `json:"activated"`
	Pinned    bool `json:"pinned"`
	Dead      bool `json:"dead"`
}

type UserList struct {
	User   string         `json:"user"`
	Units  []GameplayUnit `json:"units"`
	Points int            `json:"points"`
}

type GameplayState struct {
	LobbyID string     `json:"lobbyId"`
	Lists   []UserList `json:"lists"`
}

// SetLobby returns a copy of state bound to the given lobby id.
func SetLobby(s GameplayState, lobbyID string) GameplayState {
	s.LobbyID = lobbyID
	return s
}

// AddList appends a participant's list. Fails if the user already has one;
// user identifiers are unique within a lobby.
func AddList(s GameplayState, list UserList) (GameplayState, error) {
	for _, l := range s.Lists {
		if l.User == list.User {
			return s, ErrDuplicateUser
		}
	}
	lists := make([]UserList, len(s.Lists), len(s.Lists)+1)
	copy(lists, s.Lists)
	s.Lists = append(lists, CloneList(list))
	return s, nil
}

// Apply folds one action into the state and returns the new state. It is
// pure: the input state is never mutated, and the same (state, action) pair
// always yields the same result, which is what makes history replay
// converge on every client.
func Apply(s GameplayState, a Action) (GameplayState, error) {
	if a.Kind != KindModifyUnit {
		return s, ErrUnsupportedAction
	}

	li := -1
	for i, l := range s.Lists {
		if l.User == a.User {
			li = i
			break
		}
	}
	if li < 0 {
		return s, ErrUnknownUser
	}

	ui := -1
	for i, u := range s.Lists[li].Units {
		if u.SelectionID == a.TargetID {
			ui = i
			break
		}
	}
	if ui < 0 {
		return s, ErrUnknownUnit
	}

	unit := s.Lists[li].Units[ui]
	if a.Payload.Activated != nil {
		unit.Activated = *a.Payload.Activated
	}
	if a.Payload.Pinned != nil {
		unit.Pinned = *a.Payload.Pinned
	}
	if a.Payload.Dead != nil {
		unit.Dead = *a.Payload.Dead
	}

	lists := make([]UserList, len(s.Lists))
	copy(lists, s.Lists)
	units := make([]GameplayUnit, len(lists[li].Units))
	copy(units, lists[li].Units)
	units[ui] = unit
	lists[li].Units = units
	s.Lists = lists
	return s, nil
}

// Replay folds a recorded history over a snapshot, in order.
func Replay(s GameplayState, history []Action) (GameplayState, error) {
	for _, a := range history {
		next, err := Apply(s, a)
		if err != nil {
			return s, err
		}
		s = next
	}
	return s, nil
}

// FindUnit looks a unit up by owner and selection id.
func FindUnit(s GameplayState, user, selectionID string) (GameplayUnit, bool) {
	for _, l := range s.Lists {
		if l.User != user {
			continue
		}
		for _, u := range l.Units {
			if u.SelectionID == selectionID {
				return u, true
			}
		}
	}
	return GameplayUnit{}, false
}

// CloneList deep-copies a list so callers can't alias its units slice.
func CloneList(l UserList) UserList {
	units := make([]GameplayUnit, len(l.Units))
	copy(units, l.Units)
	l.Units = units
	return l
}

// CloneState deep-copies a state down to the unit level.
func CloneState(s GameplayState) GameplayState {
	lists := make([]UserList, len(s.Lists))
	for i, l := range s.Lists {
		lists[i] = CloneList(l)
	}
	s.Lists = lists
	return s
}
