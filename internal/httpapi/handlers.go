package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/listforge/gameplay-backend/internal/lobby"
	"github.com/listforge/gameplay-backend/internal/registry"
	"github.com/listforge/gameplay-backend/pkg/gameplay"
)

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type lobbyView struct {
	LobbyID    string                 `json:"lobbyId"`
	Members    int                    `json:"members"`
	HistoryLen int                    `json:"historyLen"`
	State      gameplay.GameplayState `json:"state"`
}

// LobbyView reports one lobby's membership and folded state. Read-only; the
// relay protocol itself stays on the websocket.
func LobbyView(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "lobbyID")

		reply := make(chan *lobby.Lobby, 1)
		reg.Inbox() <- registry.GetLobby{LobbyID: id, Reply: reply}
		lb := <-reply
		if lb == nil {
			http.Error(w, "lobby not found", http.StatusNotFound)
			return
		}

		view := make(chan lobby.View, 1)
		lb.Inbox() <- lobby.GetState{Reply: view}
		v := <-view

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(lobbyView{
			LobbyID:    v.LobbyID,
			Members:    v.Members,
			HistoryLen: v.HistoryLen,
			State:      v.State,
		})
	}
}
