package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/mqy/minichat/auth"
	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/store"
)

const apiTimeout = 5 * time.Second

// RegisterApi registers the REST endpoints served next to the websocket:
//
//	GET /users           every user, the client applies its routing rule
//	GET /me              the user owning the token
//	GET /api/chat/{id}   history between the token's owner and {id}, `?limit=n`
func (h *Hub) RegisterApi(r *mux.Router) {
	r.HandleFunc("/users", h.withAuth(h.listUsers)).Methods(http.MethodGet)
	r.HandleFunc("/me", h.withAuth(h.me)).Methods(http.MethodGet)
	r.HandleFunc("/api/chat/{id}", h.withAuth(h.history)).Methods(http.MethodGet)
}

type authHandlerFunc func(w http.ResponseWriter, r *http.Request, user *auth.User)

func (h *Hub) withAuth(fn authHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := h.authClient.Auth(r)
		if err != nil {
			glog.V(5).Infof("api: %s %s: authenticate error: %v", r.Method, r.URL.Path, err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		fn(w, r, user)
	}
}

func (h *Hub) listUsers(w http.ResponseWriter, r *http.Request, user *auth.User) {
	users := h.authClient.Users()
	resp := &pb.UsersResp{Users: make([]*pb.User, 0, len(users))}
	for _, u := range users {
		resp.Users = append(resp.Users, toWireUser(u))
	}
	writeJSON(w, resp)
}

func (h *Hub) me(w http.ResponseWriter, r *http.Request, user *auth.User) {
	writeJSON(w, &pb.MeResp{User: toWireUser(user)})
}

func (h *Hub) history(w http.ResponseWriter, r *http.Request, user *auth.User) {
	peer := mux.Vars(r)["id"]
	if h.findUser(peer) == nil {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}

	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit: should be positive integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
	defer cancel()
	msgs, err := h.store.History(ctx, user.Id, peer, limit)
	if err != nil {
		glog.Errorf("api: history error, uid: %s, peer: %s, err: %v", user.Id, peer, err)
		writeError(w, http.StatusInternalServerError, "temp storage error")
		return
	}

	resp := &pb.HistoryResp{Messages: make([]*pb.PrivateMessage, 0, len(msgs))}
	for _, m := range msgs {
		v := store.ToWire(m)
		if m.From != user.Id {
			// client ids are private to the sender.
			v.ClientId = ""
		}
		resp.Messages = append(resp.Messages, v)
	}
	writeJSON(w, resp)
}

func toWireUser(u *auth.User) *pb.User {
	return &pb.User{
		Id:    u.Id,
		Name:  u.Name,
		Email: u.Email,
		Role:  u.Role,
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("api: write response error: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
