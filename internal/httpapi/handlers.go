package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"sort"
	"time"

	"github.com/DoyleJ11/chess-duel-relay/internal/hub"
	"github.com/DoyleJ11/chess-duel-relay/internal/lobby"
	"github.com/DoyleJ11/chess-duel-relay/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// UserStore is the account and history backend behind /api/users and
// /api/messages.
type UserStore interface {
	ListUsers(ctx context.Context) ([]store.User, error)
	CreateUser(ctx context.Context, username, password string) (*store.User, error)
	Authenticate(ctx context.Context, username, password string) (*store.User, error)
	History(ctx context.Context, a, b string) ([]store.Message, error)
	SaveMessage(ctx context.Context, sender, receiver, text string) (*store.Message, error)
	Ping(ctx context.Context) error
}

func GenerateCode() (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

	code := make([]byte, 6)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

// NewRoom hands out a room id nobody is using yet. The room itself is created
// by the first joinGame.
func NewRoom(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for range 8 {
			code, err := GenerateCode()
			if err != nil {
				http.Error(w, "failed to generate code", http.StatusInternalServerError)
				return
			}
			lb, err := h.Get(r.Context(), code)
			if err != nil {
				http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
				return
			}
			if lb == nil {
				writeJSON(w, http.StatusCreated, map[string]string{"roomId": code})
				return
			}
			log.Debug("collision on room code, regenerating", zap.String("room", code))
		}
		http.Error(w, "failed to generate code", http.StatusServiceUnavailable)
	}
}

type roomView struct {
	ID       string   `json:"id"`
	Version  int      `json:"version"`
	Clients  int      `json:"clients"`
	Seated   []string `json:"seated"`
	Position string   `json:"position"`
	Turn     string   `json:"turn"`
	Status   string   `json:"status"`
	Outcome  string   `json:"outcome,omitempty"`
}

func RoomState(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		lb, err := h.Get(ctx, id)
		if err != nil {
			http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
			return
		}
		if lb == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		reply := make(chan lobby.View, 1)
		select {
		case lb.Inbox() <- lobby.GetState{Reply: reply}:
		case <-lb.Done():
			http.Error(w, "room not found", http.StatusNotFound)
			return
		case <-ctx.Done():
			http.Error(w, "room busy", http.StatusServiceUnavailable)
			return
		}

		var v lobby.View
		select {
		case v = <-reply:
		case <-ctx.Done():
			http.Error(w, "room busy", http.StatusServiceUnavailable)
			return
		}

		seated := make([]string, 0, len(v.Seats))
		for role := range v.Seats {
			seated = append(seated, string(role))
		}
		sort.Strings(seated)
		writeJSON(w, http.StatusOK, roomView{
			ID:       v.ID,
			Version:  v.Version,
			Clients:  v.NumClients,
			Seated:   seated,
			Position: v.State.Position,
			Turn:     string(v.State.Turn),
			Status:   string(v.State.Status),
			Outcome:  v.State.Outcome,
		})
	}
}

type credentials struct {
	Username string `json:"username" validate:"required,min=2,max=32"`
	Password string `json:"password" validate:"required,max=72"`
}

type newMessage struct {
	Sender   string `json:"sender" validate:"required"`
	Receiver string `json:"receiver" validate:"required"`
	Text     string `json:"text" validate:"required,max=2000"`
}

// decode reads a JSON body and runs the struct's validate tags over it.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

type userJSON struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func ListUsers(s UserStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := s.ListUsers(r.Context())
		if err != nil {
			storeError(w, log, err)
			return
		}
		out := make([]userJSON, 0, len(users))
		for _, u := range users {
			out = append(out, userJSON{ID: u.ID, Username: u.Username})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func Register(s UserStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var c credentials
		if !decode(w, r, &c) {
			return
		}
		u, err := s.CreateUser(r.Context(), c.Username, c.Password)
		if err != nil {
			storeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, userJSON{ID: u.ID, Username: u.Username})
	}
}

func Login(s UserStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var c credentials
		if !decode(w, r, &c) {
			return
		}
		u, err := s.Authenticate(r.Context(), c.Username, c.Password)
		if err != nil {
			storeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, userJSON{ID: u.ID, Username: u.Username})
	}
}

func History(s UserStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := s.History(r.Context(), chi.URLParam(r, "a"), chi.URLParam(r, "b"))
		if err != nil {
			storeError(w, log, err)
			return
		}
		if msgs == nil {
			msgs = []store.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func SaveMessage(s UserStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in newMessage
		if !decode(w, r, &in) {
			return
		}
		m, err := s.SaveMessage(r.Context(), in.Sender, in.Receiver, in.Text)
		if err != nil {
			storeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

type health struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
	Online *int   `json:"online,omitempty"`
	Store  string `json:"store,omitempty"`
}

// Healthz reports the registry size and, when wired, the online count and
// the database.
func Healthz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		out := health{Status: "ok"}
		status := http.StatusOK
		n, err := d.Hub.Count(ctx)
		if err != nil {
			out.Status = "registry unavailable"
			writeJSON(w, http.StatusServiceUnavailable, out)
			return
		}
		out.Rooms = n

		if d.Presence != nil {
			if users, err := d.Presence.Users(ctx); err == nil {
				online := len(users)
				out.Online = &online
			}
		}
		if d.Store != nil {
			out.Store = "ok"
			if err := d.Store.Ping(ctx); err != nil {
				out.Status, out.Store = "degraded", err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, out)
	}
}

func storeError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrInvalidCredentials):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, store.ErrUsernameTaken):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Error("store failure", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
