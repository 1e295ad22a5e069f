package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DoyleJ11/chess-duel-relay/internal/hub"
	"github.com/DoyleJ11/chess-duel-relay/internal/rules"
	"github.com/DoyleJ11/chess-duel-relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestServer(t *testing.T, withStore bool) (*httptest.Server, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := hub.NewHub(ctx, rules.New(), hub.Options{GracePeriod: time.Minute})

	deps := Deps{Hub: h, WS: http.NotFoundHandler()}
	if withStore {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		require.NoError(t, err)
		sqlDB, err := db.DB()
		require.NoError(t, err)
		sqlDB.SetMaxOpenConns(1)
		s, err := store.New(db)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		deps.Store = s
	}

	srv := httptest.NewServer(SetupRoutes(deps))
	t.Cleanup(srv.Close)
	return srv, h
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	if v != nil && res.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(res.Body).Decode(v))
	}
	return res.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, false)
	var out health
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &out))
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, 0, out.Rooms)
	assert.Nil(t, out.Online)
	assert.Empty(t, out.Store)

	srv, _ = newTestServer(t, true)
	out = health{}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &out))
	assert.Equal(t, "ok", out.Store)
}

func TestRooms(t *testing.T) {
	srv, h := newTestServer(t, false)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/rooms/abc123", nil))

	_, err := h.Acquire(context.Background(), "abc123")
	require.NoError(t, err)

	var v roomView
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/rooms/abc123", &v))
	assert.Equal(t, "abc123", v.ID)
	assert.Equal(t, "w", v.Turn)
	assert.Equal(t, "playing", v.Status)
	assert.Equal(t, rules.New().StartPosition(), v.Position)
	assert.Empty(t, v.Seated)

	res := postJSON(t, srv.URL+"/api/rooms", nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var created map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	assert.Len(t, created["roomId"], 6)
	assert.NotEqual(t, "abc123", created["roomId"])
}

func TestStoreRoutesNeedStore(t *testing.T) {
	srv, _ := newTestServer(t, false)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/users", nil))
}

func TestAccounts(t *testing.T) {
	srv, _ := newTestServer(t, true)

	res := postJSON(t, srv.URL+"/api/users", credentials{Username: "bob", Password: "hunter2"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var bob userJSON
	require.NoError(t, json.NewDecoder(res.Body).Decode(&bob))
	assert.Equal(t, "bob", bob.Username)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"duplicate username", "/api/users", credentials{Username: "bob", Password: "x"}, http.StatusConflict},
		{"missing password", "/api/users", credentials{Username: "carol"}, http.StatusBadRequest},
		{"login ok", "/api/login", credentials{Username: "bob", Password: "hunter2"}, http.StatusOK},
		{"login wrong password", "/api/login", credentials{Username: "bob", Password: "nope"}, http.StatusUnauthorized},
		{"bad json", "/api/login", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := postJSON(t, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, res.StatusCode)
		})
	}

	var users []userJSON
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/users", &users))
	assert.Equal(t, []userJSON{bob}, users)
}

func TestMessages(t *testing.T) {
	srv, _ := newTestServer(t, true)

	var empty []store.Message
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/messages/alice/bob", &empty))
	assert.Empty(t, empty)

	for _, m := range []map[string]string{
		{"sender": "alice", "receiver": "bob", "text": "hi bob"},
		{"sender": "bob", "receiver": "alice", "text": "hi alice"},
		{"sender": "carol", "receiver": "alice", "text": "elsewhere"},
	} {
		res := postJSON(t, srv.URL+"/api/messages", m)
		require.Equal(t, http.StatusCreated, res.StatusCode)
	}
	res := postJSON(t, srv.URL+"/api/messages", map[string]string{"sender": "alice"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	var msgs []store.Message
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/messages/bob/alice", &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi bob", msgs[0].Text)
	assert.Equal(t, "hi alice", msgs[1].Text)
}
