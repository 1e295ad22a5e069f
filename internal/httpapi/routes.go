package httpapi

import (
	"net/http"
	"time"

	"github.com/DoyleJ11/chess-duel-relay/internal/hub"
	"github.com/DoyleJ11/chess-duel-relay/internal/presence"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Deps struct {
	Hub      *hub.Hub
	Presence *presence.Relay // optional, only feeds /healthz
	WS       http.Handler
	Store    UserStore // nil leaves the data store routes unmounted
	Logger   *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(log.Named("http")))

	// Public routes
	r.Get("/healthz", Healthz(d))
	r.Get("/ws", d.WS.ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Post("/rooms", NewRoom(d.Hub, log))
		r.Get("/rooms/{id}", RoomState(d.Hub))

		if d.Store == nil {
			return
		}
		r.Get("/users", ListUsers(d.Store, log))
		r.Post("/users", Register(d.Store, log))
		r.Post("/login", Login(d.Store, log))
		r.Get("/messages/{a}/{b}", History(d.Store, log))
		r.Post("/messages", SaveMessage(d.Store, log))
	})
	return r
}

// RequestLogger writes one line per request through zap.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
