// Package api serves the REST side of the chat service and upgrades
// authenticated /ws requests to chat server sessions.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-teamchat/internal/config"
	"github.com/npezzotti/go-teamchat/internal/database"
	"github.com/npezzotti/go-teamchat/internal/server"
	"github.com/npezzotti/go-teamchat/internal/stats"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

const (
	MetricLogins        = "logins_total"
	MetricLoginFailures = "login_failures_total"

	requestTimeout = 5 * time.Second
)

type TeamChatApp struct {
	log             *zap.Logger
	db              database.ChatRepository
	srv             *http.Server
	cs              *server.ChatServer
	stats           stats.StatsProvider
	signingKey      []byte
	allowedOrigins  []string
	tokenTTL        time.Duration
	generateShortId func() (string, error)
}

func NewTeamChatApp(mux *http.ServeMux, logger *zap.Logger, cs *server.ChatServer, db database.ChatRepository, sp stats.StatsProvider, cfg *config.Config) *TeamChatApp {
	if sp == nil {
		sp = stats.Nop{}
	}
	sp.RegisterCounter(MetricLogins, "Successful logins.")
	sp.RegisterCounter(MetricLoginFailures, "Rejected login attempts.")

	s := &TeamChatApp{
		log:             logger,
		db:              db,
		cs:              cs,
		stats:           sp,
		signingKey:      cfg.SigningKey,
		allowedOrigins:  cfg.AllowedOrigins,
		tokenTTL:        defaultJwtExpiration,
		generateShortId: shortid.Generate,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.Handle("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("/api/account", s.authMiddleware(s.account))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("DELETE /api/rooms", s.authMiddleware(s.deleteRoom))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.getRoom))
	mux.Handle("GET /api/subscriptions", s.authMiddleware(s.getUsersSubscriptions))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *TeamChatApp) Start() error {
	s.log.Info("starting server", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *TeamChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

func (s *TeamChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *TeamChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

func (s *TeamChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		s.log.Error("request failed", zap.Int("status", errResp.StatusCode), zap.Error(errResp.Err))
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *TeamChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
