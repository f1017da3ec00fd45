package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type serverState struct {
	cfg    config
	db     *sql.DB
	topics *topicRegistry
}

func newServerState(cfg config, db *sql.DB) *serverState {
	return &serverState{
		cfg:    cfg,
		db:     db,
		topics: newTopicRegistry(),
	}
}

// reconcileTopics seeds the registry with one topic per channel known to
// the store. Channels created while the process runs register their topic
// inside the create handler; this pass only covers what already exists.
func (s *serverState) reconcileTopics(ctx context.Context) error {
	ids, err := s.allChannelIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.topics.create(id)
	}
	log.Printf("registered %d channel topics", len(ids))
	return nil
}

func (s *serverState) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/auth/register", s.handleRegister)
	mux.HandleFunc("/auth/login", s.handleLogin)
	mux.HandleFunc("/auth/authenticated", s.handleAuthenticated)
	mux.HandleFunc("/auth/logout", s.handleLogout)

	mux.HandleFunc("/chat/subscribe", s.handleSubscribe)
	mux.HandleFunc("/chat/send", s.handleSend)

	mux.HandleFunc("/server/new", s.handleNewServer)
	mux.HandleFunc("/server/new/channel", s.handleNewChannel)
	mux.HandleFunc("/server/channel/delete", s.handleDeleteChannel)
	mux.HandleFunc("/server/new/invite", s.handleNewInvite)
	mux.HandleFunc("/server/invite", s.handleJoinInvitePost)
	mux.HandleFunc("/server/invite/", s.handleJoinInvite)
	mux.HandleFunc("/server/user/ban", s.handleBanUser)
	mux.HandleFunc("/server/user/unban", s.handleUnbanUser)
	mux.HandleFunc("/server/user/kick", s.handleKickUser)
	mux.HandleFunc("/server/permissions", s.handleChangePermissions)

	mux.HandleFunc("/ws", s.handleWS)

	return mux
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func main() {
	cfg, err := loadConfig(envOrDefault("CONFIG_PATH", "config.toml"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	state := newServerState(cfg, db)
	if err := state.reconcileTopics(ctx); err != nil {
		log.Fatalf("reconcile topics: %v", err)
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: loggingMiddleware(state.routes()),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("spookchat server listening on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server stopped: %v", err)
	}
}
