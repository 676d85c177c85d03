package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/techagentng/expertchat/config"
	"github.com/techagentng/expertchat/db"
	"github.com/techagentng/expertchat/realtime"
	"github.com/techagentng/expertchat/services"
)

// Server has router instances and the collaborators the handlers need.
type Server struct {
	Config      *config.Config
	DB          *db.GormDB
	ChatService services.ChatService
	Dispatcher  *realtime.Dispatcher

	upgrader websocket.Upgrader
}

func NewServer(conf *config.Config, gormDB *db.GormDB, chat services.ChatService, dispatcher *realtime.Dispatcher) *Server {
	s := &Server{
		Config:      conf,
		DB:          gormDB,
		ChatService: chat,
		Dispatcher:  dispatcher,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the fully routed engine.
func (s *Server) Handler() http.Handler {
	return s.setupRouter()
}

// Start serves until ctx is done, then shuts down within the configured timeout. Websocket
// connections are hijacked and invisible to http.Server.Shutdown, so the dispatcher
// closes them explicitly.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Config.Port),
		Handler:           s.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.Dispatcher.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(err, "listen")
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), s.Config.ShutdownTimeout)
	defer stop()
	s.Dispatcher.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	log.Info().Msg("server stopped")
	return nil
}

func (s *Server) allowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(s.Config.AccessControlAllowOrigin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (s *Server) allowAllOrigins() bool {
	origins := s.allowedOrigins()
	return len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowAllOrigins() {
		return true
	}
	for _, allowed := range s.allowedOrigins() {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
