package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kidhasmoxy/audible-abs-sync/internal/shared"
)

// Server hosts the status surface for one engine instance.
type Server struct {
	cfg    shared.ServerConfig
	router *BasicRouter
	logger *log.Logger
}

// New builds the status server with its routes and middleware registered.
func New(cfg shared.ServerConfig, source Snapshotter, logger *log.Logger) *Server {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	logger = logger.With("component", "server")

	router := NewBasicRouter()
	router.Use(RequestLogger(logger), TokenAuth(cfg.Token))
	router.Handler(NewHealthHandler(source))
	router.Handler(NewStatusHandler(source))
	router.Handler(NewMetricsHandler(source))

	return &Server{cfg: cfg, router: router, logger: logger}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
