package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/openmined/pfsync/internal/controlplane/handlers"
	"github.com/openmined/pfsync/internal/controlplane/middleware"
	"github.com/openmined/pfsync/internal/utils"
)

type Config struct {
	Addr  string
	Token string
}

type Server struct {
	config *Config
	server *http.Server
}

func NewServer(config *Config, engine handlers.Engine) (*Server, error) {
	if config.Addr == "" {
		return nil, errors.New("control plane address is required")
	}

	routes := SetupRoutes(engine, &RouteConfig{
		Auth: middleware.TokenAuthConfig{
			Token: config.Token,
		},
	})

	httpServer := &http.Server{
		Addr:    config.Addr,
		Handler: routes,
		// sync/now and upload-all block until the pass finishes
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Server{
		config: config,
		server: httpServer,
	}, nil
}

// Start listens and serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", ln.Addr()), "token", utils.MaskSecret(s.config.Token))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane serve: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}
