// Package server exposes the admin HTTP API of a node: health, metrics,
// protocol listing and instance inspection and control.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/danmuck/stepwise/internal/auth"
	"github.com/danmuck/stepwise/internal/engine"
	"github.com/danmuck/stepwise/internal/observability"
	"github.com/danmuck/stepwise/internal/protocol/message"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Engine is the slice of the coordinator the admin API drives.
type Engine interface {
	Process(ctx context.Context, msg message.Message) (engine.Result, error)
	Cancel(ctx context.Context, key message.InstanceKey, reason string) (engine.Result, error)
	State(ctx context.Context, key message.InstanceKey) (engine.Snapshot, error)
	Instances(ctx context.Context) ([]engine.Snapshot, error)
}

// Starter builds the initiating message of a protocol from a start request.
type Starter func(owner message.Identity, params json.RawMessage) (message.Message, error)

type Config struct {
	Name        string
	Addr        string
	Token       string
	CorsOrigins []string
	// Owner initiates instances when a start request names none.
	Owner message.Identity
}

type Server struct {
	cfg       Config
	engine    Engine
	protocols *engine.Registry
	starters  map[message.ProtocolID]Starter
	router    *gin.Engine
	appeared  time.Time
	ready     atomic.Bool
}

func New(cfg Config, eng Engine, protocols *engine.Registry) *Server {
	observability.RegisterMetrics()
	if cfg.Name == "" {
		cfg.Name = "stepwise"
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:       cfg,
		engine:    eng,
		protocols: protocols,
		starters:  make(map[message.ProtocolID]Starter),
		router:    r,
		appeared:  time.Now(),
	}
	s.registerRoutes(auth.StaticToken{Token: cfg.Token})
	return s
}

// Handle enables POST /protocols/:protocol/start for id.
func (s *Server) Handle(id message.ProtocolID, start Starter) {
	s.starters[id] = start
}

func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("admin api listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin api: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin api shutdown: %w", err)
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
