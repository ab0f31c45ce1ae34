package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pushline/internal/domain"
	"github.com/pscheid92/pushline/internal/metrics"
	"github.com/pscheid92/pushline/internal/platform/config"
	"github.com/pscheid92/pushline/internal/registry"
)

type appService interface {
	RegisterConnection(ctx context.Context, conn domain.Connection) (*registry.Stream, error)
	Dispatch(ctx context.Context, req domain.BroadcastRequest) (domain.DeliveryReport, error)
	BroadcastAll(ctx context.Context, eventType string, payload json.RawMessage) domain.DeliveryReport
	ConnectionCount() int
	ActiveConnectionsFor(sel domain.Selector) []domain.ConnectionSummary
	Connection(id string) (domain.Connection, error)
	Disconnect(id string)
	Stop()
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	app            appService
	metrics        *metrics.Push
	metricsHandler http.Handler
	limits         *ConnectionLimits
	upgrader       websocket.Upgrader

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, app appService, clock clockwork.Clock, m *metrics.Push, metricsHandler http.Handler, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	isDevelopment := cfg.AppEnv != "production"

	srv := &Server{
		echo:           e,
		config:         cfg,
		clock:          clock,
		app:            app,
		metrics:        m,
		metricsHandler: metricsHandler,
		limits: NewConnectionLimits(clock, ConnectionLimitsConfig{
			MaxConnections:      int64(cfg.MaxConnections),
			MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
			ConnectRate:         cfg.ConnectRate,
			ConnectBurst:        cfg.ConnectBurst,
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     NewCheckOrigin(cfg.AppURL, isDevelopment),
		},
		healthChecks: healthChecks,
		startTime:    clock.Now(),
	}

	srv.registerRoutes()

	// Stream handlers return only once their stream is closed, so the
	// registry has to shut down together with the listener.
	e.Server.RegisterOnShutdown(app.Stop)

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP exposes the router, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
