package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func (s *Server) registerRoutes() {
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(ErrorHandlingMiddleware())
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         63072000, // 2 years; only sent over HTTPS
		ReferrerPolicy:     "no-referrer",
	}))
	s.echo.Use(s.setupCORSMiddleware())

	s.registerHealthRoutes()
	s.registerStreamRoutes()
	s.registerBroadcastRoutes()
	s.registerConnectionRoutes()
}

func (s *Server) registerStreamRoutes() {
	limited := s.connectionLimitMiddleware()
	s.echo.GET("/sse/connect", s.handleSSEConnect, limited)
	s.echo.GET("/ws/connect", s.handleWSConnect, limited)
}

func (s *Server) registerBroadcastRoutes() {
	broadcastLimit := newRateLimiter(s.config.BroadcastRate, s.config.BroadcastBurst)
	s.echo.POST("/sse/broadcast", s.handleBroadcast, broadcastLimit)
	s.echo.POST("/sse/broadcast/all", s.handleBroadcastAll, broadcastLimit)
}

func (s *Server) registerConnectionRoutes() {
	s.echo.GET("/sse/status", s.handleStatus)
	s.echo.GET("/sse/connections", s.handleListConnections)
	s.echo.GET("/sse/connections/:id", s.handleGetConnection)
	s.echo.DELETE("/sse/connections/:id", s.handleDeleteConnection)
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/health/live"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}

func (s *Server) setupCORSMiddleware() echo.MiddlewareFunc {
	origins := []string{"*"}
	if origin := extractOrigin(s.config.AppURL); origin != "" {
		origins = []string{origin}
	}
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Last-Event-ID"},
	})
}
