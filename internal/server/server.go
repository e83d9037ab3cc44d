// Package server exposes the work order engine as a JSON-over-HTTP API with
// a server-sent-events stream per work order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/opsforge/foreman/internal/events"
	"github.com/opsforge/foreman/internal/pause"
	"github.com/opsforge/foreman/internal/store"
	"github.com/opsforge/foreman/internal/workorder"
)

// Service is the engine surface the API exposes.
type Service interface {
	Submit(ctx context.Context, req workorder.Request) (string, error)
	Status(ctx context.Context, id string) (*workorder.WorkOrder, error)
	Resume(ctx context.Context, id string, decision workorder.Decision, feedback string) error
	Cancel(ctx context.Context, id string) error
}

// Config holds the listen address.
type Config struct {
	Host string
	Port int
}

// Server is the HTTP API.
type Server struct {
	echo    *echo.Echo
	service Service
	store   store.Store
	bus     *events.Bus
	logger  *zap.Logger
	addr    string
}

// New builds the API server around the engine.
func New(cfg Config, service Service, st store.Store, bus *events.Bus, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		service: service,
		store:   st,
		bus:     bus,
		logger:  logger.Named("server"),
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())

	e.GET("/health", s.health)

	api := e.Group("/api/v1")
	api.POST("/work-orders", s.submit)
	api.GET("/work-orders", s.list)
	api.GET("/work-orders/:id", s.status)
	api.POST("/work-orders/:id/resume", s.resume)
	api.POST("/work-orders/:id/cancel", s.cancel)
	api.GET("/work-orders/:id/events", s.streamEvents)

	return s
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			)
			return nil
		},
	})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) submit(c echo.Context) error {
	var req workorder.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	id, err := s.service.Submit(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) list(c echo.Context) error {
	orders, err := s.store.ListWorkOrders(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if orders == nil {
		orders = []*workorder.WorkOrder{}
	}
	return c.JSON(http.StatusOK, orders)
}

func (s *Server) status(c echo.Context) error {
	wo, err := s.service.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "work order not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, wo)
}

type resumeRequest struct {
	Decision string `json:"decision"`
	Feedback string `json:"feedback,omitempty"`
}

func (s *Server) resume(c echo.Context) error {
	var req resumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	decision := workorder.Decision(req.Decision)
	if !decision.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid decision %q", req.Decision))
	}

	err := s.service.Resume(c.Request().Context(), c.Param("id"), decision, req.Feedback)
	if err != nil {
		if errors.Is(err, pause.ErrNoOpenPause) {
			return echo.NewHTTPError(http.StatusConflict, "work order is not paused")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id"), "decision": req.Decision})
}

func (s *Server) cancel(c echo.Context) error {
	err := s.service.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "work order not found")
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id"), "status": string(workorder.StatusCancelled)})
}
