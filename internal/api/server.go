// Package api is the HTTP surface: review submission, result lookup, and a
// server-sent-events stream of per-request progress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/codescout/internal/logging"
	"github.com/codescout/internal/orchestrator"
	"github.com/codescout/internal/queue"
)

// Server hosts the REST and SSE endpoints over the orchestrator.
type Server struct {
	echo *echo.Echo
	orch *orchestrator.Orchestrator
	addr string
	log  zerolog.Logger
}

// NewServer builds the server and registers routes.
func NewServer(addr string, orch *orchestrator.Orchestrator) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo: e,
		orch: orch,
		addr: addr,
		log:  logging.Component("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)

	api := s.echo.Group("/api")
	api.POST("/reviews", s.createReview)
	api.GET("/reviews/:id", s.getReview)
	api.GET("/reviews/:id/events", s.streamEvents)
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info().Str("addr", s.addr).Msg("api server started")

	select {
	case err := <-errCh:
		return fmt.Errorf("serving on %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) health(c echo.Context) error {
	depth, err := s.orch.Depth(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"queueDepth": depth,
	})
}

func (s *Server) createReview(c echo.Context) error {
	var sub orchestrator.Submission
	if err := c.Bind(&sub); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed request body"))
	}

	req, err := s.orch.Submit(c.Request().Context(), sub)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrInvalidSubmission):
			return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		case errors.Is(err, queue.ErrQueueOverflow):
			return c.JSON(http.StatusTooManyRequests, errorBody("review queue is full, retry later"))
		default:
			s.log.Error().Err(err).Msg("submission failed")
			return c.JSON(http.StatusInternalServerError, errorBody("submission failed"))
		}
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"requestId": req.RequestID,
		"status":    "QUEUED",
	})
}

func (s *Server) getReview(c echo.Context) error {
	record, err := s.orch.Result(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrResultNotFound) {
			return c.JSON(http.StatusNotFound, errorBody("unknown or expired request id"))
		}
		s.log.Error().Err(err).Msg("result lookup failed")
		return c.JSON(http.StatusInternalServerError, errorBody("result lookup failed"))
	}
	return c.JSON(http.StatusOK, record)
}

// streamEvents follows a request's progress as server-sent events. The
// stream ends at the first terminal event or when the client disconnects.
// A request already finalized yields its terminal status immediately.
func (s *Server) streamEvents(c echo.Context) error {
	requestID := c.Param("id")
	ctx := c.Request().Context()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	// Pub/sub misses anything published before the subscription; the stored
	// record covers that window.
	events := s.orch.Progress(ctx, requestID)
	if record, err := s.orch.Result(ctx, requestID); err == nil {
		if err := writeEvent(res, map[string]interface{}{
			"request_id": requestID,
			"status":     record.Status,
		}); err != nil {
			return nil
		}
		if record.Status.Terminal() {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(res, event); err != nil {
				return nil
			}
		}
	}
}

func writeEvent(res *echo.Response, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
		return err
	}
	res.Flush()
	return nil
}

func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}
