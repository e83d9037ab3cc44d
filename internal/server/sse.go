package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/opsforge/foreman/internal/events"
	"github.com/opsforge/foreman/internal/store"
)

// streamEvents serves a work order's event stream as server-sent events:
// first the persisted backlog in seq order, then live bus events. An event
// published while the backlog is being replayed may be delivered twice;
// delivery is at-least-once, in order.
func (s *Server) streamEvents(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	if _, err := s.store.GetWorkOrder(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "work order not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// Subscribe before reading the backlog so nothing published in between
	// is lost.
	live := s.bus.Subscribe(events.WorkOrderTopic(id), 256)
	defer s.bus.Unsubscribe(events.WorkOrderTopic(id), live)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	backlog, err := s.store.EventsAfter(ctx, id, 0)
	if err != nil {
		return err
	}
	for _, evt := range backlog {
		if err := writeSSE(resp, evt.EventType, evt.Payload); err != nil {
			return err
		}
	}
	resp.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-live:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("failed to marshal live event",
					zap.String("work_order", id), zap.Error(err))
				continue
			}
			if err := writeSSE(resp, evt.EventType(), payload); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

func writeSSE(resp *echo.Response, eventType string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", eventType, payload)
	return err
}
