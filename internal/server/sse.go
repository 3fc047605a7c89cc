package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"chatrelay/internal/models"
)

// sseSink writes relay events as server-sent events. Headers are committed with the first
// event so that failures detected earlier can still be answered with a JSON error.
type sseSink struct {
	c       echo.Context
	flusher http.Flusher
	opened  bool
}

func newSSESink(c echo.Context) (*sseSink, error) {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return nil, requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}
	return &sseSink{c: c, flusher: flusher}, nil
}

func (s *sseSink) started() bool {
	return s.opened
}

func (s *sseSink) Send(event models.Event) error {
	return s.write(event)
}

// write sends any JSON-encodable payload as one event.
func (s *sseSink) write(payload any) error {
	if err := s.c.Request().Context().Err(); err != nil {
		return err
	}

	if !s.opened {
		header := s.c.Response().Header()
		header.Set(echo.HeaderContentType, "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		s.c.Response().WriteHeader(http.StatusOK)
		s.opened = true
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.c.Response(), "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	s.flusher.Flush()
	return nil
}
