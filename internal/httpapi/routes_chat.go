package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/reflexive-dev/reflexive/internal/chat"
	"github.com/reflexive-dev/reflexive/internal/metrics"
)

// streamChat drives one ChatStream turn and writes each Event as an SSE
// frame to the response, flushing after every write so the client sees
// tokens as they arrive. Grounded on the gasoline dev-console SSE writer's
// Content-Type/Cache-Control/X-Accel-Buffering header set and flush-per-
// write discipline.
func streamChat(c echo.Context, contextSummary, message string, opts chat.Options) error {
	w := c.Response()
	flusher, ok := w.Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
	}

	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	result := "ok"
	events := chat.ChatStream(c.Request().Context(), contextSummary, message, opts)
	for ev := range events {
		if ev.Type == chat.EventError {
			result = "error"
		}
		if _, err := w.Write(ev.Frame()); err != nil {
			return nil
		}
		flusher.Flush()
	}
	metrics.ChatTurnsTotal.WithLabelValues(result).Inc()
	return nil
}
