package notify

import (
	"io"
	"net/http"
	"time"

	midsec "ShiftChat/middleware/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const sseEvent = "message"

// HandleSSE serves the notification stream of the authenticated identity
// until the client goes away or a newer stream replaces this one.
func (h *Hub) HandleSSE(c *gin.Context) {
	userID, ok := midsec.UserID(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	s := h.Subscribe(userID)
	defer h.Unsubscribe(s)
	log := h.log.With(zap.String("user", userID), zap.String("stream", s.ID()))
	log.Info("stream opened", zap.Int("total", h.Count()))

	c.SSEvent(sseEvent, Event{Type: TypeConnection, Data: gin.H{"stream_id": s.ID(), "user_id": userID}})
	c.Writer.Flush()

	var beat <-chan time.Time
	if h.conf.Heartbeat > 0 {
		t := time.NewTicker(h.conf.Heartbeat)
		defer t.Stop()
		beat = t.C
	}
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-s.Events():
			c.SSEvent(sseEvent, ev)
			return true
		case <-beat:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		case <-s.Done():
			return false
		case <-ctx.Done():
			return false
		}
	})
	log.Info("stream closed")
}
