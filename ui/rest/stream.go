package rest

import (
	"bufio"
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/swiftreplies/wabroker/broadcast"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

const streamHeartbeat = 15 * time.Second

// Stream serves the SSE feed the operator dashboard listens on. Each
// connection becomes one hub subscriber; a slow consumer is dropped by the
// hub, which ends the stream.
type Stream struct {
	Hub *broadcast.Hub
}

func InitRestStream(app fiber.Router, hub *broadcast.Hub) Stream {
	handler := Stream{Hub: hub}
	app.Get("/stream", handler.Subscribe)
	return handler
}

func (h *Stream) Subscribe(c *fiber.Ctx) error {
	tenantID := tenants.TenantID(c.QueryInt("tenant_id"))
	var topics []string
	if raw := c.Query("topics"); raw != "" {
		topics = strings.Split(raw, ",")
	}

	sub := h.Hub.Subscribe(tenantID, topics)

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.Hub.Unsubscribe(sub.ID)
		logrus.Debugf("[STREAM] Subscriber %s connected (tenant %d)", sub.ID, tenantID)

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := w.WriteString("event: " + ev.Type + "\ndata: " + string(data) + "\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case <-heartbeat.C:
				// SSE comment line keeps proxies from closing the stream.
				if _, err := w.WriteString(":\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}
