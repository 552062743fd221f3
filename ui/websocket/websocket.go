package websocket

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/swiftreplies/wabroker/broadcast"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

// RegisterRoutes mounts the websocket mirror of the SSE stream. Dashboards
// that prefer a socket get the same hub events, same filtering.
func RegisterRoutes(app fiber.Router, hub *broadcast.Hub) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})

	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		tenantID := tenants.TenantID(0)
		if raw := conn.Query("tenant_id"); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				tenantID = tenants.TenantID(id)
			}
		}
		var topics []string
		if raw := conn.Query("topics"); raw != "" {
			topics = strings.Split(raw, ",")
		}

		sub := hub.Subscribe(tenantID, topics)
		defer hub.Unsubscribe(sub.ID)
		logrus.Debugf("[WS] Subscriber %s connected (tenant %d)", sub.ID, tenantID)

		done := make(chan struct{})
		go func() {
			defer close(done)
			// Reads only detect disconnect; clients do not send frames.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

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
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					logrus.Debugf("[WS] Write error, dropping subscriber %s", sub.ID)
					return
				}
			case <-done:
				return
			}
		}
	}))
}
