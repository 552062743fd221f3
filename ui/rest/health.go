package rest

import (
	"github.com/gofiber/fiber/v2"

	"github.com/swiftreplies/wabroker/broadcast"
	"github.com/swiftreplies/wabroker/pipeline"
	"github.com/swiftreplies/wabroker/transport/whatsapp"
)

// Health exposes liveness and the pipeline gauges.
type Health struct {
	Pipeline   *pipeline.Pipeline
	Transports *whatsapp.Manager
	Hub        *broadcast.Hub
}

func InitRestHealth(app fiber.Router, p *pipeline.Pipeline, transports *whatsapp.Manager, hub *broadcast.Hub) Health {
	handler := Health{Pipeline: p, Transports: transports, Hub: hub}
	app.Get("/health", handler.Status)
	app.Get("/metrics", handler.Metrics)
	return handler
}

func (h *Health) Status(c *fiber.Ctx) error {
	stats := h.Pipeline.Stats()
	return c.JSON(fiber.Map{
		"status":              "ok",
		"queue_depth":         stats.Dispatcher.QueueDepth,
		"busy_workers":        stats.Dispatcher.BusyWorkers,
		"transport_reachable": h.Transports.Reachable(),
	})
}

func (h *Health) Metrics(c *fiber.Ctx) error {
	stats := h.Pipeline.Stats()
	subscribers, dropped := h.Hub.Stats()
	return c.JSON(fiber.Map{
		"worker_pool":      stats.Dispatcher,
		"debounce_pending": stats.PendingBuffers,
		"dead_lettered":    stats.DeadLettered,
		"hub": fiber.Map{
			"subscribers":    subscribers,
			"dropped_events": dropped,
		},
	})
}
