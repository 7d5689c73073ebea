package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Connections int       `json:"connections"`
}

// ConnectionCounter reports live chat connections on this node.
type ConnectionCounter interface {
	ActiveConnections() int
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config, counter ConnectionCounter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
		}
		if counter != nil {
			payload.Connections = counter.ActiveConnections()
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
