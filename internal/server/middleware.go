package server

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// polledPaths are scraped or polled on a timer and logged at debug only
var polledPaths = map[string]bool{
	"/metrics":   true,
	"/health":    true,
	"/api/level": true,
}

// LoggingMiddleware logs HTTP requests. The level stream is logged by the hub.
func LoggingMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		path := c.Path()
		if path == "/api/level/stream" {
			return err
		}

		status := c.Response().StatusCode()
		lvl := slog.LevelInfo
		switch {
		case status >= fiber.StatusInternalServerError:
			lvl = slog.LevelWarn
		case polledPaths[path]:
			lvl = slog.LevelDebug
		}

		logger.Log(c.Context(), lvl, "http request",
			"method", c.Method(),
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		)

		return err
	}
}
