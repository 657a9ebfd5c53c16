// Package server provides the HTTP status server for go-spl
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-spl/internal/config"
	"github.com/teslashibe/go-spl/internal/health"
	"github.com/teslashibe/go-spl/internal/meter"
	"github.com/teslashibe/go-spl/internal/mqtt"
)

// BrokerStats reports the publisher state; nil when readings go to stdout
type BrokerStats func() mqtt.Stats

// Server is the HTTP status server
type Server struct {
	app       *fiber.App
	cfg       *config.Config
	meter     *meter.Meter
	checker   *health.Checker
	broker    BrokerStats
	logger    *slog.Logger
	wsHub     *WSHub
	startTime time.Time
	version   string
}

// New creates a new HTTP server
func New(cfg *config.Config, m *meter.Meter, checker *health.Checker, broker BrokerStats, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if checker == nil {
		checker = health.NewChecker(version)
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-spl",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:       app,
		cfg:       cfg,
		meter:     m,
		checker:   checker,
		broker:    broker,
		logger:    logger,
		wsHub:     NewWSHub(m, logger),
		startTime: time.Now(),
		version:   version,
	}

	// Register routes
	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Metrics endpoint
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")

	// Level API
	api.Get("/level", s.levelHandler)
	api.Get("/level/stream", s.wsHub.UpgradeHandler())

	api.Get("/config", s.configHandler)
	api.Get("/stats", s.statsHandler)
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	s.checker.Refresh()
	return c.JSON(s.checker.GetStatus())
}

// levelHandler returns the latest reading
func (s *Server) levelHandler(c *fiber.Ctx) error {
	if s.meter == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "meter not available",
		})
	}

	result, ok := s.meter.Latest()
	if !ok {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "no reading yet",
		})
	}

	return c.JSON(result)
}

// configHandler returns the effective configuration without credentials
func (s *Server) configHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"capture": fiber.Map{
			"backend":      s.cfg.Capture.Backend,
			"device":       s.cfg.Capture.Device,
			"sample_rate":  s.cfg.Capture.SampleRate,
			"period_ms":    s.cfg.Capture.PeriodMs,
			"block_length": s.cfg.Capture.SampleRate / 1000 * s.cfg.Capture.PeriodMs,
			"max_failures": s.cfg.Capture.MaxFailures,
		},
		"level": fiber.Map{
			"k": s.cfg.Level.K,
		},
		"meter": fiber.Map{
			"device_name":  s.cfg.Meter.DeviceName,
			"mode":         s.cfg.Meter.Mode,
			"iterations":   s.cfg.Meter.Iterations,
			"peak_hold":    s.cfg.Meter.PeakHold,
			"publish_peak": s.cfg.Meter.PublishPeak,
		},
		"mqtt": fiber.Map{
			"enabled":      s.cfg.MQTT.Enabled,
			"host":         s.cfg.MQTT.Host,
			"port":         s.cfg.MQTT.Port,
			"client_id":    s.cfg.MQTT.ClientID,
			"qos":          s.cfg.MQTT.QoS,
			"topic_prefix": s.cfg.MQTT.TopicPrefix,
		},
		"server": fiber.Map{
			"port":             s.cfg.Server.Port,
			"read_timeout_ms":  s.cfg.Server.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.Server.WriteTimeout.Milliseconds(),
		},
	})
}

// statsHandler returns meter and publisher statistics
func (s *Server) statsHandler(c *fiber.Ctx) error {
	if s.meter == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "meter not available",
		})
	}

	resp := fiber.Map{
		"meter":             s.meter.Stats(),
		"websocket_clients": s.wsHub.ClientCount(),
	}
	if s.broker != nil {
		resp["mqtt"] = s.broker()
	}
	return c.JSON(resp)
}

// metricsHandler returns Prometheus-format metrics
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	if s.meter == nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString("# no meter available\n")
	}

	stats := s.meter.Stats()

	var mqttConnected, mqttFailed int64
	if s.broker != nil {
		b := s.broker()
		mqttConnected = int64(boolToInt(b.Connected))
		mqttFailed = b.Failed
	}

	metrics := fmt.Sprintf(`# HELP go_spl_level_db Last sound pressure level in dB
# TYPE go_spl_level_db gauge
%s
# HELP go_spl_peak_db Peak-hold sound pressure level in dB
# TYPE go_spl_peak_db gauge
%s
# HELP go_spl_readings_total Total published readings
# TYPE go_spl_readings_total counter
go_spl_readings_total %d

# HELP go_spl_short_reads_total Blocks skipped after a short read
# TYPE go_spl_short_reads_total counter
go_spl_short_reads_total %d

# HELP go_spl_recoveries_total Capture errors recovered by the device
# TYPE go_spl_recoveries_total counter
go_spl_recoveries_total %d

# HELP go_spl_capture_failures_total Unrecoverable capture errors
# TYPE go_spl_capture_failures_total counter
go_spl_capture_failures_total %d

# HELP go_spl_silent_blocks_total Blocks with zero RMS
# TYPE go_spl_silent_blocks_total counter
go_spl_silent_blocks_total %d

# HELP go_spl_publish_errors_total Readings the publisher rejected
# TYPE go_spl_publish_errors_total counter
go_spl_publish_errors_total %d

# HELP go_spl_mqtt_delivery_failures_total Publishes that failed after hand-off
# TYPE go_spl_mqtt_delivery_failures_total counter
go_spl_mqtt_delivery_failures_total %d

# HELP go_spl_mqtt_connected Broker connection (1=connected, 0=disconnected)
# TYPE go_spl_mqtt_connected gauge
go_spl_mqtt_connected %d

# HELP go_spl_avg_read_ms Average blocking read time in milliseconds
# TYPE go_spl_avg_read_ms gauge
go_spl_avg_read_ms %f

# HELP go_spl_source_healthy Capture source health (1=healthy, 0=unhealthy)
# TYPE go_spl_source_healthy gauge
go_spl_source_healthy %d

# HELP go_spl_uptime_seconds Server uptime in seconds
# TYPE go_spl_uptime_seconds gauge
go_spl_uptime_seconds %d

# HELP go_spl_websocket_clients Current WebSocket client count
# TYPE go_spl_websocket_clients gauge
go_spl_websocket_clients %d
`,
		gaugeSample("go_spl_level_db", stats.LastDB, stats.LastValid),
		gaugeSample("go_spl_peak_db", stats.Peak, stats.PeakValid),
		stats.Readings,
		stats.ShortReads,
		stats.Recoveries,
		stats.Failures,
		stats.Degenerate,
		stats.PublishErrors,
		mqttFailed,
		mqttConnected,
		stats.AvgReadMs,
		boolToInt(stats.SourceHealthy),
		int64(time.Since(s.startTime).Seconds()),
		s.wsHub.ClientCount(),
	)

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(metrics)
}

// gaugeSample renders one sample line, or nothing while the value is the
// silence sentinel or not measured yet
func gaugeSample(name string, value int, valid bool) string {
	if !valid {
		return ""
	}
	return fmt.Sprintf("%s %d\n", name, value)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Server.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

// WSHub returns the WebSocket hub
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close WebSocket hub
	s.wsHub.Close()

	// Shutdown Fiber with timeout from context
	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
