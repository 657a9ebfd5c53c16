// go-spl: sound pressure level meter
// Captures audio, converts block RMS to calibrated dB and publishes it over MQTT
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/teslashibe/go-spl/internal/capture"
	"github.com/teslashibe/go-spl/internal/config"
	"github.com/teslashibe/go-spl/internal/device"
	"github.com/teslashibe/go-spl/internal/health"
	"github.com/teslashibe/go-spl/internal/level"
	"github.com/teslashibe/go-spl/internal/meter"
	"github.com/teslashibe/go-spl/internal/mqtt"
	"github.com/teslashibe/go-spl/internal/server"
)

var version = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := config.Flags()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "go-spl: %v\n", err)
		return 2
	}

	if on, _ := fs.GetBool("version"); on {
		fmt.Printf("go-spl %s\n", version)
		return 0
	}

	if on, _ := fs.GetBool("list-devices"); on {
		return listDevices()
	}

	// Load configuration
	configPath, _ := fs.GetString("config")
	cfg, err := config.Load(configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "go-spl: %v\n", err)
		return 1
	}

	// Readings go to stdout in console mode, so logs move to stderr
	logOut := io.Writer(os.Stdout)
	if !cfg.MQTT.Enabled {
		logOut = os.Stderr
	}
	logger := setupLogger(cfg.Logging, logOut)

	logger.Info("starting go-spl",
		"version", version,
		"config", configPath,
		"backend", cfg.Capture.Backend,
	)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	qos, err := mqtt.QoS(cfg.MQTT.QoS)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	capCfg := capture.Config{
		Device:     cfg.Capture.Device,
		SampleRate: cfg.Capture.SampleRate,
		PeriodMs:   cfg.Capture.PeriodMs,
	}

	logger.Info("capture settings",
		"mqtt", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
		"device", capCfg.Device,
		"sample_rate", capCfg.SampleRate,
		"period_ms", capCfg.PeriodMs,
		"buf_size", capCfg.BlockLength(),
	)

	estimator, err := level.NewEstimator(cfg.Level.K)
	if err != nil {
		logger.Error("invalid calibration", "error", err)
		return 1
	}

	// Open the capture device; no fallback to other parameters or backends
	dev, err := device.Open(cfg.Capture.Backend, capCfg, logger)
	if err != nil {
		logger.Error("failed to open capture device", "error", err)
		return 1
	}

	source, err := capture.NewSource(dev, capCfg, logger)
	if err != nil {
		logger.Error("failed to open capture device", "error", err)
		return 1
	}
	defer source.Close()

	// Create root context, cancelled on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Closing the source ends a read stalled in the driver
	stopClose := context.AfterFunc(ctx, func() { source.Close() })
	defer stopClose()

	checker := health.NewChecker(version)
	checker.Register(health.ComponentCapture, func() (bool, string) {
		if source.Healthy() {
			return true, source.Name()
		}
		return false, "capture device unhealthy"
	})

	// Publisher: MQTT broker or stdout
	var (
		publisher meter.Publisher
		broker    server.BrokerStats
	)

	if cfg.MQTT.Enabled {
		client := mqtt.New(mqtt.Config{
			Host:                 cfg.MQTT.Host,
			Port:                 cfg.MQTT.Port,
			ClientID:             cfg.MQTT.ClientID,
			Username:             cfg.MQTT.Username,
			Password:             cfg.MQTT.Password,
			QoS:                  qos,
			KeepAlive:            cfg.MQTT.KeepAlive,
			ConnectTimeout:       cfg.MQTT.ConnectTimeout,
			MaxReconnectInterval: cfg.MQTT.MaxReconnectInterval,
			PublishTimeout:       cfg.MQTT.PublishTimeout,
			TopicPrefix:          cfg.MQTT.TopicPrefix,
		}, logger)

		if err := client.Connect(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return 0
			}
			logger.Error("mqtt connect failed", "error", err)
			return 1
		}
		defer client.Close()

		checker.Register(health.ComponentMQTT, func() (bool, string) {
			if client.IsConnected() {
				return true, client.Stats().Broker
			}
			return false, "broker disconnected"
		})

		publisher = client
		broker = client.Stats
	} else {
		console := meter.NewConsolePublisher(os.Stdout)
		console.Verbose = cfg.Logging.Level == "debug"
		publisher = console
	}

	// The console run always reports the held peak next to each reading
	publishPeak := cfg.Meter.PublishPeak || !cfg.MQTT.Enabled

	mode := meter.ModeContinuous
	if cfg.Meter.Mode == string(meter.ModeBounded) {
		mode = meter.ModeBounded
	}

	m := meter.New(source, estimator, publisher, meter.Config{
		DeviceName:     cfg.Meter.DeviceName,
		Mode:           mode,
		Iterations:     cfg.Meter.Iterations,
		MaxFailures:    cfg.Capture.MaxFailures,
		FailureBackoff: cfg.Capture.FailureBackoff,
		MaxBackoff:     cfg.Capture.MaxBackoff,
		PeakHold:       cfg.Meter.PeakHold,
		PublishPeak:    publishPeak,
	}, logger)

	go checker.Watch(ctx, 5*time.Second)

	// Optional status server
	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(cfg, m, checker, broker, logger, version)

		// Start WebSocket hub in background
		go srv.WSHub().Run(ctx)

		// Start server in background
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("server error", "error", err)
				cancel()
			}
		}()
	}

	// The meter runs on the main goroutine; a signal cancels ctx and closes
	// the source, which interrupts the read in progress.
	runErr := m.Run(ctx)

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(
			context.Background(),
			cfg.Server.GracefulTimeout,
		)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
	}

	m.Stop()

	switch {
	case runErr == nil, errors.Is(runErr, context.Canceled):
		logger.Info("go-spl stopped")
		return 0
	default:
		logger.Error("go-spl stopped", "error", runErr)
		return 1
	}
}

func listDevices() int {
	devices, err := device.ListInputDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go-spl: %v\n", err)
		return 1
	}

	for _, d := range devices {
		fmt.Printf("%-40s %-12s channels=%d rate=%.0f\n",
			d.Name, d.HostAPI, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return 0
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
