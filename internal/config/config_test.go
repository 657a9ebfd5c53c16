package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Capture.Device != "default" {
		t.Errorf("expected device default, got %s", cfg.Capture.Device)
	}

	if cfg.Capture.SampleRate != 16000 {
		t.Errorf("expected sample_rate 16000, got %d", cfg.Capture.SampleRate)
	}

	if cfg.Capture.PeriodMs != 500 {
		t.Errorf("expected period_ms 500, got %d", cfg.Capture.PeriodMs)
	}

	if cfg.Level.K != 0.45255 {
		t.Errorf("expected k 0.45255, got %f", cfg.Level.K)
	}

	if cfg.MQTT.ClientID != "wb-spl-meter" {
		t.Errorf("expected client_id wb-spl-meter, got %s", cfg.MQTT.ClientID)
	}

	if cfg.Meter.DeviceName != "Sound level meter" {
		t.Errorf("expected device_name 'Sound level meter', got %s", cfg.Meter.DeviceName)
	}

	if cfg.Meter.Mode != "continuous" {
		t.Errorf("expected mode continuous, got %s", cfg.Meter.Mode)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MQTT.Port != 1883 {
		t.Errorf("expected default port 1883, got %d", cfg.MQTT.Port)
	}

	if cfg.Capture.FailureBackoff != 500*time.Millisecond {
		t.Errorf("expected failure_backoff 500ms, got %v", cfg.Capture.FailureBackoff)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml", nil)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_WithFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
capture:
  backend: arecord
  device: hw:1,0
  sample_rate: 48000
  period_ms: 250
level:
  k: 0.5
meter:
  device_name: Workshop
  publish_peak: true
mqtt:
  host: broker.local
  qos: 2
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Capture.Backend != "arecord" {
		t.Errorf("expected backend arecord, got %s", cfg.Capture.Backend)
	}

	if cfg.Capture.Device != "hw:1,0" {
		t.Errorf("expected device hw:1,0, got %s", cfg.Capture.Device)
	}

	if cfg.Capture.SampleRate != 48000 {
		t.Errorf("expected sample_rate 48000, got %d", cfg.Capture.SampleRate)
	}

	if cfg.Level.K != 0.5 {
		t.Errorf("expected k 0.5, got %f", cfg.Level.K)
	}

	if !cfg.Meter.PublishPeak {
		t.Error("expected publish_peak true")
	}

	if cfg.MQTT.Host != "broker.local" || cfg.MQTT.QoS != 2 {
		t.Errorf("unexpected mqtt config %+v", cfg.MQTT)
	}

	// untouched keys keep their defaults
	if cfg.MQTT.ClientID != "wb-spl-meter" {
		t.Errorf("expected default client_id, got %s", cfg.MQTT.ClientID)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoad_LegacyJSON(t *testing.T) {
	path := writeFile(t, "wb-mqtt-spl-meter.json", `{
	"device_name": "Noise sensor",
	"alsa_device": "hw:0,0",
	"sample_rate": 44100,
	"period": 1000,
	"k": 0.3
}`)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Meter.DeviceName != "Noise sensor" {
		t.Errorf("expected device_name from legacy key, got %s", cfg.Meter.DeviceName)
	}
	if cfg.Capture.Device != "hw:0,0" {
		t.Errorf("expected device from alsa_device, got %s", cfg.Capture.Device)
	}
	if cfg.Capture.SampleRate != 44100 {
		t.Errorf("expected sample_rate 44100, got %d", cfg.Capture.SampleRate)
	}
	if cfg.Capture.PeriodMs != 1000 {
		t.Errorf("expected period_ms 1000, got %d", cfg.Capture.PeriodMs)
	}
	if cfg.Level.K != 0.3 {
		t.Errorf("expected k 0.3, got %f", cfg.Level.K)
	}
}

func TestLoad_StructuredKeyWinsOverLegacy(t *testing.T) {
	path := writeFile(t, "config.json", `{
	"alsa_device": "hw:0,0",
	"capture": {"device": "hw:2,0"}
}`)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Capture.Device != "hw:2,0" {
		t.Errorf("expected structured key to win, got %s", cfg.Capture.Device)
	}
}

func TestLoad_Malformed(t *testing.T) {
	path := writeFile(t, "config.json", `{"sample_rate": `)

	if _, err := Load(path, nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("GOSPL_MQTT_HOST", "10.0.0.5")
	t.Setenv("GOSPL_CAPTURE_SAMPLE_RATE", "22050")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MQTT.Host != "10.0.0.5" {
		t.Errorf("expected host from env, got %s", cfg.MQTT.Host)
	}
	if cfg.Capture.SampleRate != 22050 {
		t.Errorf("expected sample_rate 22050 from env, got %d", cfg.Capture.SampleRate)
	}
}

func TestLoad_EnvOverridesLegacyFile(t *testing.T) {
	path := writeFile(t, "config.json", `{"alsa_device": "hw:0,0"}`)
	t.Setenv("GOSPL_CAPTURE_DEVICE", "hw:3,0")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Capture.Device != "hw:3,0" {
		t.Errorf("expected env to win, got %s", cfg.Capture.Device)
	}
}

func TestLoad_Flags(t *testing.T) {
	path := writeFile(t, "config.yaml", `
mqtt:
  host: from-file
capture:
  sample_rate: 48000
`)
	t.Setenv("GOSPL_MQTT_PORT", "1999")

	fs := Flags()
	err := fs.Parse([]string{"-h", "from-flag", "-r", "8000", "-t", "100", "-d", "hw:1,0"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg, err := Load(path, fs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MQTT.Host != "from-flag" {
		t.Errorf("expected host from flag, got %s", cfg.MQTT.Host)
	}
	if cfg.MQTT.Port != 1999 {
		t.Errorf("expected port from env when flag not set, got %d", cfg.MQTT.Port)
	}
	if cfg.Capture.SampleRate != 8000 {
		t.Errorf("expected rate from flag, got %d", cfg.Capture.SampleRate)
	}
	if cfg.Capture.PeriodMs != 100 {
		t.Errorf("expected period from flag, got %d", cfg.Capture.PeriodMs)
	}
	if cfg.Capture.Device != "hw:1,0" {
		t.Errorf("expected device from flag, got %s", cfg.Capture.Device)
	}
	if cfg.Meter.Mode != "continuous" {
		t.Errorf("expected continuous mode, got %s", cfg.Meter.Mode)
	}
}

func TestLoad_FlagSwitches(t *testing.T) {
	fs := Flags()
	err := fs.Parse([]string{"-n", "50", "--mock", "--console", "--debug", "--http-port", "9200"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg, err := Load("", fs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Meter.Mode != "bounded" || cfg.Meter.Iterations != 50 {
		t.Errorf("expected bounded mode with 50 iterations, got %s/%d", cfg.Meter.Mode, cfg.Meter.Iterations)
	}
	if cfg.Capture.Backend != "mock" {
		t.Errorf("expected mock backend, got %s", cfg.Capture.Backend)
	}
	if cfg.MQTT.Enabled {
		t.Error("expected mqtt disabled with --console")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug logging, got %s", cfg.Logging.Level)
	}
	if !cfg.Server.Enabled || cfg.Server.Port != 9200 {
		t.Errorf("expected server enabled on 9200, got %v/%d", cfg.Server.Enabled, cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantField string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:      "empty device",
			modify:    func(c *Config) { c.Capture.Device = "" },
			wantField: "capture.device",
		},
		{
			name:      "unknown backend",
			modify:    func(c *Config) { c.Capture.Backend = "jack" },
			wantField: "capture.backend",
		},
		{
			name:      "sample rate too low",
			modify:    func(c *Config) { c.Capture.SampleRate = 0 },
			wantField: "capture.sample_rate",
		},
		{
			name:      "empty block",
			modify:    func(c *Config) { c.Capture.SampleRate = 1000; c.Capture.PeriodMs = 0 },
			wantField: "capture.period_ms",
		},
		{
			name:      "non-positive k",
			modify:    func(c *Config) { c.Level.K = 0 },
			wantField: "level.k",
		},
		{
			name:      "invalid mode",
			modify:    func(c *Config) { c.Meter.Mode = "forever" },
			wantField: "meter.mode",
		},
		{
			name:      "invalid port too high",
			modify:    func(c *Config) { c.MQTT.Port = 70000 },
			wantField: "mqtt.port",
		},
		{
			name:      "invalid qos",
			modify:    func(c *Config) { c.MQTT.QoS = 3 },
			wantField: "mqtt.qos",
		},
		{
			name:      "host required when enabled",
			modify:    func(c *Config) { c.MQTT.Host = "" },
			wantField: "mqtt.host",
		},
		{
			name:   "host optional when disabled",
			modify: func(c *Config) { c.MQTT.Host = ""; c.MQTT.Enabled = false },
		},
		{
			name:      "invalid log level",
			modify:    func(c *Config) { c.Logging.Level = "verbose" },
			wantField: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Error("expected error to wrap ErrInvalid")
			}

			found := false
			for _, fe := range verr.Errors {
				if fe.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error for %s, got %v", tt.wantField, verr.Errors)
			}
		})
	}
}

func TestValidationError_Message(t *testing.T) {
	cfg := Default()
	cfg.Capture.SampleRate = 100
	cfg.Meter.Mode = "forever"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}

	msg := err.Error()
	for _, want := range []string{
		"capture.sample_rate must be at least 1000",
		"meter.mode must be one of: continuous bounded",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}

func TestServerConfig_Timeouts(t *testing.T) {
	cfg := Default()

	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Server.ReadTimeout)
	}

	if cfg.Server.WriteTimeout != 10*time.Second {
		t.Errorf("expected write_timeout 10s, got %v", cfg.Server.WriteTimeout)
	}

	if cfg.Server.GracefulTimeout != 5*time.Second {
		t.Errorf("expected graceful_timeout 5s, got %v", cfg.Server.GracefulTimeout)
	}
}
