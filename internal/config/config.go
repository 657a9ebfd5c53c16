// Package config provides configuration management for go-spl
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. GOSPL_MQTT_HOST
const EnvPrefix = "GOSPL"

// ErrInvalid is wrapped by every configuration error
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration structure
type Config struct {
	Capture CaptureConfig `mapstructure:"capture"`
	Level   LevelConfig   `mapstructure:"level"`
	Meter   MeterConfig   `mapstructure:"meter"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CaptureConfig configures the audio input
type CaptureConfig struct {
	Backend        string        `mapstructure:"backend" validate:"oneof=portaudio arecord mock"`
	Device         string        `mapstructure:"device" validate:"required"`
	SampleRate     int           `mapstructure:"sample_rate" validate:"min=1000,max=384000"`
	PeriodMs       int           `mapstructure:"period_ms" validate:"min=1,max=60000"`
	MaxFailures    int           `mapstructure:"max_failures" validate:"min=0"`
	FailureBackoff time.Duration `mapstructure:"failure_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
}

// LevelConfig configures the dB estimation
type LevelConfig struct {
	// K maps sample amplitude to pressure relative to 20 µPa
	K float64 `mapstructure:"k" validate:"gt=0"`
}

// MeterConfig configures the measurement loop
type MeterConfig struct {
	DeviceName  string `mapstructure:"device_name" validate:"required"`
	Mode        string `mapstructure:"mode" validate:"oneof=continuous bounded"`
	Iterations  int    `mapstructure:"iterations" validate:"min=1"`
	PeakHold    bool   `mapstructure:"peak_hold"`
	PublishPeak bool   `mapstructure:"publish_peak"`
}

// MQTTConfig configures the broker connection. When disabled, readings are
// printed to stdout instead.
type MQTTConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Host                 string        `mapstructure:"host" validate:"required_if=Enabled true"`
	Port                 int           `mapstructure:"port" validate:"min=1,max=65535"`
	ClientID             string        `mapstructure:"client_id" validate:"required,max=128"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	QoS                  int           `mapstructure:"qos" validate:"min=0,max=2"`
	TopicPrefix          string        `mapstructure:"topic_prefix"`
	KeepAlive            time.Duration `mapstructure:"keep_alive" validate:"gte=0"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout" validate:"gte=0"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval" validate:"gte=0"`
	PublishTimeout       time.Duration `mapstructure:"publish_timeout" validate:"gte=0"`
}

// ServerConfig configures the optional HTTP status server
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Backend:        "portaudio",
			Device:         "default",
			SampleRate:     16000,
			PeriodMs:       500,
			MaxFailures:    3,
			FailureBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Level: LevelConfig{
			K: 0.45255,
		},
		Meter: MeterConfig{
			DeviceName: "Sound level meter",
			Mode:       "continuous",
			Iterations: 50,
			PeakHold:   true,
		},
		MQTT: MQTTConfig{
			Enabled:              true,
			Host:                 "localhost",
			Port:                 1883,
			ClientID:             "wb-spl-meter",
			KeepAlive:            60 * time.Second,
			ConnectTimeout:       10 * time.Second,
			MaxReconnectInterval: time.Minute,
			PublishTimeout:       5 * time.Second,
		},
		Server: ServerConfig{
			Enabled:         false,
			Port:            9100,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// legacyKeys maps the flat keys of the v1 JSON file onto structured keys
var legacyKeys = map[string]string{
	"device_name": "meter.device_name",
	"alsa_device": "capture.device",
	"sample_rate": "capture.sample_rate",
	"period":      "capture.period_ms",
	"k":           "level.k",
}

// flagKeys maps command line flags onto configuration keys
var flagKeys = map[string]string{
	"mqtt-host":  "mqtt.host",
	"mqtt-port":  "mqtt.port",
	"client-id":  "mqtt.client_id",
	"device":     "capture.device",
	"rate":       "capture.sample_rate",
	"period":     "capture.period_ms",
	"k":          "level.k",
	"iterations": "meter.iterations",
	"backend":    "capture.backend",
	"http-port":  "server.port",
}

// Flags returns the command line flags understood by Load. The short letters
// follow the v1 daemon: -c config, -h host, -p port, -d device,
// -r rate, -t period.
func Flags() *pflag.FlagSet {
	d := Default()

	fs := pflag.NewFlagSet("go-spl", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringP("config", "c", "", "config file (yaml or json)")
	fs.StringP("mqtt-host", "h", d.MQTT.Host, "mqtt broker host")
	fs.IntP("mqtt-port", "p", d.MQTT.Port, "mqtt broker port")
	fs.String("client-id", d.MQTT.ClientID, "mqtt client id, also the device id in topics")
	fs.StringP("device", "d", d.Capture.Device, "capture device")
	fs.IntP("rate", "r", d.Capture.SampleRate, "sample rate in Hz")
	fs.IntP("period", "t", d.Capture.PeriodMs, "integration period in ms")
	fs.Float64("k", d.Level.K, "calibration constant")
	fs.IntP("iterations", "n", d.Meter.Iterations, "run this many iterations, then exit")
	fs.String("backend", d.Capture.Backend, "capture backend: portaudio, arecord or mock")
	fs.Int("http-port", d.Server.Port, "enable the status server on this port")
	fs.Bool("console", false, "print readings to stdout instead of publishing")
	fs.Bool("mock", false, "use the synthetic capture device")
	fs.Bool("debug", false, "enable debug logging")
	fs.Bool("list-devices", false, "list capture devices and exit")
	fs.Bool("version", false, "print version and exit")

	return fs
}

// Load builds the configuration from defaults, the config file at path,
// GOSPL_* environment variables and the parsed flags, in increasing order of
// precedence. An empty path skips the file; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			v.SetConfigType("json")
		default:
			v.SetConfigType("yaml")
		}

		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: config file %s not found", ErrInvalid, path)
			}
			return nil, fmt.Errorf("%w: read %s: %w", ErrInvalid, path, err)
		}

		applyLegacyKeys(v)
	}

	// Environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Command line overrides
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if flags != nil {
		applyFlagSwitches(&cfg, flags)
	}

	return &cfg, nil
}

// applyLegacyKeys turns flat keys of the v1 file format into defaults
// for the structured keys, so env and flags still override them.
func applyLegacyKeys(v *viper.Viper) {
	for legacy, key := range legacyKeys {
		if v.InConfig(legacy) && !v.InConfig(key) {
			v.SetDefault(key, v.Get(legacy))
		}
	}
}

func applyFlagSwitches(cfg *Config, flags *pflag.FlagSet) {
	if flags.Changed("iterations") {
		cfg.Meter.Mode = "bounded"
	}
	if on, _ := flags.GetBool("mock"); on {
		cfg.Capture.Backend = "mock"
	}
	if on, _ := flags.GetBool("console"); on {
		cfg.MQTT.Enabled = false
	}
	if on, _ := flags.GetBool("debug"); on {
		cfg.Logging.Level = "debug"
	}
	if flags.Changed("http-port") {
		cfg.Server.Enabled = true
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Capture defaults
	v.SetDefault("capture.backend", d.Capture.Backend)
	v.SetDefault("capture.device", d.Capture.Device)
	v.SetDefault("capture.sample_rate", d.Capture.SampleRate)
	v.SetDefault("capture.period_ms", d.Capture.PeriodMs)
	v.SetDefault("capture.max_failures", d.Capture.MaxFailures)
	v.SetDefault("capture.failure_backoff", d.Capture.FailureBackoff.String())
	v.SetDefault("capture.max_backoff", d.Capture.MaxBackoff.String())

	v.SetDefault("level.k", d.Level.K)

	// Meter defaults
	v.SetDefault("meter.device_name", d.Meter.DeviceName)
	v.SetDefault("meter.mode", d.Meter.Mode)
	v.SetDefault("meter.iterations", d.Meter.Iterations)
	v.SetDefault("meter.peak_hold", d.Meter.PeakHold)
	v.SetDefault("meter.publish_peak", d.Meter.PublishPeak)

	// MQTT defaults
	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.host", d.MQTT.Host)
	v.SetDefault("mqtt.port", d.MQTT.Port)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
	v.SetDefault("mqtt.topic_prefix", "")
	v.SetDefault("mqtt.keep_alive", d.MQTT.KeepAlive.String())
	v.SetDefault("mqtt.connect_timeout", d.MQTT.ConnectTimeout.String())
	v.SetDefault("mqtt.max_reconnect_interval", d.MQTT.MaxReconnectInterval.String())
	v.SetDefault("mqtt.publish_timeout", d.MQTT.PublishTimeout.String())

	// Server defaults
	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout.String())
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout.String())
	v.SetDefault("server.graceful_timeout", d.Server.GracefulTimeout.String())

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// validate is the shared validator instance
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Use config key names in error messages instead of struct field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
}

// FieldError is one invalid setting
type FieldError struct {
	Field   string `json:"field"`   // config key, e.g. "capture.sample_rate"
	Message string `json:"message"` // Human-readable error message
	Value   any    `json:"value"`
}

// ValidationError collects every invalid setting
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

// Add adds a field error to the collection
func (v *ValidationError) Add(field, message string, value any) {
	v.Errors = append(v.Errors, FieldError{Field: field, Message: message, Value: value})
}

func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		parts = append(parts, e.Field+" "+e.Message)
	}
	return ErrInvalid.Error() + ": " + strings.Join(parts, "; ")
}

// Unwrap makes errors.Is(err, ErrInvalid) hold
func (v *ValidationError) Unwrap() error {
	return ErrInvalid
}

// Validate validates the configuration
func (c *Config) Validate() error {
	verr := &ValidationError{}

	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		for _, e := range validationErrors {
			verr.Add(fieldPath(e.Namespace()), formatValidationMessage(e), e.Value())
		}
	}

	if c.Capture.SampleRate/1000*c.Capture.PeriodMs < 1 {
		verr.Add("capture.period_ms", "yields an empty block at this sample rate", c.Capture.PeriodMs)
	}
	if math.IsInf(c.Level.K, 0) || math.IsNaN(c.Level.K) {
		verr.Add("level.k", "must be finite", c.Level.K)
	}

	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}

// fieldPath strips the root type name: "Config.capture.device" -> "capture.device"
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

// formatValidationMessage creates a human-readable message from a validator error
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_if":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
