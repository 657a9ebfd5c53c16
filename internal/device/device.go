// Package device provides capture drivers for the sound level meter
package device

import (
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-spl/internal/capture"
)

// Capture backends
const (
	BackendPortAudio = "portaudio"
	BackendArecord   = "arecord"
	BackendMock      = "mock"
)

// Backends lists the accepted backend names
var Backends = []string{BackendPortAudio, BackendArecord, BackendMock}

// Open opens the capture device for the given backend.
// Open and negotiation failures are returned as *capture.Error and are not
// retried with other parameters or backends.
func Open(backend string, cfg capture.Config, logger *slog.Logger) (capture.Device, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch backend {
	case BackendPortAudio, "":
		return OpenPortAudio(cfg, logger)
	case BackendArecord:
		return OpenArecord(cfg, DefaultArecordCommand, logger)
	case BackendMock:
		logger.Warn("using mock capture device - readings are synthetic")
		return NewMockWithWave(cfg), nil
	default:
		return nil, capture.NewError(capture.KindOpenFailed, "open", cfg.Device,
			fmt.Errorf("unknown capture backend %q", backend))
	}
}
