package device

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/teslashibe/go-spl/internal/capture"
)

// DefaultDevice selects the host's default input device
const DefaultDevice = "default"

// PortAudio captures from an input device through PortAudio (ALSA on Linux).
// The stream is opened in blocking mode with one block per buffer, so every
// Read returns after roughly one period.
type PortAudio struct {
	logger *slog.Logger
	device string
	stream *portaudio.Stream
	in     []int16

	// readMu is held across the blocking stream read and by Recover
	readMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// OpenPortAudio opens and starts a mono S16 input stream
func OpenPortAudio(cfg capture.Config, logger *slog.Logger) (*PortAudio, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, capture.NewError(capture.KindOpenFailed, "open", cfg.Device, err)
	}

	info, err := findInputDevice(cfg.Device)
	if err != nil {
		portaudio.Terminate()
		return nil, capture.NewError(capture.KindOpenFailed, "open", cfg.Device, err)
	}

	in := make([]int16, cfg.BlockLength())
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: capture.Channels,
			Latency:  time.Duration(cfg.PeriodMs) * time.Millisecond,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: len(in),
	}

	if err := portaudio.IsFormatSupported(params, in); err != nil {
		portaudio.Terminate()
		return nil, capture.NewError(capture.KindParamsRejected, "set params", cfg.Device, err)
	}

	stream, err := portaudio.OpenStream(params, in)
	if err != nil {
		portaudio.Terminate()
		return nil, capture.NewError(capture.KindParamsRejected, "set params", cfg.Device, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, capture.NewError(capture.KindOpenFailed, "start", cfg.Device, err)
	}

	logger.Info("portaudio input opened",
		"device", info.Name,
		"host_api", hostAPIName(info),
		"sample_rate", cfg.SampleRate,
		"frames_per_buffer", len(in),
	)

	return &PortAudio{
		logger: logger,
		device: info.Name,
		stream: stream,
		in:     in,
	}, nil
}

// Read blocks for one buffer and copies it into buf
func (p *PortAudio) Read(buf []int16) (int, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	if p.isClosed() {
		return 0, capture.ErrClosed
	}

	err := p.stream.Read()
	if p.isClosed() {
		return 0, capture.ErrClosed
	}
	if err != nil {
		return 0, err
	}

	return copy(buf, p.in), nil
}

func (p *PortAudio) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Recover restarts the stream. An input overflow leaves the stream running,
// so nothing has to be done for it.
func (p *PortAudio) Recover(err error) error {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	if p.isClosed() {
		return capture.ErrClosed
	}

	if errors.Is(err, portaudio.InputOverflowed) {
		return nil
	}

	p.logger.Debug("restarting portaudio stream", "device", p.device, "error", err)

	if serr := p.stream.Stop(); serr != nil {
		p.logger.Debug("portaudio stop failed", "error", serr)
	}
	if serr := p.stream.Start(); serr != nil {
		return fmt.Errorf("restart stream: %w", serr)
	}
	return nil
}

// Close aborts the stream, which ends a blocked Read, then releases it and
// terminates PortAudio
func (p *PortAudio) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.stream.Abort(); err != nil {
		p.logger.Debug("portaudio abort failed", "device", p.device, "error", err)
	}

	// The stream may only be freed once the reader has left it
	p.readMu.Lock()
	defer p.readMu.Unlock()

	var errs []error
	if err := p.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Name returns the driver name
func (p *PortAudio) Name() string {
	return BackendPortAudio
}

// InputDevice describes a capture-capable device
type InputDevice struct {
	Name              string  `json:"name"`
	HostAPI           string  `json:"host_api"`
	MaxInputChannels  int     `json:"max_input_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
}

// ListInputDevices returns all devices with at least one input channel
func ListInputDevices() ([]InputDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var devices []InputDevice
	for _, info := range infos {
		if info.MaxInputChannels < 1 {
			continue
		}
		devices = append(devices, InputDevice{
			Name:              info.Name,
			HostAPI:           hostAPIName(info),
			MaxInputChannels:  info.MaxInputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
		})
	}
	return devices, nil
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" || name == DefaultDevice {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default input device: %w", err)
		}
		return info, nil
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.MaxInputChannels < 1 {
			continue
		}
		names = append(names, info.Name)
	}

	idx := matchDevice(names, name)
	if idx < 0 {
		return nil, fmt.Errorf("input device %q not found", name)
	}

	for _, info := range infos {
		if info.Name == names[idx] && info.MaxInputChannels >= 1 {
			return info, nil
		}
	}
	return nil, fmt.Errorf("input device %q not found", name)
}

// matchDevice prefers an exact name, then a name containing the wanted
// identifier (PortAudio's ALSA names embed it, e.g. "USB Audio: - (hw:1,0)").
func matchDevice(names []string, want string) int {
	for i, n := range names {
		if n == want {
			return i
		}
	}
	for i, n := range names {
		if strings.Contains(n, want) {
			return i
		}
	}
	return -1
}

func hostAPIName(info *portaudio.DeviceInfo) string {
	if info.HostApi == nil {
		return ""
	}
	return info.HostApi.Name
}
