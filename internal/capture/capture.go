// Package capture provides fixed-size block capture from a single audio input device
package capture

import "fmt"

// Channels is the only channel count supported (mono)
const Channels = 1

// Config describes how the capture device is opened.
// It is created once at startup and never modified afterwards.
type Config struct {
	Device     string // Device identifier (e.g. "default", "hw:1,0", PortAudio device name)
	SampleRate int    // Sample rate in Hz
	PeriodMs   int    // Integration period in milliseconds
}

// BlockLength returns the number of frames per block: sample_rate/1000*period_ms.
// Integer division is intentional and matches the driver period negotiation.
func (c Config) BlockLength() int {
	return c.SampleRate / 1000 * c.PeriodMs
}

// PeriodMicros returns the period in microseconds, the unit ALSA negotiates latency in
func (c Config) PeriodMicros() int {
	return c.PeriodMs * 1000
}

// Check reports whether the config can produce a non-empty block
func (c Config) Check() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.PeriodMs <= 0 {
		return fmt.Errorf("period must be positive, got %d", c.PeriodMs)
	}
	if c.BlockLength() < 1 {
		return fmt.Errorf("block length is zero for %d Hz / %d ms", c.SampleRate, c.PeriodMs)
	}
	return nil
}

// Device is the driver boundary. Implementations wrap one opened input stream
// configured for signed 16-bit little-endian, interleaved, mono samples.
type Device interface {
	// Read blocks until up to len(buf) frames are captured and returns the
	// number of frames written. A negative device status is returned as an error.
	Read(buf []int16) (int, error)

	// Recover runs the driver's stream recovery for an error returned by Read.
	// A nil result means the stream is running again.
	Recover(err error) error

	// Close releases the device. It must be safe to call more than once and
	// concurrently with a blocked Read, which it makes return promptly.
	Close() error

	// Name returns the driver name
	Name() string
}
