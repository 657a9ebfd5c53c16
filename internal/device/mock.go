package device

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/go-spl/internal/capture"
)

// ErrMockOverrun is the error injected by Mock.InjectOverrun
var ErrMockOverrun = errors.New("mock overrun")

// MockTone is the frequency of the synthetic signal in Hz
const MockTone = 1000.0

// Mock is a synthetic capture device for testing without hardware
type Mock struct {
	mu           sync.Mutex
	sampleRate   int
	period       time.Duration
	amplitude    float64
	simulateWave bool
	pace         bool
	phase        int
	startTime    time.Time
	overruns     int
	shortNext    int
	closed       bool
	done         chan struct{}
	reads        int
}

// NewMock creates a mock producing a constant-amplitude 1 kHz tone.
// Reads return immediately.
func NewMock(cfg capture.Config) *Mock {
	return &Mock{
		sampleRate: cfg.SampleRate,
		period:     time.Duration(cfg.PeriodMs) * time.Millisecond,
		amplitude:  1000,
		startTime:  time.Now(),
		done:       make(chan struct{}),
	}
}

// NewMockWithWave creates a paced mock whose amplitude swells and fades
// between quiet and loud over a few seconds
func NewMockWithWave(cfg capture.Config) *Mock {
	m := NewMock(cfg)
	m.simulateWave = true
	m.pace = true
	return m
}

// Read fills buf with one block of the synthetic signal
func (m *Mock) Read(buf []int16) (int, error) {
	m.mu.Lock()
	pace := m.pace
	period := m.period
	m.mu.Unlock()

	if pace {
		select {
		case <-time.After(period):
		case <-m.done:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, capture.ErrClosed
	}

	m.reads++

	if m.overruns > 0 {
		m.overruns--
		return 0, ErrMockOverrun
	}

	frames := len(buf)
	if m.shortNext > 0 {
		frames = min(m.shortNext, len(buf))
		m.shortNext = 0
	}

	amp := m.amplitude
	if m.simulateWave {
		elapsed := time.Since(m.startTime).Seconds()
		amp = m.amplitude * (1.5 + math.Sin(elapsed)) // 0.5x to 2.5x
	}

	step := 2 * math.Pi * MockTone / float64(m.sampleRate)
	for i := 0; i < frames; i++ {
		v := amp * math.Sin(step*float64(m.phase))
		buf[i] = int16(max(min(v, math.MaxInt16), math.MinInt16))
		m.phase++
	}

	return frames, nil
}

// Recover always succeeds unless the mock was closed
func (m *Mock) Recover(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return capture.ErrClosed
	}
	return nil
}

// Close marks the mock closed and ends a paced Read early
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Name returns the driver name
func (m *Mock) Name() string {
	return BackendMock
}

// SetAmplitude sets the peak sample value of the tone
func (m *Mock) SetAmplitude(amplitude float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.amplitude = amplitude
}

// SetPacing makes Read sleep one period before returning
func (m *Mock) SetPacing(pace bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pace = pace
}

// InjectOverrun makes the next n reads fail with ErrMockOverrun
func (m *Mock) InjectOverrun(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overruns += n
}

// InjectShortRead makes the next read return only frames samples
func (m *Mock) InjectShortRead(frames int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shortNext = frames
}

// Reads returns the number of Read calls made
func (m *Mock) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}
