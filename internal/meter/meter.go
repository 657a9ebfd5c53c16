// Package meter drives capture, level estimation and publishing in lockstep.
package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/teslashibe/go-spl/internal/capture"
	"github.com/teslashibe/go-spl/internal/level"
)

// Mode selects how long the loop runs
type Mode string

const (
	ModeContinuous Mode = "continuous"
	ModeBounded    Mode = "bounded"
)

// State is the loop state
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateEstimating
	StatePublishing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateEstimating:
		return "estimating"
	case StatePublishing:
		return "publishing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateStopped; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown meter state %q", text)
}

// ErrCaptureFailed wraps the last capture error once the failure budget is spent
var ErrCaptureFailed = errors.New("capture failed")

// Config configures the measurement loop
type Config struct {
	DeviceName string
	Mode       Mode
	Iterations int // read attempts in bounded mode

	// MaxFailures is the number of consecutive unrecoverable capture errors
	// retried before Run gives up. 0 gives up on the first one.
	MaxFailures    int
	FailureBackoff time.Duration
	MaxBackoff     time.Duration

	PeakHold    bool
	PublishPeak bool
}

// DefaultConfig returns the continuous-mode defaults
func DefaultConfig() Config {
	return Config{
		DeviceName:     "Sound level meter",
		Mode:           ModeContinuous,
		Iterations:     50,
		MaxFailures:    3,
		FailureBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		PeakHold:       true,
	}
}

// Source is the capture side of the loop. *capture.Source implements it.
type Source interface {
	ReadBlock() (int, error)
	Block() []int16
	BlockLength() int
	Healthy() bool
	Name() string
}

// Result is one published reading
type Result struct {
	level.Reading

	Seq       int64     `json:"seq"`
	Peak      int       `json:"peak"`
	PeakValid bool      `json:"peak_valid"`
	ReadMs    int64     `json:"read_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Meter is the measurement loop
type Meter struct {
	source    Source
	estimator *level.Estimator
	publisher Publisher
	cfg       Config
	logger    *slog.Logger

	mu        sync.RWMutex
	state     State
	latest    Result
	hasLatest bool
	peak      *level.PeakHold

	// Metrics
	iterations    int64
	readings      int64
	shortReads    int64
	recoveries    int64
	failures      int64
	degenerate    int64
	publishErrors int64
	totalReadMs   int64

	// Lifecycle
	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	// Subscribers for real-time updates
	subsMu sync.RWMutex
	subs   map[chan Result]struct{}
}

// New creates a measurement loop
func New(source Source, estimator *level.Estimator, publisher Publisher, cfg Config, logger *slog.Logger) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBackoff < cfg.FailureBackoff {
		cfg.MaxBackoff = cfg.FailureBackoff
	}

	return &Meter{
		source:    source,
		estimator: estimator,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		peak:      level.NewPeakHold(),
		done:      make(chan struct{}),
		subs:      make(map[chan Result]struct{}),
	}
}

// Run announces the metadata and then captures, estimates and publishes until
// ctx is cancelled, the bounded iteration count is reached or capture fails
// for good. It returns nil after a bounded run and ctx.Err() on cancellation.
// Run may only be called once.
func (m *Meter) Run(ctx context.Context) error {
	m.runMu.Lock()
	if m.started {
		m.runMu.Unlock()
		return errors.New("meter already started")
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.runMu.Unlock()

	defer close(m.done)
	defer m.setState(StateStopped)

	m.logger.Info("meter started",
		"mode", m.cfg.Mode,
		"iterations", m.cfg.Iterations,
		"block_length", m.source.BlockLength(),
		"k", m.estimator.K(),
		"source", m.source.Name(),
	)

	m.announce()

	err := m.loop(ctx)

	m.logger.Info("meter stopped",
		"iterations", m.iterationCount(),
		"readings", m.readingCount(),
		"short_reads", m.counter(&m.shortReads),
		"recoveries", m.counter(&m.recoveries),
		"publish_errors", m.counter(&m.publishErrors),
		"reason", stopReason(err),
	)

	return err
}

func (m *Meter) loop(ctx context.Context) error {
	bo := newBackoff(m.cfg.FailureBackoff, m.cfg.MaxBackoff)
	consecutive := 0

	for i := 0; ; i++ {
		if m.cfg.Mode == ModeBounded && i >= m.cfg.Iterations {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		m.setState(StateCapturing)
		m.incr(&m.iterations)

		start := time.Now()
		n, err := m.source.ReadBlock()
		readMs := time.Since(start).Milliseconds()

		if err != nil {
			// Closing the source is how shutdown interrupts a blocked read.
			if ctx.Err() != nil {
				return ctx.Err()
			}

			switch capture.KindOf(err) {
			case capture.KindTransient:
				m.incr(&m.recoveries)
				m.logger.Warn("capture recovered", "error", err)
				continue
			case capture.KindClosed:
				return err
			}

			m.incr(&m.failures)
			consecutive++
			if consecutive > m.cfg.MaxFailures {
				m.logger.Error("capture failed",
					"error", err,
					"attempts", consecutive,
					"max_failures", m.cfg.MaxFailures,
				)
				return fmt.Errorf("%w after %d attempts: %w", ErrCaptureFailed, consecutive, err)
			}

			delay := bo.Next()
			m.logger.Error("capture failed, retrying",
				"error", err,
				"attempt", consecutive,
				"max_failures", m.cfg.MaxFailures,
				"retry_in", delay,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		consecutive = 0
		bo.Reset()

		if n < m.source.BlockLength() {
			m.incr(&m.shortReads)
			m.logger.Warn("short read, block skipped",
				"expected", m.source.BlockLength(),
				"got", n,
			)
			continue
		}

		m.process(readMs)
	}
}

func (m *Meter) process(readMs int64) {
	m.setState(StateEstimating)

	reading := m.estimator.Compute(m.source.Block())

	m.mu.Lock()
	m.readings++
	m.totalReadMs += readMs
	if reading.Degenerate {
		m.degenerate++
	}

	peak, peakValid := level.MinDB, false
	if m.cfg.PeakHold {
		m.peak.Update(reading)
		peak, peakValid = m.peak.Value()
	}

	result := Result{
		Reading:   reading,
		Seq:       m.readings,
		Peak:      peak,
		PeakValid: peakValid,
		ReadMs:    readMs,
		Timestamp: time.Now(),
	}
	m.latest = result
	m.hasLatest = true
	m.state = StatePublishing
	m.mu.Unlock()

	m.publish(TopicDB, strconv.Itoa(reading.DB), true)
	if m.cfg.PeakHold && m.cfg.PublishPeak && peakValid {
		m.publish(TopicPeak, strconv.Itoa(peak), true)
	}

	m.notifySubscribers(result)

	if result.Seq%20 == 0 {
		m.logger.Debug("level",
			"db", reading.DB,
			"rms", reading.RMS,
			"peak", peak,
			"read_ms", readMs,
		)
	}
}

func (m *Meter) announce() {
	for _, msg := range Metadata(m.cfg.DeviceName, m.cfg.PeakHold && m.cfg.PublishPeak) {
		m.publish(msg.Topic, msg.Value, msg.Retain)
	}
}

// publish hands a value to the publisher. Failures are logged and counted, never retried.
func (m *Meter) publish(topic, value string, retain bool) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(topic, value, retain); err != nil {
		m.incr(&m.publishErrors)
		m.logger.Warn("publish failed", "topic", topic, "error", err)
	}
}

func (m *Meter) notifySubscribers(result Result) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()

	for ch := range m.subs {
		select {
		case ch <- result:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives every published reading
func (m *Meter) Subscribe() chan Result {
	ch := make(chan Result, 10)

	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (m *Meter) Unsubscribe(ch chan Result) {
	m.subsMu.Lock()
	if _, exists := m.subs[ch]; exists {
		delete(m.subs, ch)
		close(ch)
	}
	m.subsMu.Unlock()
}

// Latest returns the most recent reading and false before the first one
func (m *Meter) Latest() (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasLatest
}

// Peak returns the peak-hold value and false before the first valid reading
func (m *Meter) Peak() (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peak.Value()
}

// State returns the current loop state
func (m *Meter) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Config returns the loop configuration
func (m *Meter) Config() Config {
	return m.cfg
}

// Stats returns loop statistics
func (m *Meter) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	avgRead := float64(0)
	if m.readings > 0 {
		avgRead = float64(m.totalReadMs) / float64(m.readings)
	}

	m.subsMu.RLock()
	subscribers := len(m.subs)
	m.subsMu.RUnlock()

	peak, peakValid := m.peak.Value()

	return Stats{
		State:           m.state,
		Iterations:      m.iterations,
		Readings:        m.readings,
		ShortReads:      m.shortReads,
		Recoveries:      m.recoveries,
		Failures:        m.failures,
		Degenerate:      m.degenerate,
		PublishErrors:   m.publishErrors,
		AvgReadMs:       avgRead,
		SubscriberCount: subscribers,
		SourceHealthy:   m.source.Healthy(),
		LastDB:          m.latest.DB,
		LastValid:       m.hasLatest && !m.latest.Degenerate,
		Peak:            peak,
		PeakValid:       peakValid,
	}
}

// Stats contains loop statistics
type Stats struct {
	State           State   `json:"state"`
	Iterations      int64   `json:"iterations"`
	Readings        int64   `json:"readings"`
	ShortReads      int64   `json:"short_reads"`
	Recoveries      int64   `json:"recoveries"`
	Failures        int64   `json:"failures"`
	Degenerate      int64   `json:"degenerate"`
	PublishErrors   int64   `json:"publish_errors"`
	AvgReadMs       float64 `json:"avg_read_ms"`
	SubscriberCount int     `json:"subscriber_count"`
	SourceHealthy   bool    `json:"source_healthy"`
	LastDB          int     `json:"last_db"`
	LastValid       bool    `json:"last_valid"` // a non-degenerate reading exists
	Peak            int     `json:"peak"`
	PeakValid       bool    `json:"peak_valid"`
}

// Stop cancels Run and waits for it to return. A read blocked in the driver
// only returns once the source is closed, so close the source first.
func (m *Meter) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-m.done
	}

	// Close all subscriber channels
	m.subsMu.Lock()
	for ch := range m.subs {
		close(ch)
		delete(m.subs, ch)
	}
	m.subsMu.Unlock()
}

// Done is closed when Run returns
func (m *Meter) Done() <-chan struct{} {
	return m.done
}

func (m *Meter) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Meter) incr(c *int64) {
	m.mu.Lock()
	*c++
	m.mu.Unlock()
}

func (m *Meter) counter(c *int64) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *c
}

func (m *Meter) iterationCount() int64 { return m.counter(&m.iterations) }
func (m *Meter) readingCount() int64   { return m.counter(&m.readings) }

func stopReason(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "shutdown"
	default:
		return "error"
	}
}
