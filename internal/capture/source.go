package capture

import (
	"errors"
	"log/slog"
	"sync"
)

// Source owns one opened Device and the single sample block it captures into.
// The block is allocated once and overwritten by every ReadBlock call.
type Source struct {
	cfg    Config
	dev    Device
	logger *slog.Logger

	// readMu serializes ReadBlock; it is held across the blocking device read
	readMu sync.Mutex
	buf    []int16

	mu      sync.Mutex
	full    bool
	closed  bool
	healthy bool
}

// NewSource wraps an opened device. The device is closed if the config is invalid.
func NewSource(dev Device, cfg Config, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Check(); err != nil {
		dev.Close()
		return nil, NewError(KindParamsRejected, "open", cfg.Device, err)
	}

	s := &Source{
		cfg:     cfg,
		dev:     dev,
		logger:  logger,
		buf:     make([]int16, cfg.BlockLength()),
		healthy: true,
	}

	logger.Info("capture source opened",
		"driver", dev.Name(),
		"device", cfg.Device,
		"sample_rate", cfg.SampleRate,
		"period_ms", cfg.PeriodMs,
		"block_length", len(s.buf),
	)

	return s, nil
}

// ReadBlock performs one blocking read of BlockLength frames.
//
// A full read returns BlockLength and nil; Block then exposes the samples.
// A short read returns the partial count and nil; Block returns nil.
// A device error triggers exactly one Recover call: on success a KindTransient
// error is returned and nothing was captured, on failure KindUnrecoverable.
// A read interrupted by Close fails with KindClosed.
func (s *Source) ReadBlock() (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.mu.Lock()
	s.full = false
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return 0, s.closedError(nil)
	}

	n, err := s.dev.Read(s.buf)
	if err != nil {
		if s.isClosed() {
			return 0, s.closedError(err)
		}

		rerr := s.dev.Recover(err)

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.closed {
			return 0, s.closedError(err)
		}
		if rerr != nil {
			s.healthy = false
			return 0, NewError(KindUnrecoverable, "recover", s.cfg.Device, errors.Join(err, rerr))
		}
		s.healthy = true
		return 0, NewError(KindTransient, "read", s.cfg.Device, err)
	}

	switch {
	case n < 0:
		n = 0
	case n > len(s.buf):
		n = len(s.buf)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, s.closedError(nil)
	}
	s.healthy = true
	s.full = n == len(s.buf)
	return n, nil
}

func (s *Source) closedError(err error) error {
	if err != nil && !errors.Is(err, ErrClosed) {
		err = errors.Join(ErrClosed, err)
	} else {
		err = ErrClosed
	}
	return NewError(KindClosed, "read", s.cfg.Device, err)
}

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Block returns the samples of the last read if it was full, nil otherwise.
// The slice is only valid until the next ReadBlock call and must not be retained.
func (s *Source) Block() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.full {
		return nil
	}
	return s.buf
}

// BlockLength returns the fixed number of frames per block
func (s *Source) BlockLength() int {
	return len(s.buf)
}

// Config returns the capture configuration
func (s *Source) Config() Config {
	return s.cfg
}

// Healthy returns false after a failed recovery until the next successful read
func (s *Source) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy && !s.closed
}

// Name returns the underlying driver name
func (s *Source) Name() string {
	return s.dev.Name()
}

// Close releases the device without waiting for an in-flight read; the
// device unblocks it and ReadBlock fails with KindClosed. Every later
// ReadBlock fails the same way.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.full = false
	s.mu.Unlock()

	s.logger.Info("capture source closed", "device", s.cfg.Device)

	return s.dev.Close()
}
