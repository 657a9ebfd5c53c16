package device

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-spl/internal/capture"
)

// DefaultArecordCommand is the alsa-utils capture binary
const DefaultArecordCommand = "arecord"

// ErrStreamEnded is returned when the arecord pipe closes
var ErrStreamEnded = errors.New("arecord stream ended")

// maxStderrTail bounds the arecord diagnostics kept for error messages
const maxStderrTail = 4096

// arecordStartupGrace is how long OpenArecord waits for arecord to either
// produce its first bytes or exit after rejecting the parameters
var arecordStartupGrace = 300 * time.Millisecond

// Arecord captures raw S16_LE mono samples from an arecord subprocess.
// arecord handles ALSA overruns itself; a closed pipe means the process died.
type Arecord struct {
	cfg     capture.Config
	command string
	logger  *slog.Logger

	// mu serializes Read and Recover and owns the pipe side
	mu        sync.Mutex
	stdout    io.Reader
	first     chan error // result of the first-bytes peek, nil once consumed
	stderr    *tailWriter
	raw       []byte
	restarted bool

	// procMu guards the process so Close can kill it during a blocked Read
	procMu sync.Mutex
	cmd    *exec.Cmd
	closed bool
}

// OpenArecord starts arecord for the configured device. An arecord that exits
// before producing any samples rejected the parameters.
func OpenArecord(cfg capture.Config, command string, logger *slog.Logger) (*Arecord, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := exec.LookPath(command); err != nil {
		return nil, capture.NewError(capture.KindOpenFailed, "open", cfg.Device, err)
	}

	a := &Arecord{
		cfg:     cfg,
		command: command,
		logger:  logger,
		raw:     make([]byte, cfg.BlockLength()*2),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.start(); err != nil {
		return nil, capture.NewError(capture.KindOpenFailed, "open", cfg.Device, err)
	}

	select {
	case err := <-a.first:
		a.first = nil
		if err != nil {
			werr := a.stop()
			return nil, capture.NewError(capture.KindParamsRejected, "set params", cfg.Device,
				startupError(werr, a.stderr.LastLine()))
		}
	case <-time.After(arecordStartupGrace):
	}

	logger.Info("arecord capture started",
		"command", command,
		"args", strings.Join(arecordArgs(cfg), " "),
	)

	return a, nil
}

func startupError(waitErr error, stderr string) error {
	err := errors.New("arecord exited before producing samples")
	if waitErr != nil {
		err = fmt.Errorf("%w (%v)", err, waitErr)
	}
	if stderr != "" {
		err = fmt.Errorf("%w: %s", err, stderr)
	}
	return err
}

// arecordArgs builds the capture arguments. The period time makes ALSA wake
// arecord once per integration period.
func arecordArgs(cfg capture.Config) []string {
	device := cfg.Device
	if device == "" {
		device = DefaultDevice
	}
	return []string{
		"-D", device,
		"-f", "S16_LE",
		"-r", strconv.Itoa(cfg.SampleRate),
		"-c", strconv.Itoa(capture.Channels),
		"-t", "raw",
		"-q",
		"--period-time=" + strconv.Itoa(cfg.PeriodMicros()),
		"-",
	}
}

// start launches arecord and peeks for its first byte in the background.
// Callers hold a.mu.
func (a *Arecord) start() error {
	a.procMu.Lock()
	defer a.procMu.Unlock()

	if a.closed {
		return capture.ErrClosed
	}

	cmd := exec.Command(a.command, arecordArgs(a.cfg)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	stderr := newTailWriter(maxStderrTail)
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", a.command, err)
	}

	br := bufio.NewReaderSize(stdout, max(len(a.raw), 16))
	first := make(chan error, 1)
	go func() {
		_, err := br.Peek(1)
		first <- err
	}()

	a.cmd = cmd
	a.stdout = br
	a.first = first
	a.stderr = stderr
	return nil
}

// stop kills arecord and reaps it. Callers hold a.mu, so no read is in flight.
func (a *Arecord) stop() error {
	a.procMu.Lock()
	cmd := a.cmd
	a.cmd = nil
	a.procMu.Unlock()

	if cmd == nil {
		return nil
	}

	cmd.Process.Kill()
	if a.first != nil {
		<-a.first
		a.first = nil
	}
	a.stdout = nil
	return cmd.Wait()
}

// Read reads one block from the pipe. A pipe that ends mid-block yields a
// short read; the next call reports ErrStreamEnded.
func (a *Arecord) Read(buf []int16) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isClosed() {
		return 0, capture.ErrClosed
	}
	if a.stdout == nil {
		return 0, ErrStreamEnded
	}

	if a.first != nil {
		<-a.first
		a.first = nil
	}

	if len(a.raw) < len(buf)*2 {
		a.raw = make([]byte, len(buf)*2)
	}

	n, err := readFrames(a.stdout, a.raw[:len(buf)*2], buf)
	if a.isClosed() {
		return 0, capture.ErrClosed
	}
	if err != nil {
		if tail := a.stderr.LastLine(); tail != "" {
			return 0, fmt.Errorf("%w: %s", err, tail)
		}
		return 0, err
	}

	if n > 0 {
		a.restarted = false
	}
	return n, nil
}

func (a *Arecord) isClosed() bool {
	a.procMu.Lock()
	defer a.procMu.Unlock()
	return a.closed
}

// readFrames fills buf from r. io.ErrUnexpectedEOF is reported as a short
// read without error, io.EOF as ErrStreamEnded.
func readFrames(r io.Reader, raw []byte, buf []int16) (int, error) {
	n, err := io.ReadFull(r, raw)
	frames := decodeS16LE(buf, raw[:n])

	switch {
	case err == nil, errors.Is(err, io.ErrUnexpectedEOF):
		return frames, nil
	case errors.Is(err, io.EOF):
		return 0, ErrStreamEnded
	default:
		return 0, err
	}
}

// decodeS16LE converts little-endian byte pairs into samples and returns the
// number of complete samples decoded
func decodeS16LE(dst []int16, src []byte) int {
	frames := min(len(src)/2, len(dst))
	for i := range frames {
		dst[i] = int16(binary.LittleEndian.Uint16(src[2*i:]))
	}
	return frames
}

// Recover restarts arecord once. A second failure before any samples were
// read is not recoverable (typically the device went away).
func (a *Arecord) Recover(err error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isClosed() {
		return capture.ErrClosed
	}
	if a.restarted {
		return fmt.Errorf("arecord failed again without producing samples: %w", err)
	}

	a.logger.Warn("restarting arecord", "device", a.cfg.Device, "error", err)

	a.stop()
	if serr := a.start(); serr != nil {
		return serr
	}
	a.restarted = true
	return nil
}

// Close kills the subprocess, which ends a blocked Read with a closed pipe,
// then reaps it once the reader has returned
func (a *Arecord) Close() error {
	a.procMu.Lock()
	if a.closed {
		a.procMu.Unlock()
		return nil
	}
	a.closed = true
	if a.cmd != nil {
		a.cmd.Process.Kill()
	}
	a.procMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.stop()
	return nil
}

// Name returns the driver name
func (a *Arecord) Name() string {
	return BackendArecord
}

// tailWriter keeps the last max bytes written to it
type tailWriter struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailWriter(max int) *tailWriter {
	return &tailWriter{max: max}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.max; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

// LastLine returns the last non-empty line written
func (w *tailWriter) LastLine() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	lines := strings.Split(strings.TrimSpace(string(w.buf)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
