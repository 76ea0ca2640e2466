// Package supervisor runs the rtl_433 decoder as a child process and turns its standard output
// into one continuous stream of lines, restarting the child when it dies.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eddielth/weatherradio/config"
	"github.com/eddielth/weatherradio/health"
	"github.com/eddielth/weatherradio/logger"
	"github.com/eddielth/weatherradio/metrics"
)

var (
	// ErrDecoderNotFound means the decoder binary does not exist or is not executable
	ErrDecoderNotFound = errors.New("decoder binary not found")
	// ErrDecoderStart means the first launch of the decoder failed
	ErrDecoderStart = errors.New("decoder failed to start")
	// ErrCrashLoop means the decoder kept dying faster than the crash-loop threshold allows
	ErrCrashLoop = errors.New("decoder crash loop")
)

// Config controls launching and restarting the decoder
type Config struct {
	Path string
	Args []string

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// More than CrashLoopThreshold exits within CrashLoopWindow is fatal.
	CrashLoopThreshold int
	CrashLoopWindow    time.Duration

	// GracePeriod is the time between SIGTERM and SIGKILL on shutdown.
	GracePeriod time.Duration

	// DrainTimeout bounds reading leftover output once the decoder has exited.
	DrainTimeout time.Duration

	// Stderr receives the decoder's standard error. Defaults to the logger.
	Stderr io.Writer
}

// FromConfig builds the supervisor configuration from the decoder section
func FromConfig(c config.DecoderConfig) Config {
	return Config{
		Path:               c.Path,
		Args:               c.Args(),
		InitialDelay:       c.RestartInitialDelay,
		MaxDelay:           c.RestartMaxDelay,
		CrashLoopThreshold: c.CrashLoopThreshold,
		CrashLoopWindow:    c.CrashLoopWindow,
		GracePeriod:        c.StopGracePeriod,
	}
}

// Supervisor owns the decoder child process
type Supervisor struct {
	cfg     Config
	path    string
	metrics *metrics.Metrics
	health  *health.Tracker
}

// New resolves the decoder binary. A missing binary is reported immediately as ErrDecoderNotFound.
func New(cfg Config, m *metrics.Metrics, h *health.Tracker) (*Supervisor, error) {
	path, err := exec.LookPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecoderNotFound, cfg.Path, err)
	}
	if cfg.Stderr == nil {
		cfg.Stderr = logger.Writer(logger.INFO, "rtl_433: ")
	}
	if cfg.CrashLoopThreshold < 1 {
		cfg.CrashLoopThreshold = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Second
	}
	return &Supervisor{cfg: cfg, path: path, metrics: m, health: h}, nil
}

// startError wraps failures to launch the child, as opposed to the child exiting
type startError struct{ err error }

func (e *startError) Error() string { return e.err.Error() }
func (e *startError) Unwrap() error { return e.err }

// Run launches the decoder and sends every complete stdout line to out until ctx is cancelled,
// restarting the child whenever it exits. It returns nil after a cancellation-driven shutdown
// and a wrapped ErrDecoderStart or ErrCrashLoop when the decoder cannot be kept alive.
// Run does not close out.
func (s *Supervisor) Run(ctx context.Context, out chan<- string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialDelay
	bo.MaxInterval = s.cfg.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	var exits []time.Time
	for launch := 0; ; launch++ {
		started := time.Now()
		err := s.runOnce(ctx, out)
		if ctx.Err() != nil {
			return nil
		}

		var se *startError
		if errors.As(err, &se) && launch == 0 {
			return fmt.Errorf("%w: %v", ErrDecoderStart, se.err)
		}

		now := time.Now()
		if now.Sub(started) > s.cfg.CrashLoopWindow {
			bo.Reset()
		}
		exits = append(pruneBefore(exits, now.Add(-s.cfg.CrashLoopWindow)), now)
		if len(exits) > s.cfg.CrashLoopThreshold {
			return fmt.Errorf("%w: %d exits within %s, last: %v", ErrCrashLoop, len(exits), s.cfg.CrashLoopWindow, err)
		}

		delay := bo.NextBackOff()
		logger.Warn("decoder exited: %v; restarting in %s (%d/%d within %s)",
			err, delay.Round(time.Millisecond), len(exits), s.cfg.CrashLoopThreshold, s.cfg.CrashLoopWindow)
		s.metrics.DecoderRestarts.Inc()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// runOnce runs a single decoder process to completion and returns why it ended
func (s *Supervisor) runOnce(ctx context.Context, out chan<- string) error {
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return &startError{err}
	}
	defer stdout.Close()
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdoutW.Close()
		return &startError{err}
	}
	defer stderr.Close()

	cmd := exec.Command(s.path, s.cfg.Args...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	setProcessGroup(cmd)

	s.health.Set(health.Decoder, health.Connecting)
	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		s.health.Set(health.Decoder, health.Disconnected)
		return &startError{err}
	}
	s.health.Set(health.Decoder, health.Connected)
	logger.Info("decoder started: %s %s (pid %d)", s.path, strings.Join(s.cfg.Args, " "), cmd.Process.Pid)

	logged := make(chan struct{})
	go func() {
		defer close(logged)
		_, _ = io.Copy(s.cfg.Stderr, stderr)
	}()

	var readErr error
	read := make(chan struct{})
	go func() {
		defer close(read)
		readErr = s.forward(ctx, stdout, out)
	}()

	exited := make(chan struct{})
	go s.watch(ctx, cmd, exited)

	waitErr := cmd.Wait()
	close(exited)
	s.health.Set(health.Decoder, health.Disconnected)

	// Background processes left in the decoder's group would hold the pipes open.
	_ = kill(cmd)

	// Output written before the exit is still forwarded; writers outside the group are cut off.
	cutoff := time.NewTimer(s.cfg.DrainTimeout)
	defer cutoff.Stop()
	expired := false
	awaitClose := func(done <-chan struct{}, f *os.File) {
		if !expired {
			select {
			case <-done:
				return
			case <-cutoff.C:
				expired = true
			}
		}
		f.Close()
		<-done
	}
	awaitClose(read, stdout)
	awaitClose(logged, stderr)

	switch {
	case ctx.Err() != nil:
		logger.Info("decoder stopped")
		return nil
	case waitErr != nil:
		return fmt.Errorf("decoder process: %w", waitErr)
	case readErr != nil:
		return fmt.Errorf("decoder output: %w", readErr)
	default:
		return errors.New("decoder output ended")
	}
}

// watch terminates the child when ctx is cancelled: SIGTERM first, SIGKILL after the grace period
func (s *Supervisor) watch(ctx context.Context, cmd *exec.Cmd, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	case <-ctx.Done():
	}

	if err := terminate(cmd); err != nil {
		logger.Debug("failed to signal decoder: %v", err)
	}
	timer := time.NewTimer(s.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		logger.Warn("decoder did not exit within %s, killing it", s.cfg.GracePeriod)
		if err := kill(cmd); err != nil {
			logger.Debug("failed to kill decoder: %v", err)
		}
	}
}

// forward copies complete lines to out. A trailing fragment without a newline at end of stream
// is the remainder of a line cut off by the child dying and is dropped.
func (s *Supervisor) forward(ctx context.Context, r io.Reader, out chan<- string) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if line != "" {
				s.metrics.FragmentsDiscarded.Inc()
				logger.Debug("discarding %d-byte partial line at end of decoder output", len(line))
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}

		s.metrics.LinesRead.Inc()
		select {
		case out <- strings.TrimRight(line, "\r\n"):
		case <-ctx.Done():
			return nil
		}
	}
}
