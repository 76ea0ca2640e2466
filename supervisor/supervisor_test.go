package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/weatherradio/health"
	"github.com/eddielth/weatherradio/metrics"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func shellConfig(script string) Config {
	return Config{
		Path:               "/bin/sh",
		Args:               []string{"-c", script},
		InitialDelay:       time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
		CrashLoopThreshold: 3,
		CrashLoopWindow:    time.Minute,
		GracePeriod:        500 * time.Millisecond,
		Stderr:             &syncBuffer{},
	}
}

// collect runs the supervisor and gathers lines until it returns
func collect(t *testing.T, ctx context.Context, s *Supervisor) ([]string, error) {
	t.Helper()
	out := make(chan string)
	errc := make(chan error, 1)
	go func() {
		errc <- s.Run(ctx, out)
		close(out)
	}()
	var lines []string
	for l := range out {
		lines = append(lines, l)
	}
	return lines, <-errc
}

func TestNewMissingBinary(t *testing.T) {
	_, err := New(Config{Path: "/nonexistent/rtl_433"}, metrics.New(), health.NewTracker())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecoderNotFound)
}

func TestRunCrashLoopIsFatal(t *testing.T) {
	m := metrics.New()
	cfg := shellConfig(`echo '{"model":"X","id":1}'; exit 1`)
	cfg.CrashLoopThreshold = 2

	s, err := New(cfg, m, health.NewTracker())
	require.NoError(t, err)

	lines, err := collect(t, context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCrashLoop)

	// three launches: two tolerated restarts, the third exit is fatal
	assert.Len(t, lines, 3)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DecoderRestarts))
}

func TestRunNoticesExitWhileBackgroundChildHoldsOutput(t *testing.T) {
	m := metrics.New()
	h := health.NewTracker()
	cfg := shellConfig(`echo '{"model":"X","id":1}'; sleep 30 & exit 1`)
	cfg.CrashLoopThreshold = 1

	s, err := New(cfg, m, h)
	require.NoError(t, err)

	start := time.Now()
	lines, err := collect(t, context.Background(), s)
	require.ErrorIs(t, err, ErrCrashLoop)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, []string{`{"model":"X","id":1}`, `{"model":"X","id":1}`}, lines)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecoderRestarts))
	assert.Equal(t, health.Disconnected, h.Get(health.Decoder))
}

func TestRunCutsOffOutputFromEscapedChild(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	cfg := shellConfig(`echo '{"model":"X","id":1}'; setsid sleep 5 & exit 1`)
	cfg.CrashLoopThreshold = 0
	cfg.DrainTimeout = 100 * time.Millisecond

	s, err := New(cfg, metrics.New(), health.NewTracker())
	require.NoError(t, err)

	start := time.Now()
	lines, err := collect(t, context.Background(), s)
	require.ErrorIs(t, err, ErrCrashLoop)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Len(t, lines, 2)
}

func TestRunRestartDiscardsStaleTail(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "started")
	script := fmt.Sprintf(`if [ -f %[1]s ]; then
  echo '{"model":"B","id":2}'
  exec sleep 30
else
  touch %[1]s
  echo '{"model":"A","id":1}'
  printf '{"model":"A","id":1,"tempera'
  exit 1
fi`, marker)

	m := metrics.New()
	h := health.NewTracker()
	s, err := New(shellConfig(script), m, h)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan string)
	errc := make(chan error, 1)
	go func() {
		errc <- s.Run(ctx, out)
		close(out)
	}()

	first := <-out
	second := <-out
	assert.Equal(t, `{"model":"A","id":1}`, first)
	assert.Equal(t, `{"model":"B","id":2}`, second, "fragment from the dead process must not be glued to the next line")

	assert.Eventually(t, func() bool { return h.Get(health.Decoder) == health.Connected }, time.Second, 5*time.Millisecond)

	cancel()
	for range out {
	}
	require.NoError(t, <-errc)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FragmentsDiscarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecoderRestarts))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LinesRead))
	assert.Equal(t, health.Disconnected, h.Get(health.Decoder))
}

func TestRunCancelTerminatesChild(t *testing.T) {
	s, err := New(shellConfig(`echo ready; exec sleep 30`), metrics.New(), health.NewTracker())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan string)
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, out) }()

	assert.Equal(t, "ready", <-out)
	start := time.Now()
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
}

func TestRunKillsChildIgnoringSIGTERM(t *testing.T) {
	cfg := shellConfig(`trap '' TERM; echo ready; while true; do sleep 0.05; done`)
	cfg.GracePeriod = 100 * time.Millisecond
	s, err := New(cfg, metrics.New(), health.NewTracker())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan string)
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, out) }()

	assert.Equal(t, "ready", <-out)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not kill the child after the grace period")
	}
}

func TestRunForwardsStderr(t *testing.T) {
	cfg := shellConfig(`echo 'tuned to 433.920MHz' >&2; echo '{"model":"X","id":1}'; exec sleep 30`)
	stderr := cfg.Stderr.(*syncBuffer)
	s, err := New(cfg, metrics.New(), health.NewTracker())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan string)
	go func() { _ = s.Run(ctx, out) }()

	assert.Equal(t, `{"model":"X","id":1}`, <-out, "stderr must not be mixed into the data stream")
	assert.Eventually(t, func() bool { return stderr.String() == "tuned to 433.920MHz\n" }, time.Second, 5*time.Millisecond)
}

func TestPruneBefore(t *testing.T) {
	base := time.Unix(1000, 0)
	ts := []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second)}
	assert.Len(t, pruneBefore(ts, base.Add(time.Second)), 1)
	assert.Len(t, pruneBefore(ts, base.Add(-time.Second)), 3)
	assert.Empty(t, pruneBefore(ts, base.Add(time.Minute)))
}
