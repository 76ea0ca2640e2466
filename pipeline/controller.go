// Package pipeline wires the decoder, parser, normalizer and publisher together and owns the
// shutdown order between them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eddielth/weatherradio/config"
	"github.com/eddielth/weatherradio/logger"
	"github.com/eddielth/weatherradio/metrics"
	"github.com/eddielth/weatherradio/mqtt"
	"github.com/eddielth/weatherradio/parser"
	"github.com/eddielth/weatherradio/queue"
	"github.com/eddielth/weatherradio/transformer"
)

// Decoder produces decoder output lines until ctx is cancelled. *supervisor.Supervisor
// implements it.
type Decoder interface {
	Run(ctx context.Context, out chan<- string) error
}

// Sink consumes readings until the source is closed and drained or ctx is cancelled.
// *mqtt.Publisher implements it.
type Sink interface {
	Run(ctx context.Context, src mqtt.Source) error
}

// Controller runs the pipeline stages
type Controller struct {
	cfg        config.PipelineConfig
	decoder    Decoder
	parser     *parser.Parser
	normalizer *transformer.Normalizer
	sink       Sink
	queue      *meteredQueue
}

// New creates a controller. The hand-off queue holds cfg.QueueSize readings and drops the
// oldest when the sink falls behind.
func New(cfg config.PipelineConfig, dec Decoder, p *parser.Parser, n *transformer.Normalizer, sink Sink, m *metrics.Metrics) *Controller {
	q := queue.New(cfg.QueueSize, func(r transformer.Reading) {
		m.QueueDropped.Inc()
		logger.Debug("hand-off queue full, dropped reading from %s", r.Source())
	})
	return &Controller{
		cfg:        cfg,
		decoder:    dec,
		parser:     p,
		normalizer: n,
		sink:       sink,
		queue:      &meteredQueue{Queue: q, m: m},
	}
}

// Run runs until ctx is cancelled or a stage fails fatally. On cancellation the decoder is
// stopped first, records already read are normalized, and the sink gets ShutdownGrace to
// deliver what is queued. Fatal stage errors are returned joined.
func (c *Controller) Run(ctx context.Context) error {
	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()
	// the sink outlives ctx by up to the shutdown grace
	sinkCtx, stopSink := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSink()

	var (
		mu   sync.Mutex
		errs []error
	)
	fatal := func(stage string, err error) error {
		err = fmt.Errorf("%s: %w", stage, err)
		logger.Error("%v", err)
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		stopIngest()
		return err
	}

	lines := make(chan string, 64)
	ingestDone := make(chan struct{})
	sinkDone := make(chan struct{})

	var g errgroup.Group

	g.Go(func() error {
		defer close(lines)
		if err := c.decoder.Run(ingestCtx, lines); err != nil {
			return fatal("decoder", err)
		}
		return nil
	})

	g.Go(func() error {
		defer close(ingestDone)
		defer c.queue.Close()
		c.ingest(lines)
		return nil
	})

	g.Go(func() error {
		defer close(sinkDone)
		if err := c.sink.Run(sinkCtx, c.queue); err != nil {
			return fatal("publisher", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-sinkDone:
			return nil
		case <-ingestDone:
		}
		if n := c.queue.Len(); n > 0 {
			logger.Info("flushing %d queued readings", n)
		}
		timer := time.NewTimer(c.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-sinkDone:
		case <-timer.C:
			logger.Warn("publisher did not finish within %s, abandoning %d readings", c.cfg.ShutdownGrace, c.queue.Len())
			stopSink()
		}
		return nil
	})

	_ = g.Wait()

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(errs...)
}

// ingest parses and normalizes lines until the channel is closed
func (c *Controller) ingest(lines <-chan string) {
	for rec := range c.parser.Records(channelValues(lines)) {
		reading, outcome := c.normalizer.Normalize(rec)
		if outcome != transformer.Emitted {
			if logger.DebugEnabled() {
				logger.Debug("record from %s: %s", rec.Protocol(), outcome)
			}
			continue
		}
		c.queue.Push(reading)
	}
}

// QueueLen returns the number of readings waiting for the publisher
func (c *Controller) QueueLen() int {
	return c.queue.Len()
}

func channelValues[T any](ch <-chan T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for v := range ch {
			if !yield(v) {
				return
			}
		}
	}
}

// meteredQueue keeps the queue length gauge current
type meteredQueue struct {
	*queue.Queue[transformer.Reading]
	m *metrics.Metrics
}

func (q *meteredQueue) Push(r transformer.Reading) bool {
	dropped := q.Queue.Push(r)
	q.m.QueueLength.Set(float64(q.Queue.Len()))
	return dropped
}

func (q *meteredQueue) Pop() (transformer.Reading, bool) {
	r, ok := q.Queue.Pop()
	q.m.QueueLength.Set(float64(q.Queue.Len()))
	return r, ok
}
