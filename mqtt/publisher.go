package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eddielth/weatherradio/config"
	"github.com/eddielth/weatherradio/health"
	"github.com/eddielth/weatherradio/logger"
	"github.com/eddielth/weatherradio/metrics"
	"github.com/eddielth/weatherradio/queue"
	"github.com/eddielth/weatherradio/transformer"
)

// Source is the stream of readings to publish. *queue.Queue[transformer.Reading] satisfies it.
type Source interface {
	Pop() (transformer.Reading, bool)
	Ready() <-chan struct{}
	Closed() bool
	Len() int
}

// Publisher delivers readings to the broker. A connection goroutine keeps the link up with
// exponential backoff while the run loop publishes; readings arriving while the link is down
// wait in a bounded buffer that drops its oldest entries when full.
type Publisher struct {
	cfg     config.MQTTConfig
	conn    Conn
	metrics *metrics.Metrics
	health  *health.Tracker
	buffer  *queue.Queue[transformer.Reading]

	// labeled holds the label last published per base topic during labeledSession.
	// Only the Run goroutine uses them.
	labeled        map[string]string
	labeledSession uint64

	session   atomic.Uint64 // incremented on every successful connect
	connected atomic.Bool
	up        chan struct{}
	failed    chan struct{}

	// stableAfter is how long a connection must last before the backoff starts over
	stableAfter time.Duration
}

// NewPublisher creates a publisher on conn
func NewPublisher(cfg config.MQTTConfig, conn Conn, m *metrics.Metrics, h *health.Tracker) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "weatherradio"
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = time.Second
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectInitialDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectInitialDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	p := &Publisher{
		cfg:         cfg,
		conn:        conn,
		metrics:     m,
		health:      h,
		labeled:     make(map[string]string),
		up:          make(chan struct{}, 1),
		failed:      make(chan struct{}, 1),
		stableAfter: time.Minute,
	}
	p.buffer = queue.New(cfg.BufferSize, func(r transformer.Reading) {
		m.BufferDropped.Inc()
		logger.Debug("disconnect buffer full, dropped reading from %s", r.Source())
	})
	return p
}

// Connected reports whether the broker link is up
func (p *Publisher) Connected() bool {
	return p.connected.Load()
}

// Buffered returns the number of readings waiting for the broker
func (p *Publisher) Buffered() int {
	return p.buffer.Len()
}

// Run publishes readings from src until src is closed and everything is delivered, or ctx is
// cancelled. A credentials rejection before the first successful connection is returned as
// ErrAuthRejected; every other broker failure is retried indefinitely.
func (p *Publisher) Run(ctx context.Context, src Source) error {
	connCtx, stopConn := context.WithCancel(ctx)
	defer stopConn()

	connDone := make(chan error, 1)
	go func() {
		connDone <- p.connectLoop(connCtx)
	}()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-connDone:
			connDone = nil
			if err != nil {
				runErr = err
				break loop
			}
		case <-p.up:
		case <-src.Ready():
		}

		p.drain(src)
		p.flush()

		if src.Closed() && src.Len() == 0 && p.buffer.Len() == 0 {
			break loop
		}
	}

	stopConn()
	if connDone != nil {
		<-connDone
	}

	undelivered := p.buffer.Drain()
	if n := len(undelivered) + src.Len(); n > 0 {
		logger.Warn("discarding %d undelivered readings", n)
		for _, r := range undelivered {
			logger.Debug("undelivered reading from %s at %s", r.Source(), r.Timestamp.Format(time.RFC3339))
		}
	}
	if p.connected.Load() {
		if err := p.publishStatus(StatusOffline); err != nil {
			logger.Warn("failed to publish offline status: %v", err)
		}
		p.conn.Disconnect()
		p.connected.Store(false)
	}
	p.health.Set(health.Broker, health.Disconnected)
	return runErr
}

// drain takes everything queued in src. Readings go straight out while the link is up and the
// buffer is empty, so nothing overtakes an older buffered reading.
func (p *Publisher) drain(src Source) {
	for {
		r, ok := src.Pop()
		if !ok {
			return
		}
		if p.connected.Load() && p.buffer.Len() == 0 {
			err := p.publishReading(r)
			if err == nil {
				continue
			}
			p.fail(err)
		}
		p.buffer.Push(r)
		p.metrics.BufferLength.Set(float64(p.buffer.Len()))
	}
}

// flush delivers buffered readings oldest first while the link is up
func (p *Publisher) flush() {
	for p.connected.Load() {
		r, ok := p.buffer.Peek()
		if !ok {
			return
		}
		if err := p.publishReading(r); err != nil {
			p.fail(err)
			return
		}
		p.buffer.Pop()
		p.metrics.BufferLength.Set(float64(p.buffer.Len()))
	}
}

// publishReading sends every message of a reading. On failure the whole reading is kept for a
// later attempt, so messages that did go out are sent again.
func (p *Publisher) publishReading(r transformer.Reading) error {
	msgs, err := messages(p.cfg.PayloadFormat, p.cfg.TopicPrefix, r)
	if err != nil {
		logger.Error("failed to encode reading from %s: %v", r.Source(), err)
		return nil
	}
	if err := p.publishLabel(r); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := p.conn.Publish(m.topic, p.cfg.QoS, p.cfg.Retain, m.payload); err != nil {
			p.metrics.PublishErrors.Inc()
			return fmt.Errorf("publish %s: %w", m.topic, err)
		}
		p.metrics.Published.Inc()
		if logger.DebugEnabled() {
			logger.Debug("published %s = %s", m.topic, m.payload)
		}
	}
	return nil
}

// publishLabel announces a mapped device label as a retained <base>/label message in value
// mode, once per connection. JSON payloads carry the label themselves.
func (p *Publisher) publishLabel(r transformer.Reading) error {
	if r.Label == "" || p.cfg.PayloadFormat == config.PayloadJSON {
		return nil
	}
	if s := p.session.Load(); s != p.labeledSession {
		clear(p.labeled)
		p.labeledSession = s
	}
	base := BaseTopic(p.cfg.TopicPrefix, r)
	if p.labeled[base] == r.Label {
		return nil
	}
	topic := LabelTopic(base)
	if err := p.conn.Publish(topic, p.cfg.QoS, true, []byte(r.Label)); err != nil {
		p.metrics.PublishErrors.Inc()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.metrics.Published.Inc()
	p.labeled[base] = r.Label
	return nil
}

func (p *Publisher) publishStatus(status string) error {
	if !p.cfg.StatusTopic {
		return nil
	}
	return p.conn.Publish(StatusTopic(p.cfg.TopicPrefix), 1, true, []byte(status))
}

// fail marks the link as down and asks the connection loop to reconnect
func (p *Publisher) fail(err error) {
	if !p.connected.CompareAndSwap(true, false) {
		return
	}
	logger.Warn("broker publish failed: %v", err)
	select {
	case p.failed <- struct{}{}:
	default:
	}
}

func (p *Publisher) connectLoop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.ReconnectInitialDelay
	bo.MaxInterval = p.cfg.ReconnectMaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	everConnected := false
	for {
		p.health.Set(health.Broker, health.Connecting)
		err := p.connect(ctx)
		if ctx.Err() != nil {
			if err == nil {
				p.conn.Disconnect()
			}
			return nil
		}
		if err == nil {
			// online goes out before the run loop may publish readings
			if err = p.publishStatus(StatusOnline); err != nil {
				p.conn.Disconnect()
			}
		}
		if err != nil {
			p.health.Set(health.Broker, health.Disconnected)
			if errors.Is(err, ErrAuthRejected) && !everConnected {
				return err
			}
			delay := bo.NextBackOff()
			logger.Warn("cannot connect to broker %s: %v; retrying in %s", p.cfg.Broker, err, delay.Round(time.Millisecond))
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}

		if everConnected {
			p.metrics.Reconnects.Inc()
		}
		everConnected = true
		connectedAt := time.Now()

		select {
		case <-p.failed:
		default:
		}
		p.health.Set(health.Broker, health.Connected)
		p.session.Add(1)
		p.connected.Store(true)
		select {
		case p.up <- struct{}{}:
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-p.conn.ConnectionLost():
			p.connected.Store(false)
			logger.Warn("broker connection lost: %v", err)
		case <-p.failed:
			p.conn.Disconnect()
		}
		p.health.Set(health.Broker, health.Disconnected)

		if time.Since(connectedAt) > p.stableAfter {
			bo.Reset()
		}
		if !sleep(ctx, bo.NextBackOff()) {
			return nil
		}
	}
}

func (p *Publisher) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	return p.conn.Connect(ctx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
