package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/weatherradio/config"
	"github.com/eddielth/weatherradio/health"
	"github.com/eddielth/weatherradio/metrics"
	"github.com/eddielth/weatherradio/queue"
	"github.com/eddielth/weatherradio/transformer"
)

type published struct {
	topic    string
	payload  string
	retained bool
}

// fakeConn is an in-memory broker link
type fakeConn struct {
	mu          sync.Mutex
	reachable   bool
	connectErrs []error
	up          bool
	failOnce    map[string]bool
	messages    []published
	connects    int
	lost        chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{reachable: true, failOnce: map[string]bool{}, lost: make(chan error, 1)}
}

func (c *fakeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		if err != nil {
			return err
		}
	} else if !c.reachable {
		return errors.New("connection refused")
	}
	c.up = true
	c.connects++
	return nil
}

func (c *fakeConn) Publish(topic string, _ byte, retained bool, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.up {
		return errors.New("not connected")
	}
	if c.failOnce[topic] {
		delete(c.failOnce, topic)
		return errors.New("publish timed out")
	}
	c.messages = append(c.messages, published{topic: topic, payload: string(payload), retained: retained})
	return nil
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.up = false
}

func (c *fakeConn) ConnectionLost() <-chan error {
	return c.lost
}

func (c *fakeConn) setReachable(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reachable = v
}

// drop simulates the broker closing the connection
func (c *fakeConn) drop() {
	c.mu.Lock()
	c.up = false
	c.mu.Unlock()
	c.lost <- errors.New("EOF")
}

func (c *fakeConn) isUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up
}

func (c *fakeConn) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

// payloads returns the payloads published on topics with the given suffix, in order
func (c *fakeConn) payloads(suffix string) []string {
	var out []string
	for _, m := range c.sent() {
		if strings.HasSuffix(m.topic, suffix) {
			out = append(out, m.payload)
		}
	}
	return out
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:                "tcp://broker:1883",
		TopicPrefix:           "weatherradio",
		PayloadFormat:         config.PayloadValue,
		StatusTopic:           true,
		BufferSize:            500,
		ConnectTimeout:        time.Second,
		ReconnectInitialDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:     20 * time.Millisecond,
	}
}

func tower(temp float64) transformer.Reading {
	return transformer.Reading{
		Protocol:  "Acurite-Tower",
		DeviceID:  "9",
		Channel:   "A",
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Measurements: []transformer.Measurement{
			{Name: transformer.TemperatureC, Unit: "°C", Value: temp},
			{Name: transformer.HumidityPct, Unit: "%", Value: 50},
		},
	}
}

func runPublisher(t *testing.T, ctx context.Context, p *Publisher, src Source) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, src) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not return")
		return nil
	}
}

func TestPublisherTopicsAndPayloads(t *testing.T) {
	conn := newFakeConn()
	m := metrics.New()
	p := NewPublisher(testMQTTConfig(), conn, m, health.NewTracker())

	src := queue.New[transformer.Reading](10, nil)
	src.Push(tower(20))
	src.Close()

	require.NoError(t, wait(t, runPublisher(t, context.Background(), p, src)))

	var readings []published
	var status []string
	for _, msg := range conn.sent() {
		if msg.topic == "weatherradio/status" {
			assert.True(t, msg.retained)
			status = append(status, msg.payload)
			continue
		}
		readings = append(readings, msg)
	}

	assert.Equal(t, []published{
		{topic: "weatherradio/Acurite-Tower/9/A/temperature_c", payload: "20"},
		{topic: "weatherradio/Acurite-Tower/9/A/humidity_pct", payload: "50"},
	}, readings)
	assert.Equal(t, []string{StatusOnline, StatusOffline}, status)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Published))
	assert.False(t, conn.isUp(), "connection closed on return")
}

func TestPublisherJSONPayload(t *testing.T) {
	conn := newFakeConn()
	cfg := testMQTTConfig()
	cfg.PayloadFormat = config.PayloadJSON
	cfg.StatusTopic = false
	p := NewPublisher(cfg, conn, metrics.New(), nil)

	r := tower(21.5)
	r.Label = "Garden"
	src := queue.New[transformer.Reading](10, nil)
	src.Push(r)
	src.Close()

	require.NoError(t, wait(t, runPublisher(t, context.Background(), p, src)))

	sent := conn.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "weatherradio/Acurite-Tower/9/A", sent[0].topic)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(sent[0].payload), &got))
	assert.Equal(t, "Acurite-Tower", got["protocol"])
	assert.Equal(t, "9", got["device_id"])
	assert.Equal(t, "Garden", got["label"])
	assert.Equal(t, "2024-06-01T12:00:00Z", got["time"])
	assert.Len(t, got["measurements"], 2)
}

func TestPublisherMappedTopic(t *testing.T) {
	conn := newFakeConn()
	cfg := testMQTTConfig()
	cfg.StatusTopic = false
	p := NewPublisher(cfg, conn, metrics.New(), nil)

	r := tower(20)
	r.Topic = "home/garden"
	src := queue.New[transformer.Reading](10, nil)
	src.Push(r)
	src.Close()

	require.NoError(t, wait(t, runPublisher(t, context.Background(), p, src)))
	assert.Equal(t, []string{"20"}, conn.payloads("home/garden/temperature_c"))
}

func TestPublisherAnnouncesLabelOncePerConnection(t *testing.T) {
	conn := newFakeConn()
	cfg := testMQTTConfig()
	cfg.StatusTopic = false
	p := NewPublisher(cfg, conn, metrics.New(), nil)

	src := queue.New[transformer.Reading](10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runPublisher(t, ctx, p, src)

	garden := func(temp float64) transformer.Reading {
		r := tower(temp)
		r.Label = "Garden"
		return r
	}
	src.Push(garden(20))
	src.Push(garden(21))
	src.Push(tower(22))
	require.Eventually(t, func() bool { return len(conn.payloads("temperature_c")) == 3 }, 2*time.Second, 5*time.Millisecond)

	sent := conn.sent()
	assert.Equal(t, published{topic: "weatherradio/Acurite-Tower/9/A/label", payload: "Garden", retained: true}, sent[0])
	assert.Equal(t, []string{"Garden"}, conn.payloads("/label"))

	conn.drop()
	require.Eventually(t, func() bool { return conn.isUp() && p.Connected() }, 2*time.Second, 5*time.Millisecond)
	src.Push(garden(23))
	require.Eventually(t, func() bool { return len(conn.payloads("temperature_c")) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Garden", "Garden"}, conn.payloads("/label"), "announced again after reconnecting")

	cancel()
	require.NoError(t, wait(t, done))
}

func TestPublisherBuffersWhileDisconnected(t *testing.T) {
	conn := newFakeConn()
	conn.setReachable(false)
	m := metrics.New()
	cfg := testMQTTConfig()
	cfg.BufferSize = 3
	p := NewPublisher(cfg, conn, m, health.NewTracker())

	src := queue.New[transformer.Reading](10, nil)
	done := runPublisher(t, context.Background(), p, src)

	for i := 1; i <= 5; i++ {
		src.Push(tower(float64(i)))
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BufferDropped) == 2 && p.Buffered() == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BufferLength))
	assert.Empty(t, conn.payloads("temperature_c"))

	conn.setReachable(true)
	src.Close()
	require.NoError(t, wait(t, done))

	assert.Equal(t, []string{"3", "4", "5"}, conn.payloads("temperature_c"), "most recent readings in order")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BufferLength))
}

func TestPublisherReconnectsAfterConnectionLoss(t *testing.T) {
	conn := newFakeConn()
	m := metrics.New()
	h := health.NewTracker()
	p := NewPublisher(testMQTTConfig(), conn, m, h)

	src := queue.New[transformer.Reading](10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runPublisher(t, ctx, p, src)

	src.Push(tower(1))
	require.Eventually(t, func() bool { return len(conn.payloads("temperature_c")) == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.setReachable(false)
	conn.drop()
	require.Eventually(t, func() bool { return !p.Connected() }, 2*time.Second, 5*time.Millisecond)

	src.Push(tower(2))
	require.Eventually(t, func() bool { return p.Buffered() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.setReachable(true)
	require.Eventually(t, func() bool { return len(conn.payloads("temperature_c")) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2"}, conn.payloads("temperature_c"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
	assert.Equal(t, health.Connected, h.Get(health.Broker))

	cancel()
	require.NoError(t, wait(t, done))
	assert.Equal(t, health.Disconnected, h.Get(health.Broker))
}

func TestPublisherRepublishesWholeReadingAfterFailure(t *testing.T) {
	conn := newFakeConn()
	conn.failOnce["weatherradio/Acurite-Tower/9/A/humidity_pct"] = true
	m := metrics.New()
	p := NewPublisher(testMQTTConfig(), conn, m, nil)

	src := queue.New[transformer.Reading](10, nil)
	src.Push(tower(20))
	src.Close()

	require.NoError(t, wait(t, runPublisher(t, context.Background(), p, src)))

	assert.Equal(t, []string{"20", "20"}, conn.payloads("temperature_c"), "partial reading is sent again")
	assert.Equal(t, []string{"50"}, conn.payloads("humidity_pct"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
}

func TestPublisherAuthRejectedIsFatalAtStartup(t *testing.T) {
	conn := newFakeConn()
	conn.connectErrs = []error{ErrAuthRejected}
	p := NewPublisher(testMQTTConfig(), conn, metrics.New(), nil)

	src := queue.New[transformer.Reading](10, nil)
	err := wait(t, runPublisher(t, context.Background(), p, src))
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestPublisherAuthRejectedLaterIsRetried(t *testing.T) {
	conn := newFakeConn()
	conn.connectErrs = []error{nil, ErrAuthRejected}
	m := metrics.New()
	p := NewPublisher(testMQTTConfig(), conn, m, nil)

	src := queue.New[transformer.Reading](10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runPublisher(t, ctx, p, src)

	require.Eventually(t, p.Connected, 2*time.Second, 5*time.Millisecond)
	conn.drop()
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.Reconnects) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, wait(t, done))
}

func TestPublisherStopsOnCancelWithUndeliveredReadings(t *testing.T) {
	conn := newFakeConn()
	conn.setReachable(false)
	p := NewPublisher(testMQTTConfig(), conn, metrics.New(), nil)

	src := queue.New[transformer.Reading](10, nil)
	src.Push(tower(1))
	src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, wait(t, runPublisher(t, ctx, p, src)))
	assert.Empty(t, conn.sent())
	assert.Zero(t, p.Buffered(), "undelivered readings are released on shutdown")
}
