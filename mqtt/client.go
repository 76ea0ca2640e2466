package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"

	"github.com/eddielth/weatherradio/config"
	"github.com/eddielth/weatherradio/logger"
)

// ErrAuthRejected means the broker refused the credentials
var ErrAuthRejected = errors.New("broker rejected credentials")

// Conn is a broker connection. Reconnection is driven by the Publisher, so implementations
// must not reconnect on their own.
type Conn interface {
	// Connect blocks until the connection is up, refused, or ctx is done
	Connect(ctx context.Context) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
	// ConnectionLost receives when an established connection drops
	ConnectionLost() <-chan error
}

// Client is the paho implementation of Conn
type Client struct {
	client mqtt.Client
	config config.MQTTConfig
	lost   chan error
}

// NewClient creates a paho client with automatic reconnection disabled and the status topic
// registered as last will.
func NewClient(cfg config.MQTTConfig) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	if cfg.ClientID == "" {
		cfg.ClientID = "weatherradio-" + uuid.NewString()[:8]
	}
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.StatusTopic {
		opts.SetWill(StatusTopic(cfg.TopicPrefix), StatusOffline, 1, true)
	}

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	c := &Client{
		config: cfg,
		lost:   make(chan error, 1),
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case c.lost <- err:
		default:
		}
	})
	c.client = mqtt.NewClient(opts)

	return c, nil
}

// Connect connects to the MQTT broker
func (c *Client) Connect(ctx context.Context) error {
	// a drop reported for the previous connection is stale now
	select {
	case <-c.lost:
	default:
	}

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.client.Disconnect(0)
		return fmt.Errorf("connection to MQTT broker %s: %w", c.config.Broker, ctx.Err())
	}

	if err := token.Error(); err != nil {
		if isAuthError(token, err) {
			return fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		return err
	}

	logger.Info("successfully connected to MQTT broker: %s", c.config.Broker)
	return nil
}

func isAuthError(token mqtt.Token, err error) bool {
	if ct, ok := token.(*mqtt.ConnectToken); ok {
		switch ct.ReturnCode() {
		case packets.ErrRefusedBadUsernameOrPassword, packets.ErrRefusedNotAuthorised:
			return true
		}
	}
	return errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised)
}

// Publish sends one message and waits for the publish timeout
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)

	timeout := c.config.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to topic %s timed out", topic)
	}
	return token.Error()
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	if !c.client.IsConnected() {
		return
	}
	c.client.Disconnect(250)
	logger.Info("disconnected from MQTT broker")
}

// ConnectionLost implements Conn
func (c *Client) ConnectionLost() <-chan error {
	return c.lost
}
