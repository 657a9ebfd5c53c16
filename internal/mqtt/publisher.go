// Package mqtt publishes meter readings to an MQTT broker using the
// Wiren Board device convention: /devices/<id>/meta/... and /devices/<id>/controls/...
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by Publish while the broker connection is down
var ErrNotConnected = errors.New("mqtt not connected")

// Config configures the broker connection
type Config struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
	QoS      byte

	KeepAlive            time.Duration
	ConnectTimeout       time.Duration
	MaxReconnectInterval time.Duration
	PublishTimeout       time.Duration

	// TopicPrefix overrides the default /devices/<client_id>/ prefix
	TopicPrefix string
}

// BrokerURL returns the broker address in paho form
func (c Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// Prefix returns the topic prefix, always ending in a slash
func (c Config) Prefix() string {
	prefix := c.TopicPrefix
	if prefix == "" {
		prefix = "/devices/" + c.ClientID
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// ClientFactory builds the paho client. Tests substitute a fake.
type ClientFactory func(*paho.ClientOptions) paho.Client

// Publisher implements meter.Publisher on top of paho.
// Retained values are cached and republished after every (re)connect, so a
// broker restart does not lose the device metadata.
type Publisher struct {
	cfg    Config
	prefix string
	logger *slog.Logger
	client paho.Client

	mu       sync.Mutex
	retained map[string]string
	order    []string

	connected atomic.Bool
	connects  atomic.Int64
	published atomic.Int64
	failed    atomic.Int64
	deferred  atomic.Int64

	// sendMu orders inflight.Add against Close's Wait
	sendMu    sync.Mutex
	closed    bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// New creates a publisher using the paho client
func New(cfg Config, logger *slog.Logger) *Publisher {
	return NewWithFactory(cfg, paho.NewClient, logger)
}

// NewWithFactory creates a publisher with a custom client factory
func NewWithFactory(cfg Config, factory ClientFactory, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	p := &Publisher{
		cfg:      cfg,
		prefix:   cfg.Prefix(),
		logger:   logger,
		retained: make(map[string]string),
	}

	p.client = factory(p.options())
	return p
}

func (p *Publisher) options() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(p.cfg.BrokerURL()).
		SetClientID(p.cfg.ClientID).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost).
		SetReconnectingHandler(p.onReconnecting)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	if p.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(p.cfg.KeepAlive)
	}
	if p.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(p.cfg.ConnectTimeout)
	}
	if p.cfg.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(p.cfg.MaxReconnectInterval)
	}
	opts.SetWriteTimeout(p.cfg.PublishTimeout)

	return opts
}

// Connect starts connecting and waits up to ConnectTimeout for the first
// connection. If the broker is not reachable in time, paho keeps retrying in
// the background and Connect returns nil; publishes fail until it connects.
func (p *Publisher) Connect(ctx context.Context) error {
	p.logger.Info("connecting to mqtt broker",
		"broker", p.cfg.BrokerURL(),
		"client_id", p.cfg.ClientID,
		"prefix", p.prefix,
	)

	token := p.client.Connect()

	wait := p.cfg.ConnectTimeout
	if wait <= 0 {
		wait = 10 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect %s: %w", p.cfg.BrokerURL(), err)
		}
		return nil
	case <-timer.C:
		p.logger.Warn("mqtt broker not reachable yet, retrying in background",
			"broker", p.cfg.BrokerURL(),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) onConnect(c paho.Client) {
	p.connected.Store(true)
	n := p.connects.Add(1)

	if p.isClosed() {
		return
	}

	p.mu.Lock()
	replay := make([][2]string, 0, len(p.order))
	for _, topic := range p.order {
		replay = append(replay, [2]string{topic, p.retained[topic]})
	}
	p.mu.Unlock()

	p.logger.Info("mqtt connected",
		"broker", p.cfg.BrokerURL(),
		"connects", n,
		"republished", len(replay),
	)

	for _, msg := range replay {
		p.send(msg[0], msg[1], true)
	}
}

func (p *Publisher) onConnectionLost(_ paho.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn("mqtt connection lost", "error", err)
}

func (p *Publisher) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	p.logger.Debug("mqtt reconnecting", "broker", p.cfg.BrokerURL())
}

// Topic returns the full topic for a suffix
func (p *Publisher) Topic(suffix string) string {
	return p.prefix + strings.TrimPrefix(suffix, "/")
}

// Publish hands a value to paho without waiting for delivery. Retained values
// are remembered for republishing after reconnect; while disconnected they are
// only cached and nil is returned. Non-retained values fail with ErrNotConnected.
func (p *Publisher) Publish(topicSuffix, value string, retain bool) error {
	if p.isClosed() {
		return ErrNotConnected
	}

	topic := p.Topic(topicSuffix)

	if retain {
		p.mu.Lock()
		if _, ok := p.retained[topic]; !ok {
			p.order = append(p.order, topic)
		}
		p.retained[topic] = value
		p.mu.Unlock()
	}

	if !p.connected.Load() || !p.client.IsConnectionOpen() {
		if retain {
			p.deferred.Add(1)
			return nil
		}
		return ErrNotConnected
	}

	if !p.send(topic, value, retain) {
		return ErrNotConnected
	}
	return nil
}

func (p *Publisher) isClosed() bool {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.closed
}

// send publishes and logs delivery failures asynchronously. It returns false
// once the publisher is closed.
func (p *Publisher) send(topic, value string, retain bool) bool {
	p.sendMu.Lock()
	if p.closed {
		p.sendMu.Unlock()
		return false
	}
	p.inflight.Add(1)
	p.sendMu.Unlock()

	token := p.client.Publish(topic, p.cfg.QoS, retain, value)

	go func() {
		defer p.inflight.Done()

		if !token.WaitTimeout(p.cfg.PublishTimeout) {
			p.failed.Add(1)
			p.logger.Warn("mqtt publish timed out", "topic", topic, "timeout", p.cfg.PublishTimeout)
			return
		}
		if err := token.Error(); err != nil {
			p.failed.Add(1)
			p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
			return
		}
		p.published.Add(1)
	}()
	return true
}

// IsConnected reports whether the broker connection is up
func (p *Publisher) IsConnected() bool {
	return p.connected.Load() && p.client.IsConnectionOpen()
}

// Stats returns publisher statistics
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	retained := len(p.order)
	p.mu.Unlock()

	return Stats{
		Broker:    p.cfg.BrokerURL(),
		ClientID:  p.cfg.ClientID,
		Connected: p.IsConnected(),
		Connects:  p.connects.Load(),
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Deferred:  p.deferred.Load(),
		Retained:  retained,
	}
}

// Stats contains publisher statistics
type Stats struct {
	Broker    string `json:"broker"`
	ClientID  string `json:"client_id"`
	Connected bool   `json:"connected"`
	Connects  int64  `json:"connects"`
	Published int64  `json:"published"`
	Failed    int64  `json:"failed"`
	Deferred  int64  `json:"deferred"` // retained values cached while disconnected
	Retained  int    `json:"retained"`
}

// Close waits for in-flight publishes and disconnects
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.sendMu.Lock()
		p.closed = true
		p.sendMu.Unlock()

		p.inflight.Wait()
		p.client.Disconnect(250)
		p.connected.Store(false)
		p.logger.Info("mqtt disconnected",
			"published", p.published.Load(),
			"failed", p.failed.Load(),
		)
	})
	return nil
}

// QoS parses a QoS level
func QoS(level int) (byte, error) {
	if level < 0 || level > 2 {
		return 0, fmt.Errorf("invalid mqtt qos %d", level)
	}
	return byte(level), nil
}
