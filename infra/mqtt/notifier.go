// Package mqtt publishes queue events to an MQTT broker so station displays
// and driver apps can follow the line in near real time.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/voltgrid/chargeq/core/events"
	"github.com/voltgrid/chargeq/core/logger"
	"github.com/voltgrid/chargeq/internal/eventbus"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker      string      `json:"broker"`
	ClientID    string      `json:"client_id"`
	Username    string      `json:"username"`
	Password    string      `json:"password"`
	TopicPrefix string      `json:"topic_prefix"`
	QoS         byte        `json:"qos"`
	UseTLS      bool        `json:"use_tls"`
	ClientCert  string      `json:"client_cert"`
	ClientKey   string      `json:"client_key"`
	CABundle    string      `json:"ca_bundle"`
	MaxRetries  int         `json:"max_retries"`
	BackoffMS   int         `json:"backoff_ms"`
	BufferSize  int         `json:"buffer_size"`
	TLSConfig   *tls.Config `json:"-"`
}

// SetDefaults fills the optional fields.
func (c *Config) SetDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "chargeq"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

type outbound struct {
	topic   string
	payload []byte
}

// Notifier buffers queue events from the bus and publishes them to
// <prefix>/<station_id>/<kind> topics when flushed. Publishing is decoupled
// from the queue hot path: the allocator never waits on the broker.
type Notifier struct {
	cli        pahoClient
	prefix     string
	qos        byte
	maxRetries int
	backoff    time.Duration
	bufferSize int
	log        logger.Logger

	mu      sync.Mutex
	pending []outbound
	dropped int

	done chan struct{}
}

// New connects to the broker and returns a Notifier. Call Watch to attach it
// to an event bus.
func New(cfg Config, log logger.Logger) (*Notifier, error) {
	cfg.SetDefaults()
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	opts.OnConnect = func(paho.Client) { log.Infof("MQTT connected") }
	opts.OnConnectionLost = func(_ paho.Client, err error) { log.Errorf("MQTT connection lost: %v", err) }
	opts.OnReconnecting = func(paho.Client, *paho.ClientOptions) { log.Warnf("reconnecting to MQTT broker") }

	cli := newMQTTClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return &Notifier{
		cli:        cli,
		prefix:     cfg.TopicPrefix,
		qos:        cfg.QoS,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		bufferSize: cfg.BufferSize,
		log:        log,
		done:       make(chan struct{}),
	}, nil
}

// Watch consumes the bus until it is closed, buffering every queue event for
// the next Flush.
func (n *Notifier) Watch(bus eventbus.EventBus) {
	ch := bus.Subscribe()
	go func() {
		defer close(n.done)
		for ev := range ch {
			n.buffer(ev)
		}
	}()
}

func (n *Notifier) buffer(ev eventbus.Event) {
	msg, ok := n.encode(ev)
	if !ok {
		return
	}
	n.mu.Lock()
	if len(n.pending) >= n.bufferSize {
		// Oldest advisory notification gives way to the newest.
		n.pending = n.pending[1:]
		n.dropped++
	}
	n.pending = append(n.pending, msg)
	n.mu.Unlock()
}

type envelope struct {
	Kind  string      `json:"kind"`
	Event interface{} `json:"event"`
}

func (n *Notifier) encode(ev eventbus.Event) (outbound, bool) {
	var stationID, kind string
	switch e := ev.(type) {
	case events.PositionChanged:
		stationID, kind = e.StationID, "position_changed"
	case events.Promoted:
		stationID, kind = e.StationID, "promoted"
	case events.Expired:
		stationID, kind = e.StationID, "expired"
	case events.Rebalanced:
		stationID, kind = e.StationID, "rebalanced"
	default:
		return outbound{}, false
	}
	payload, err := json.Marshal(envelope{Kind: kind, Event: ev})
	if err != nil {
		n.log.Errorf("encode %s event: %v", kind, err)
		return outbound{}, false
	}
	return outbound{
		topic:   fmt.Sprintf("%s/%s/%s", n.prefix, stationID, kind),
		payload: payload,
	}, true
}

// Flush publishes the buffered notifications and returns how many went out.
// Messages that could not be delivered stay buffered for the next flush.
func (n *Notifier) Flush(ctx context.Context) (int, error) {
	n.mu.Lock()
	batch := n.pending
	n.pending = nil
	dropped := n.dropped
	n.dropped = 0
	n.mu.Unlock()

	if dropped > 0 {
		n.log.Warnf("notification buffer overflowed, dropped %d events", dropped)
	}

	for i, msg := range batch {
		if err := ctx.Err(); err != nil {
			n.requeue(batch[i:])
			return i, err
		}
		if err := n.publish(msg); err != nil {
			n.requeue(batch[i:])
			return i, fmt.Errorf("publish %s: %w", msg.topic, err)
		}
	}
	return len(batch), nil
}

func (n *Notifier) publish(msg outbound) error {
	var err error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		token := n.cli.Publish(msg.topic, n.qos, false, msg.payload)
		token.Wait()
		if err = token.Error(); err == nil {
			return nil
		}
		n.log.Warnf("publish attempt %d on %s failed: %v", attempt+1, msg.topic, err)
		time.Sleep(n.backoff * time.Duration(1<<attempt))
	}
	return err
}

func (n *Notifier) requeue(rest []outbound) {
	n.mu.Lock()
	n.pending = append(rest, n.pending...)
	n.mu.Unlock()
}

// Pending reports how many notifications wait for the next flush.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Close disconnects from the broker. The bus must be closed first so the
// watcher goroutine has stopped buffering.
func (n *Notifier) Close() {
	select {
	case <-n.done:
	case <-time.After(time.Second):
	}
	if n.cli != nil && n.cli.IsConnected() {
		n.cli.Disconnect(250)
	}
}
