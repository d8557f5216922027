// Package mqtt implements the MQTT v5 push source: it subscribes to a
// set of topic filters and buffers one message.received event per
// inbound publish, which Poll drains on the scheduler's next tick.
// Unlike the HTTP webhook source, nothing external calls into this
// connector — autopaho's background connection delivers messages to an
// internal queue.
//
// Grounded on internal/mqtt/publisher.go (autopaho.ClientConfig dial
// shape, TLS-by-scheme, OnConnectionUp/OnConnectError wiring) and
// internal/mqtt/subscriber.go (MessageHandler callback shape, the
// message-rate-limiter pattern, applied here at a configurable rate
// instead of the teacher's fixed 100/s).
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/orgloop/orgloop/internal/envelope"
)

const defaultQueueSize = 1000

// Source implements plugin.Source for an MQTT v5 broker subscription.
type Source struct {
	sourceID  string
	broker    string
	username  string
	password  string
	topics    []string
	clientID  string
	logger    *slog.Logger
	limiter   *rateLimiter

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	queue  chan queuedMessage
	cancel context.CancelFunc
}

type queuedMessage struct {
	topic   string
	payload []byte
}

// New constructs an mqtt Source. Registered under the plugin name
// "mqtt".
func New() *Source {
	return &Source{}
}

// Init reads config.broker, config.username, config.password,
// config.topics ([]string of filters), config.client_id, and
// config.source_id.
func (s *Source) Init(raw map[string]any) error {
	s.broker, _ = raw["broker"].(string)
	if s.broker == "" {
		return fmt.Errorf("mqtt: config.broker is required")
	}
	s.username, _ = raw["username"].(string)
	s.password, _ = raw["password"].(string)
	s.sourceID, _ = raw["source_id"].(string)
	s.clientID, _ = raw["client_id"].(string)
	if s.clientID == "" {
		s.clientID = "orgloop-" + s.sourceID
	}

	if rawTopics, ok := raw["topics"].([]any); ok {
		for _, t := range rawTopics {
			if str, ok := t.(string); ok {
				s.topics = append(s.topics, str)
			}
		}
	}
	if len(s.topics) == 0 {
		return fmt.Errorf("mqtt: config.topics must name at least one topic filter")
	}

	s.logger, _ = raw["logger"].(*slog.Logger)
	if s.logger == nil {
		s.logger = slog.Default()
	}

	limit := int64(100)
	if v, ok := raw["rate_limit"].(int); ok && v > 0 {
		limit = int64(v)
	}
	s.limiter = newRateLimiter(limit, time.Second, s.logger)
	s.queue = make(chan queuedMessage, defaultQueueSize)

	return s.connect()
}

// connect dials the broker in the background; autopaho retries and
// reconnects on its own, so this returns once the connection manager
// is constructed rather than waiting for the first successful connect.
func (s *Source) connect() error {
	brokerURL, err := url.Parse(s.broker)
	if err != nil {
		return fmt.Errorf("mqtt: parse broker url: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.limiter.startPeriodicReset(ctx)

	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.username,
		ConnectPassword: []byte(s.password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.broker)
			s.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	s.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !s.limiter.allow() {
			return true, nil
		}
		s.enqueue(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	return nil
}

func (s *Source) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	opts := make([]paho.SubscribeOptions, 0, len(s.topics))
	for _, topic := range s.topics {
		opts = append(opts, paho.SubscribeOptions{Topic: topic, QoS: 0})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		s.logger.Error("mqtt subscribe failed", "error", err, "topics", s.topics)
	} else {
		s.logger.Info("mqtt subscribed to topics", "topics", s.topics)
	}
}

// enqueue buffers one received message, dropping and warning if the
// queue is full so a slow poll cycle never blocks the MQTT client.
func (s *Source) enqueue(topic string, payload []byte) {
	msg := queuedMessage{topic: topic, payload: append([]byte(nil), payload...)}
	select {
	case s.queue <- msg:
	default:
		s.logger.Warn("mqtt message queue full, dropping message", "topic", topic)
	}
}

// Shutdown disconnects from the broker and stops the rate-limiter loop.
func (s *Source) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.cm.Disconnect(ctx)
}

// Poll drains every message queued since the previous poll and
// returns one message.received event per message. It never blocks.
func (s *Source) Poll(ctx context.Context) ([]*envelope.Event, error) {
	var events []*envelope.Event
	for {
		select {
		case msg := <-s.queue:
			e, err := envelope.New(s.sourceID, envelope.TypeMessageReceived,
				envelope.Provenance{"platform": "mqtt", "topic": msg.topic},
				envelope.Payload{"topic": msg.topic, "payload": string(msg.payload)},
				"")
			if err != nil {
				s.logger.Warn("mqtt: construct event failed", "topic", msg.topic, "error", err)
				continue
			}
			events = append(events, e)
		default:
			return events, nil
		}
	}
}
