package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"wis2sub/internal/config"
	"wis2sub/internal/logger"
	apperrors "wis2sub/pkg/errors"
)

const (
	mqttTLSPort       = 8883
	mqttWebsocketPort = 443

	messageBuffer  = 256
	connectTimeout = 30 * time.Second
)

// MQTTSubscriber connects to a WIS2 global broker or cache over MQTT.
// Auto-reconnect is deliberately off: connection loss is surfaced on the
// ConnectionLost channel and the intake pipeline drives the retry.
type MQTTSubscriber struct {
	cfg    config.MQTTConfig
	log    logger.Logger
	client mqtt.Client
	msgs   chan RawMessage
	lost   chan error
}

func NewMQTTSubscriber(cfg config.MQTTConfig, log logger.Logger) *MQTTSubscriber {
	s := &MQTTSubscriber{
		cfg:  cfg,
		log:  log,
		msgs: make(chan RawMessage, messageBuffer),
		lost: make(chan error, 1),
	}

	opts := clientOptions(cfg)

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.log.Warnw("MQTT connection lost",
			"endpoint", cfg.Endpoint,
			"error", err,
		)
		select {
		case s.lost <- apperrors.ErrTransport.WithCause(err):
		default:
		}
	}

	s.client = mqtt.NewClient(opts)
	return s
}

// clientOptions builds the paho options for one subscription. Ordered
// delivery stays on: the handler runs on the client's dispatch goroutine in
// broker order, so a full message buffer blocks the handler and backpressures
// MQTT inflow instead of queuing unbounded goroutines.
func clientOptions(cfg config.MQTTConfig) *mqtt.ClientOptions {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "wis2sub-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL(cfg)).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetOrderMatters(true).
		SetAutoReconnect(false)

	if !cfg.Insecure && cfg.Transport == "tcp" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// brokerURL builds the connection URL from the endpoint and transport. The
// WIS2 guide prescribes MQTTS on 8883 and MQTT over websockets on 443; an
// explicit port in the endpoint wins.
func brokerURL(cfg config.MQTTConfig) string {
	endpoint := cfg.Endpoint
	scheme := "ssl"
	port := mqttTLSPort

	if cfg.Transport == "websockets" {
		scheme = "wss"
		port = mqttWebsocketPort
	}
	if cfg.Insecure {
		if cfg.Transport == "websockets" {
			scheme = "ws"
		} else {
			scheme = "tcp"
		}
	}

	if strings.Contains(endpoint, ":") {
		return fmt.Sprintf("%s://%s", scheme, endpoint)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, endpoint, port)
}

func (s *MQTTSubscriber) Connect(ctx context.Context) error {
	s.log.Infow("Connecting to MQTT broker",
		"endpoint", s.cfg.Endpoint,
		"transport", s.cfg.Transport,
	)

	token := s.client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return apperrors.ErrTransport.WithCause(err).WithDetail("message", fmt.Sprintf("connect to %s failed: %v", s.cfg.Endpoint, err))
	}

	handler := func(_ mqtt.Client, m mqtt.Message) {
		s.msgs <- RawMessage{
			Topic:    m.Topic(),
			Payload:  m.Payload(),
			Received: time.Now().UTC(),
		}
	}

	filters := make(map[string]byte, len(s.cfg.Topics))
	for _, topic := range s.cfg.Topics {
		filters[topic] = s.cfg.QoS
	}

	token = s.client.SubscribeMultiple(filters, handler)
	if err := waitToken(ctx, token); err != nil {
		s.client.Disconnect(0)
		return apperrors.ErrTransport.WithCause(err).WithDetail("message", fmt.Sprintf("subscribe failed: %v", err))
	}

	s.log.Infow("Subscribed",
		"endpoint", s.cfg.Endpoint,
		"topics", s.cfg.Topics,
		"qos", s.cfg.QoS,
	)
	return nil
}

func (s *MQTTSubscriber) Messages() <-chan RawMessage {
	return s.msgs
}

func (s *MQTTSubscriber) ConnectionLost() <-chan error {
	return s.lost
}

func (s *MQTTSubscriber) Disconnect(timeout time.Duration) error {
	if s.client.IsConnected() {
		s.client.Disconnect(uint(timeout.Milliseconds()))
	}
	return nil
}

// waitToken waits for a paho token respecting both the context and the
// connect timeout; paho's own Wait blocks indefinitely.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(connectTimeout):
		return fmt.Errorf("timed out after %s", connectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
