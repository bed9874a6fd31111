// Package telemetry publishes peer lifecycle events and heartbeats to an
// MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uniport-net/uniport/internal/config"
	"github.com/uniport-net/uniport/internal/events"
	"github.com/uniport-net/uniport/internal/util"
)

// Topic suffixes below the configured prefix.
const (
	TopicPeers  = "peers"
	TopicStatus = "status"
	TopicChat   = "chat"

	defaultPrefix = "uniport"
)

var ErrDisabled = errors.New("telemetry: MQTT is disabled")

// MQTTHandler manages the MQTT connection and publishes bus events.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates the handler and its client. It does not connect.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, version string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"app_version": version,
		},
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("uniport-%s", sysInfo.Hostname))
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

// brokerURL accepts a bare host or a full URL in broker_url.
func brokerURL(cfg config.MQTTConfig) string {
	if strings.Contains(cfg.BrokerURL, "://") {
		return cfg.BrokerURL
	}
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port)
}

// buildTLSConfig loads the optional CA bundle and client certificate (mTLS).
func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Start connects, subscribes to the bus and blocks until ctx is done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().Str("broker", brokerURL(h.cfg)).Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

var subscriptions = []events.EventType{
	events.EventPeerJoined,
	events.EventPeerLeft,
	events.EventChatMessage,
	events.EventHeartbeat,
	events.EventNotifyMQTT,
}

func (h *MQTTHandler) subscribeEvents() {
	for _, t := range subscriptions {
		h.eventBus.Subscribe(t, "mqtt."+string(t), h.onEvent)
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for _, t := range subscriptions {
		h.eventBus.Unsubscribe(t, "mqtt."+string(t))
	}
}

// route maps a bus event to its topic suffix and message body.
func route(event events.Event) (string, interface{}) {
	switch event.Type {
	case events.EventPeerJoined, events.EventPeerLeft:
		return TopicPeers, map[string]interface{}{
			"event": string(event.Type),
			"peer":  event.Payload,
		}
	case events.EventChatMessage:
		return TopicChat, event.Payload
	case events.EventNotifyMQTT:
		if n, ok := event.Payload.(events.NotifyMQTTPayload); ok && n.Topic != "" {
			return n.Topic, n.Data
		}
		return TopicStatus, event.Payload
	default:
		return TopicStatus, map[string]interface{}{
			"event":  string(event.Type),
			"status": event.Payload,
		}
	}
}

func (h *MQTTHandler) onEvent(_ context.Context, event events.Event) error {
	suffix, body := route(event)
	h.publish(suffix, body, false)
	return nil
}

// topic joins the configured prefix and a suffix.
func (h *MQTTHandler) topic(suffix string) string {
	prefix := strings.Trim(h.cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return prefix + "/" + suffix
}

// publish sends a JSON message at QoS 1. With wait it blocks until the
// broker acknowledges or five seconds pass.
func (h *MQTTHandler) publish(suffix string, payload interface{}, wait bool) {
	if !h.client.IsConnected() {
		return
	}
	topic := h.topic(suffix)

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	check := func() {
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}
	if wait {
		check()
		return
	}
	go check()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a shutdown status message and waits for delivery.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicStatus, map[string]interface{}{"event": "shutdown"}, true)
}

func init() {
	// paho logs nothing by default; route its errors through zerolog
	mqtt.ERROR = &pahoLogger{level: zerolog.ErrorLevel}
	mqtt.CRITICAL = &pahoLogger{level: zerolog.ErrorLevel}
}

// pahoLogger adapts zerolog to paho's Logger interface.
type pahoLogger struct {
	level zerolog.Level
}

func (l *pahoLogger) Println(v ...interface{}) {
	log.WithLevel(l.level).Str("component", "paho").Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *pahoLogger) Printf(format string, v ...interface{}) {
	log.WithLevel(l.level).Str("component", "paho").Msgf(format, v...)
}
