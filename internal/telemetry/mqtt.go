// Package telemetry publishes bridge events to an MQTT broker and accepts
// admin commands from it.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/teebridge/internal/config"
	"github.com/energizer-project/teebridge/internal/events"
	"github.com/energizer-project/teebridge/internal/util"
)

// MQTT topics, relative to the configured prefix.
const (
	TopicSession = "bridge/session"
	TopicChat    = "bridge/chat"
	TopicAdmin   = "bridge/admin"
	TopicCommand = "bridge/command"
)

// Version is reported in every message.
var Version = "dev"

// MQTTHandler manages the MQTT connection and publishes telemetry events.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT
	bd := cfg.GetBridgeData()

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":    sysInfo.Hostname,
		"platform":    sysInfo.OS,
		"app_version": Version,
		"listen":      bd.ListenAddress,
		"target":      bd.TargetAddress,
	}

	handler := &MQTTHandler{
		cfg:      mqttCfg,
		eventBus: eventBus,
		metadata: metadata,
		logger:   log.With().Str("component", "mqtt").Logger(),
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("teebridge-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig, err := buildTLSConfig(mqttCfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		handler.logger.Info().Msg("MQTT connected")
		// Subscriptions are lost on reconnect with a fresh session.
		handler.subscribeCommands(client)
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		handler.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

func buildTLSConfig(c config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS: load client certificate
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Start connects to the MQTT broker and subscribes to events. It blocks
// until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")

	return nil
}

// subscribeEvents registers event handlers for MQTT publishing.
func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.SubscribeOrdered("mqtt.session", h.onSession,
		events.EventSessionCreated, events.EventSessionDestroyed,
		events.EventSessionRefused, events.EventBackendState)
	if h.cfg.PublishChat {
		h.eventBus.Subscribe(events.EventChatMessage, "mqtt.chat", h.onChat)
	}
}

func (h *MQTTHandler) subscribeCommands(client mqtt.Client) {
	topic := h.topic(TopicCommand)
	token := client.Subscribe(topic, 1, h.onCommand)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT subscribe failed")
		}
	}()
}

// topic prefixes a relative topic with the configured prefix.
func (h *MQTTHandler) topic(rel string) string {
	prefix := strings.Trim(h.cfg.TopicPrefix, "/")
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(rel string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	topic := h.topic(rel)
	msg := h.buildMessage(payload)

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
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

// Event handlers

func (h *MQTTHandler) onSession(ctx context.Context, event events.Event) error {
	h.publish(TopicSession, map[string]interface{}{
		"event":   string(event.Type),
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) onChat(ctx context.Context, event events.Event) error {
	h.publish(TopicChat, event.Payload)
	return nil
}

// command is the JSON body accepted on the command topic.
type command struct {
	Action string `json:"action"`
	RealID *int   `json:"real_id"`
	Reason string `json:"reason"`
}

func (h *MQTTHandler) onCommand(client mqtt.Client, msg mqtt.Message) {
	var cmd command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("invalid MQTT command")
		return
	}

	switch cmd.Action {
	case "kick":
		if cmd.RealID == nil {
			h.logger.Warn().Msg("MQTT kick without real_id")
			return
		}
		h.logger.Info().Int("real_id", *cmd.RealID).Msg("kick requested over MQTT")
		h.eventBus.Emit(context.Background(), events.Event{
			Type:    events.EventKick,
			Source:  "mqtt",
			Payload: events.KickPayload{RealID: *cmd.RealID, Reason: cmd.Reason},
		})
	default:
		h.logger.Warn().Str("action", cmd.Action).Msg("unknown MQTT command")
	}
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, map[string]interface{}{
		"event":     "shutdown",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
