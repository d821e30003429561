package netevent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTBridge republishes connectivity notices from a broker topic onto a
// Bus. Payloads are either the bare words "connected"/"disconnected" or a
// JSON object {"event": "connected"}.
type MQTTBridge struct {
	broker   string
	topic    string
	clientID string
	bus      *Bus
	log      zerolog.Logger

	// connectWait bounds how long Connect blocks on the first attempt.
	connectWait time.Duration

	client mqtt.Client
}

// NewMQTTBridge creates an unconnected bridge.
func NewMQTTBridge(broker, topic, clientID string, bus *Bus, log zerolog.Logger) *MQTTBridge {
	return &MQTTBridge{
		broker:   broker,
		topic:    topic,
		clientID: clientID,
		bus:      bus,
		log:      log.With().Str("component", "mqtt_bridge").Str("broker", broker).Logger(),

		connectWait: 5 * time.Second,
	}
}

// Connect dials the broker; the topic subscription is renewed on every
// (re)connect. A broker that is unreachable at boot is not an error: the
// client keeps retrying in the background and subscribes once it gets
// through. Only a cancelled ctx or a refused session fails Connect.
func (m *MQTTBridge) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.broker))
	opts.SetClientID(m.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		m.log.Info().Str("topic", m.topic).Msg("mqtt connection established")
		token := c.Subscribe(m.topic, 1, m.onMessage)
		if !token.WaitTimeout(5 * time.Second) {
			m.log.Error().Str("topic", m.topic).Msg("mqtt subscription timeout")
			return
		}
		if err := token.Error(); err != nil {
			m.log.Error().Err(err).Str("topic", m.topic).Msg("mqtt subscription failed")
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		m.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
	}

	m.client = mqtt.NewClient(opts)
	m.log.Info().Msg("connecting to mqtt broker")

	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.connectWait):
		m.log.Warn().Dur("waited", m.connectWait).Msg("mqtt broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func (m *MQTTBridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	kind, err := ParseEvent(msg.Payload())
	if err != nil {
		m.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("ignoring connectivity message")
		return
	}
	m.bus.Publish(Event{Kind: kind, Source: "mqtt:" + msg.Topic()})
}

// ParseEvent decodes a connectivity payload.
func ParseEvent(payload []byte) (Kind, error) {
	word := strings.TrimSpace(string(payload))
	if strings.HasPrefix(word, "{") {
		var body struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return 0, fmt.Errorf("invalid JSON payload: %w", err)
		}
		word = body.Event
	}
	switch strings.ToLower(strings.TrimSpace(word)) {
	case "connected", "up", "got_ip":
		return Connected, nil
	case "disconnected", "down":
		return Disconnected, nil
	}
	return 0, fmt.Errorf("unknown connectivity event %q", word)
}

// Close unsubscribes and disconnects.
func (m *MQTTBridge) Close() {
	if m.client == nil {
		return
	}
	if m.client.IsConnected() {
		m.client.Unsubscribe(m.topic).WaitTimeout(2 * time.Second)
	}
	m.client.Disconnect(250)
	m.log.Info().Msg("mqtt disconnected")
}
