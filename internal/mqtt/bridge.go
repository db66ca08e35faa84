// Package mqtt bridges the dimmer to an MQTT broker: wire messages arrive on
// <prefix>/command and committed channel values leave on <prefix>/channel/<idx>.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Legich55555/mp710Ctrl/internal/config"
	"github.com/Legich55555/mp710Ctrl/internal/control"
	"github.com/Legich55555/mp710Ctrl/internal/eventbus"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds

	statusOnline  = "online"
	statusOffline = "offline"
)

// ErrConnectionFailed is returned when the broker cannot be reached.
var ErrConnectionFailed = errors.New("mqtt connection failed")

// Topics builds topic names under a common prefix.
type Topics struct {
	Prefix string
}

// Status carries the retained online/offline marker.
func (t Topics) Status() string { return t.Prefix + "/status" }

// Command receives wire messages.
func (t Topics) Command() string { return t.Prefix + "/command" }

// Channel carries the committed value of one channel.
func (t Topics) Channel(idx uint8) string {
	return t.Prefix + "/channel/" + strconv.Itoa(int(idx))
}

// Transition announces started transitions.
func (t Topics) Transition() string { return t.Prefix + "/transition" }

// publisher is the part of the paho client used for outbound messages.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

type transitionPayload struct {
	Name     string `json:"name"`
	Duration string `json:"duration"`
	Source   string `json:"source,omitempty"`
}

// Bridge connects the control service to a broker.
type Bridge struct {
	cfg     config.MQTTConfig
	topics  Topics
	svc     *control.Service
	limiter *rate.Limiter

	client pahomqtt.Client
	pub    publisher
}

func newBridge(cfg config.MQTTConfig, svc *control.Service, limit float64, burst int) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = "mp710-" + uuid.NewString()[:8]
	}
	return &Bridge{
		cfg:     cfg,
		topics:  Topics{Prefix: cfg.TopicPrefix},
		svc:     svc,
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
	}
}

// Connect dials the broker, subscribes to the command topic and marks the
// bridge online. limit and burst bound inbound commands per second.
func Connect(cfg config.MQTTConfig, svc *control.Service, limit float64, burst int) (*Bridge, error) {
	b := newBridge(cfg, svc, limit, burst)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(b.cfg.KeepAlive.Duration())
	opts.SetWill(b.topics.Status(), statusOffline, 1, true)

	// Subscriptions do not survive a clean-session reconnect, so they are made here.
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Info().Str("broker", b.cfg.Broker).Msg("Connected to MQTT broker")
		c.Subscribe(b.topics.Command(), b.cfg.QoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleCommand(msg.Topic(), msg.Payload())
		})
		c.Publish(b.topics.Status(), 1, true, statusOnline)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Msg("Lost connection to MQTT broker")
	})

	b.client = pahomqtt.NewClient(opts)
	b.pub = b.client

	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return b, nil
}

// handleCommand applies one inbound wire message.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	if !b.limiter.Allow() {
		log.Warn().Str("topic", topic).Msg("Dropped MQTT command: rate limit exceeded")
		return
	}
	// Malformed payloads are logged by the service.
	_ = b.svc.ApplyText(string(payload), "mqtt")
}

// HandleEvent is an eventbus handler publishing committed values and started transitions.
func (b *Bridge) HandleEvent(e eventbus.Event) {
	switch e.Type {
	case eventbus.EventTypeChange:
		if !e.OK {
			return
		}
		b.publish(b.topics.Channel(e.Command.ChannelIdx), true, strconv.Itoa(int(e.Command.Param)))
	case eventbus.EventTypeTransition:
		data, err := json.Marshal(transitionPayload{
			Name:     e.Transition,
			Duration: e.Duration.String(),
			Source:   e.Source,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode transition event")
			return
		}
		b.publish(b.topics.Transition(), false, data)
	}
}

// publish hands the message to the client without waiting for the broker. The
// outcome is logged from a separate goroutine so a slow broker never holds up the
// event bus worker.
func (b *Bridge) publish(topic string, retained bool, payload interface{}) {
	token := b.pub.Publish(topic, b.cfg.QoS, retained, payload)
	if token == nil {
		return
	}
	go awaitPublish(topic, token)
}

func awaitPublish(topic string, token pahomqtt.Token) {
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
		}
	case <-timer.C:
		log.Warn().Str("topic", topic).Msg("MQTT publish timed out")
	}
}

// Close marks the bridge offline and disconnects.
func (b *Bridge) Close() {
	if b.client == nil {
		return
	}
	if b.client.IsConnected() {
		token := b.client.Publish(b.topics.Status(), 1, true, statusOffline)
		token.WaitTimeout(publishTimeout)
	}
	b.client.Disconnect(disconnectQuiesce)
	log.Info().Msg("Disconnected from MQTT broker")
}
