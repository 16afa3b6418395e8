// Package mqtt bridges pipeline progress events from the internal event bus
// to an MQTT broker so external dashboards can follow optimization runs.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/fdcrail/railsched/infra/logger"
	"github.com/fdcrail/railsched/internal/eventbus"
)

// Config defines the connection parameters for the progress bridge.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	Topic    string `json:"topic"`
	QoS      byte   `json:"qos"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "railsched"
	}
	if c.Topic == "" {
		c.Topic = "railsched/progress"
	}
}

// pahoClient is the subset of the Paho client the bridge uses; overridable in
// tests.
type pahoClient interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Bridge publishes every bus event as a JSON message.
type Bridge struct {
	cli   pahoClient
	topic string
	qos   byte
	log   logger.Logger
}

// NewBridge connects to the broker.
func NewBridge(cfg Config, log logger.Logger) (*Bridge, error) {
	cfg.SetDefaults()
	if log == nil {
		log = logger.New("mqtt-bridge")
	}
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(5 * time.Second)
	cli := newMQTTClient(opts)
	tok := cli.Connect()
	if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	return &Bridge{cli: cli, topic: cfg.Topic, qos: cfg.QoS, log: log}, nil
}

// Run forwards bus events until the context is cancelled or the bus closes.
func (b *Bridge) Run(ctx context.Context, bus eventbus.EventBus) {
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				b.log.Warnf("mqtt bridge: marshal event: %v", err)
				continue
			}
			tok := b.cli.Publish(b.topic, b.qos, false, payload)
			if tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
				b.log.Warnf("mqtt bridge: publish: %v", tok.Error())
			}
		}
	}
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	b.cli.Disconnect(250)
}
