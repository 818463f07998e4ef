// Package export pushes hub events to an MQTT broker. It implements the
// workers.Publisher interface; a hub without a configured broker simply
// runs without an exporter.
package export

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho API takes a plain uint
)

// Options configures the exporter.
type Options struct {
	// Broker is the broker URL, e.g. "tcp://127.0.0.1:1883".
	Broker string

	// ClientID identifies this hub to the broker.
	ClientID string

	// TopicPrefix is prepended to every published topic.
	TopicPrefix string

	// Username and Password are optional broker credentials.
	Username string
	Password string
}

// Exporter is a thin MQTT publisher. Publishes are QoS 0 fire-and-forget:
// event fan-out must never stall the telemetry path.
type Exporter struct {
	client mqtt.Client
	prefix string
	logger *slog.Logger
}

// Connect dials the broker and returns a ready exporter.
func Connect(opts Options, logger *slog.Logger) (*Exporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "export"))

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("broker connection lost", slog.Any("error", err))
	})
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("broker connected", slog.String("broker", opts.Broker))
	})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("export: connect %s: timeout", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("export: connect %s: %w", opts.Broker, err)
	}

	prefix := opts.TopicPrefix
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}

	return &Exporter{client: client, prefix: prefix, logger: logger}, nil
}

// Publish sends one event under the configured prefix. Delivery is best
// effort; failures are logged, not returned.
func (e *Exporter) Publish(topic string, payload []byte) {
	token := e.client.Publish(e.prefix+topic, 0, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			e.logger.Warn("publish failed",
				slog.String("topic", e.prefix+topic), slog.Any("error", err))
		}
	}()
}

// Close disconnects from the broker, letting in-flight publishes drain.
func (e *Exporter) Close() {
	e.client.Disconnect(disconnectQuiesce)
}
