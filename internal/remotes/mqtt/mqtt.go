// Package mqtt implements remotes.Transport over an MQTT broker via
// paho.mqtt.golang, a concrete PubsubRemotes binding for clones running
// in separate processes.
package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/jabolina/meldcore/internal/merr"
)

// QoS is the MQTT quality-of-service level used for every publish and
// subscribe in this module. At-least-once is enough: duplicate
// deliveries are already handled by TID-based idempotence upstream.
const QoS = 1

// Options configures a Transport.
type Options struct {
	Broker        string
	ClientID      string
	ConnectTimeout time.Duration
}

// Transport adapts a paho MQTT client to remotes.Transport.
type Transport struct {
	client paho.Client
}

// Dial connects to the broker named in opts.Broker (e.g.
// "tcp://localhost:1883").
func Dial(opts Options) (*Transport, error) {
	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true)

	client := paho.NewClient(clientOpts)
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", opts.Broker, merr.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %v", opts.Broker, err)
	}
	return &Transport{client: client}, nil
}

func (t *Transport) Publish(topic string, payload []byte) error {
	token := t.client.Publish(topic, QoS, false, payload)
	token.Wait()
	return token.Error()
}

// PublishRetained publishes with the MQTT retain flag set, so the
// broker replays it to any client that subscribes later.
func (t *Transport) PublishRetained(topic string, payload []byte) error {
	token := t.client.Publish(topic, QoS, true, payload)
	token.Wait()
	return token.Error()
}

func (t *Transport) Subscribe(topic string, handler func(payload []byte)) error {
	token := t.client.Subscribe(topic, QoS, func(_ paho.Client, msg paho.Message) {
		handler(msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (t *Transport) Close() error {
	t.client.Disconnect(250)
	return nil
}
