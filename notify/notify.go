// Package notify publishes the results of finished measurements over MQTT
package notify

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// Summary is the message published for a finished measurement
type Summary struct {
	ID       uint      `json:"id"`
	RunID    string    `json:"runId"`
	Name     string    `json:"name"`
	Config   string    `json:"config"`
	Created  time.Time `json:"created"`
	Mean     float64   `json:"mean"`
	Std      float64   `json:"std"`
	Display  string    `json:"display"`
	Measured string    `json:"measured,omitempty"`
	Ambient  string    `json:"ambient,omitempty"`
}

// Client is the part of an MQTT client used to publish
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes summaries to topic/<measurement name>
type MQTT struct {
	client  Client
	topic   string
	timeout time.Duration
}

// NewMQTT returns a publisher using an existing client
func NewMQTT(c Client, topic string) *MQTT {
	return &MQTT{client: c, topic: topic, timeout: 5 * time.Second}
}

// Dial connects to broker and returns a publisher
func Dial(broker, clientID, topic string) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrapf(token.Error(), "connecting to MQTT broker %s", broker)
	}
	return NewMQTT(client, topic), nil
}

// Topic is the topic a summary is published on
func (m *MQTT) Topic(s Summary) string {
	return m.topic + "/" + s.Name
}

// Publish sends s with at-least-once delivery
func (m *MQTT) Publish(s Summary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.Topic(s), 1, false, payload)
	if !token.WaitTimeout(m.timeout) {
		return errors.Errorf("publishing to %s: no acknowledgement after %s", m.Topic(s), m.timeout)
	}
	return errors.Wrapf(token.Error(), "publishing to %s", m.Topic(s))
}

// Close disconnects from the broker
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
