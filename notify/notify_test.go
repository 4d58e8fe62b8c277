package notify_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nasa-jpl/flipcoil/notify"
)

type token struct {
	done bool
	err  error
}

func (t *token) Wait() bool                     { return t.done }
func (t *token) WaitTimeout(time.Duration) bool { return t.done }
func (t *token) Error() error                   { return t.err }
func (t *token) Done() <-chan struct{} {
	ch := make(chan struct{})
	if t.done {
		close(ch)
	}
	return ch
}

type client struct {
	topic   string
	qos     byte
	payload []byte
	tok     *token
}

func (c *client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topic, c.qos = topic, qos
	c.payload = payload.([]byte)
	return c.tok
}

func (c *client) Disconnect(uint) {}

func TestPublish(t *testing.T) {
	c := &client{tok: &token{done: true}}
	p := notify.NewMQTT(c, "lab/flipcoil")
	s := notify.Summary{ID: 7, Name: "quad", Mean: 2e-3, Display: "2000.00 +/- 1.00"}
	if err := p.Publish(s); err != nil {
		t.Fatal(err)
	}
	if c.topic != "lab/flipcoil/quad" || c.qos != 1 {
		t.Errorf("unexpected topic %q qos %d", c.topic, c.qos)
	}
	var got notify.Summary
	if err := json.Unmarshal(c.payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != 7 || got.Display != s.Display {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestPublishFailures(t *testing.T) {
	p := notify.NewMQTT(&client{tok: &token{}}, "lab")
	if err := p.Publish(notify.Summary{Name: "x"}); err == nil {
		t.Error("expected an error without acknowledgement")
	}
	broken := errors.New("broker gone")
	p = notify.NewMQTT(&client{tok: &token{done: true, err: broken}}, "lab")
	if err := p.Publish(notify.Summary{Name: "x"}); !errors.Is(err, broken) {
		t.Errorf("expected the broker error, got %v", err)
	}
}
