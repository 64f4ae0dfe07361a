package bus

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/prozess-io/prozess/core/infra/logging"
)

// Subjects for engine notifications. Consumers (UIs, operator tooling) subscribe
// to these; the engine never depends on anyone listening.
const (
	SubjectInstanceStarted = "engine.instance.started"
	SubjectInstanceEnded   = "engine.instance.ended"
	SubjectIncident        = "engine.incident"
)

var (
	errNilNotifier  = errors.New("notifier not initialized")
	errEmptySubject = errors.New("empty subject")
)

// Notifier publishes post-commit engine events. Publishing is best-effort and
// never participates in the command transaction.
type Notifier interface {
	Publish(subject string, event any) error
	Close()
}

// Noop implements Notifier without publishing anything.
type Noop struct{}

func (Noop) Publish(string, any) error { return nil }
func (Noop) Close()                    {}

// Envelope is the wire format for engine notifications.
type Envelope struct {
	Subject   string          `json:"subject"`
	Sender    string          `json:"sender"`
	CreatedAt time.Time       `json:"created_at"`
	Event     json.RawMessage `json:"event"`
}

// NatsNotifier publishes JSON envelopes over a NATS connection.
type NatsNotifier struct {
	nc       *nats.Conn
	sender   string
	attempts int
}

// NewNatsNotifier dials NATS at the provided URL.
func NewNatsNotifier(url, sender string) (*NatsNotifier, error) {
	opts := []nats.Option{
		nats.Name(sender),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsNotifier{nc: nc, sender: sender, attempts: 3}, nil
}

// Publish encodes the event and sends it, retrying transient failures with a
// short backoff.
func (n *NatsNotifier) Publish(subject string, event any) error {
	if n == nil || n.nc == nil {
		return errNilNotifier
	}
	if subject == "" {
		return errEmptySubject
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	env := Envelope{
		Subject:   subject,
		Sender:    n.sender,
		CreatedAt: time.Now().UTC(),
		Event:     payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	delay := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err = n.nc.Publish(subject, data)
		if err == nil {
			return nil
		}
		if attempt >= n.attempts {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
}

// Close shuts down the underlying connection.
func (n *NatsNotifier) Close() {
	if n != nil && n.nc != nil {
		n.nc.Close()
	}
}

// IsConnected reports connection health for readiness checks.
func (n *NatsNotifier) IsConnected() bool {
	return n != nil && n.nc != nil && n.nc.IsConnected()
}
