package bus

import (
	"encoding/json"
	"testing"
)

func TestNoopPublish(t *testing.T) {
	var n Noop
	if err := n.Publish(SubjectIncident, map[string]string{"job_id": "j1"}); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
	n.Close()
}

func TestNatsNotifierNilGuards(t *testing.T) {
	var n *NatsNotifier
	if err := n.Publish(SubjectIncident, nil); err == nil {
		t.Fatalf("expected error publishing on nil notifier")
	}
	n.Close()
	if n.IsConnected() {
		t.Fatalf("nil notifier reported connected")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := json.Marshal(map[string]string{"instance_id": "inst-1"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := Envelope{Subject: SubjectInstanceStarted, Sender: "engine-1", Event: payload}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if got.Subject != SubjectInstanceStarted || got.Sender != "engine-1" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	var event map[string]string
	if err := json.Unmarshal(got.Event, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event["instance_id"] != "inst-1" {
		t.Fatalf("unexpected event: %v", event)
	}
}
