package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/teebridge/internal/config"
	"github.com/energizer-project/teebridge/internal/events"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestHandler(prefix string, bus *events.EventBus) *MQTTHandler {
	return &MQTTHandler{
		cfg:      config.MQTTConfig{TopicPrefix: prefix},
		eventBus: bus,
		logger:   zerolog.Nop(),
		metadata: map[string]interface{}{"hostname": "test", "target": "tw-0.6+udp://127.0.0.1:8304"},
	}
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := NewMQTTHandler(cfg, events.NewEventBus()); err == nil {
		t.Fatal("expected error when MQTT is disabled")
	}
}

func TestTopic(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"teebridge", "teebridge/bridge/session"},
		{"/site/eu/", "site/eu/bridge/session"},
		{"", "bridge/session"},
	}
	for _, tt := range tests {
		h := newTestHandler(tt.prefix, nil)
		if got := h.topic(TopicSession); got != tt.want {
			t.Errorf("topic(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	h := newTestHandler("teebridge", nil)
	msg := h.buildMessage(map[string]int{"fake_id": 3})

	if msg["hostname"] != "test" {
		t.Errorf("hostname = %v", msg["hostname"])
	}
	if _, ok := msg["payload"].(map[string]int); !ok {
		t.Errorf("payload missing: %v", msg["payload"])
	}
	ts, ok := msg["timestamp"].(string)
	if !ok {
		t.Fatal("timestamp missing")
	}
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("timestamp %q: %v", ts, err)
	}
	if len(h.metadata) != 2 {
		t.Error("buildMessage modified the shared metadata")
	}
}

func TestOnCommandKick(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	got := make(chan events.KickPayload, 1)
	bus.Subscribe(events.EventKick, "test", func(ctx context.Context, e events.Event) error {
		got <- e.Payload.(events.KickPayload)
		return nil
	})

	h := newTestHandler("teebridge", bus)
	h.onCommand(nil, &fakeMessage{
		topic:   "teebridge/bridge/command",
		payload: []byte(`{"action":"kick","real_id":0,"reason":"spam"}`),
	})

	select {
	case p := <-got:
		if p.RealID != 0 || p.Reason != "spam" {
			t.Errorf("kick payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("kick event not emitted")
	}
}

func TestOnCommandRejectsInvalid(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	got := make(chan struct{}, 4)
	bus.Subscribe(events.EventKick, "test", func(ctx context.Context, e events.Event) error {
		got <- struct{}{}
		return nil
	})

	h := newTestHandler("teebridge", bus)
	for _, body := range []string{
		`not json`,
		`{"action":"kick"}`,
		`{"action":"reboot","real_id":1}`,
	} {
		h.onCommand(nil, &fakeMessage{topic: "teebridge/bridge/command", payload: []byte(body)})
	}

	select {
	case <-got:
		t.Fatal("invalid command emitted a kick")
	case <-time.After(100 * time.Millisecond):
	}
}
