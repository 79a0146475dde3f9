package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/delivery"
	"github.com/basket/agentcore/internal/shared"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestBus_PublishesChatEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("chat.")
	defer b.Unsubscribe(sub)
	d := delivery.NewBus(b)
	ctx := context.Background()

	_ = d.PushMessage(ctx, "c1", map[string]any{"id": "m1"})
	_ = d.PushRead(ctx, "u1", []string{"m1"}, map[string]int{"c1": 1})

	ev := <-sub.Ch()
	if ev.Topic != bus.TopicChatMessage || ev.Payload.(bus.ChatMessageEvent).Message["id"] != "m1" {
		t.Fatalf("first event = %+v", ev)
	}
	ev = <-sub.Ch()
	if ev.Topic != bus.TopicChatRead || ev.Payload.(bus.ChatReadEvent).ChatUpdates["c1"] != 1 {
		t.Fatalf("second event = %+v", ev)
	}
}

func TestKafka_KeysRecordsByChat(t *testing.T) {
	w := &fakeWriter{}
	k := delivery.NewKafkaWriter(w)

	if err := k.PushNotification(context.Background(), "c9", "n1", map[string]any{"title": "hi"}); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("records = %d", len(w.msgs))
	}
	rec := w.msgs[0]
	if string(rec.Key) != "c9" {
		t.Fatalf("key = %q", rec.Key)
	}
	var env delivery.Envelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		t.Fatal(err)
	}
	if env.Event != bus.TopicChatNotification || env.ChatID != "c9" || env.Timestamp == 0 {
		t.Fatalf("envelope = %+v", env)
	}
	if len(rec.Headers) != 1 || string(rec.Headers[0].Value) != bus.TopicChatNotification {
		t.Fatalf("headers = %+v", rec.Headers)
	}
}

func TestKafka_WriteFailureIsTransportError(t *testing.T) {
	k := delivery.NewKafkaWriter(&fakeWriter{err: errors.New("broker down")})
	err := k.PushMessage(context.Background(), "c1", map[string]any{})
	if shared.KindOf(err) != shared.KindTransport {
		t.Fatalf("kind = %v (%v)", shared.KindOf(err), err)
	}
}

func TestNewKafka_RequiresBrokersAndTopic(t *testing.T) {
	if _, err := delivery.NewKafka(nil, "t"); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := delivery.NewKafka([]string{"localhost:9092"}, ""); err == nil {
		t.Fatal("expected error without topic")
	}
	k, err := delivery.NewKafka([]string{" a:9092, b:9092 "}, "agentcore.chat")
	if err != nil {
		t.Fatal(err)
	}
	_ = k.Close()
}

func TestFanout_ContinuesPastFailingSink(t *testing.T) {
	bad := delivery.NewKafkaWriter(&fakeWriter{err: errors.New("nope")})
	good := &fakeWriter{}
	f := delivery.NewFanout(nil, bad, delivery.NewKafkaWriter(good))

	err := f.PushMessage(context.Background(), "c1", map[string]any{"id": "m1"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(good.msgs) != 1 {
		t.Fatalf("healthy sink records = %d", len(good.msgs))
	}
}
