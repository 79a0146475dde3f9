package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/shared"
)

// MessageWriter is the part of *kafka.Writer Kafka uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the JSON value of every record Kafka writes.
type Envelope struct {
	Event     string `json:"event"`
	ChatID    string `json:"chat_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Kafka writes chat events to one topic, keyed by chat id so a chat's
// events stay ordered within a partition.
type Kafka struct {
	w MessageWriter
}

// NewKafka dials nothing up front; kafka-go connects on first write.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	var addrs []string
	for _, b := range brokers {
		for _, part := range strings.Split(b, ",") {
			if part = strings.TrimSpace(part); part != "" {
				addrs = append(addrs, part)
			}
		}
	}
	if len(addrs) == 0 {
		return nil, shared.Validation("kafka delivery needs at least one broker")
	}
	if topic == "" {
		return nil, shared.Validation("kafka delivery needs a topic")
	}
	return NewKafkaWriter(&kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}), nil
}

// NewKafkaWriter wraps an existing writer.
func NewKafkaWriter(w MessageWriter) *Kafka {
	return &Kafka{w: w}
}

func (k *Kafka) write(ctx context.Context, key string, env Envelope) error {
	env.Timestamp = time.Now().UnixMilli()
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Event, err)
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "event", Value: []byte(env.Event)}},
		Time:    time.Now(),
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return &shared.Error{Kind: shared.KindTransport, Op: "kafka.write", Message: env.Event, Err: err}
	}
	return nil
}

func (k *Kafka) PushMessage(ctx context.Context, chatID string, msg map[string]any) error {
	return k.write(ctx, chatID, Envelope{Event: bus.TopicChatMessage, ChatID: chatID, Data: msg})
}

func (k *Kafka) PushNotification(ctx context.Context, chatID, _ string, notif map[string]any) error {
	return k.write(ctx, chatID, Envelope{Event: bus.TopicChatNotification, ChatID: chatID, Data: notif})
}

func (k *Kafka) PushRead(ctx context.Context, userID string, updatedIDs []string, chatUpdates map[string]int) error {
	return k.write(ctx, userID, Envelope{
		Event:  bus.TopicChatRead,
		UserID: userID,
		Data:   map[string]any{"updated_ids": updatedIDs, "chat_updates": chatUpdates},
	})
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
