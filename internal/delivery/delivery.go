// Package delivery carries committed chat writes out of the store: onto the
// in-process bus for WebSocket clients, and optionally onto a Kafka topic.
package delivery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/basket/agentcore/internal/bus"
)

// Bus publishes chat events for in-process subscribers such as the
// gateway's WebSocket channel. It never fails.
type Bus struct {
	bus *bus.Bus
}

func NewBus(b *bus.Bus) *Bus {
	return &Bus{bus: b}
}

func (d *Bus) PushMessage(_ context.Context, chatID string, msg map[string]any) error {
	d.bus.Publish(bus.TopicChatMessage, bus.ChatMessageEvent{ChatID: chatID, Message: msg})
	return nil
}

func (d *Bus) PushNotification(_ context.Context, chatID, uid string, notif map[string]any) error {
	d.bus.Publish(bus.TopicChatNotification, bus.ChatNotificationEvent{ChatID: chatID, UID: uid, Notification: notif})
	return nil
}

func (d *Bus) PushRead(_ context.Context, userID string, updatedIDs []string, chatUpdates map[string]int) error {
	d.bus.Publish(bus.TopicChatRead, bus.ChatReadEvent{UserID: userID, UpdatedIDs: updatedIDs, ChatUpdates: chatUpdates})
	return nil
}

// Sink is what Fanout forwards to. Bus and Kafka implement it.
type Sink interface {
	PushMessage(ctx context.Context, chatID string, msg map[string]any) error
	PushNotification(ctx context.Context, chatID, uid string, notif map[string]any) error
	PushRead(ctx context.Context, userID string, updatedIDs []string, chatUpdates map[string]int) error
}

// Fanout forwards every push to each sink in order. A failing sink does not
// stop the others; their errors are joined.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{sinks: sinks, logger: logger.With("component", "delivery")}
}

func (f *Fanout) each(event string, push func(Sink) error) error {
	var errs []error
	for _, s := range f.sinks {
		if err := push(s); err != nil {
			f.logger.Warn("delivery sink failed", "event", event, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) PushMessage(ctx context.Context, chatID string, msg map[string]any) error {
	return f.each(bus.TopicChatMessage, func(s Sink) error { return s.PushMessage(ctx, chatID, msg) })
}

func (f *Fanout) PushNotification(ctx context.Context, chatID, uid string, notif map[string]any) error {
	return f.each(bus.TopicChatNotification, func(s Sink) error { return s.PushNotification(ctx, chatID, uid, notif) })
}

func (f *Fanout) PushRead(ctx context.Context, userID string, updatedIDs []string, chatUpdates map[string]int) error {
	return f.each(bus.TopicChatRead, func(s Sink) error { return s.PushRead(ctx, userID, updatedIDs, chatUpdates) })
}
