package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/basket/agentcore/internal/a2a"
	"github.com/basket/agentcore/internal/bus"
	otelpkg "github.com/basket/agentcore/internal/otel"
)

// NotificationTokenHeader carries PushNotificationConfig.Token on callbacks.
const NotificationTokenHeader = "X-A2A-Notification-Token"

// RunPushNotifier posts a TaskStatusUpdateEvent to the task's registered
// callback whenever one of its assignments changes state. It returns when ctx
// ends.
func (s *Server) RunPushNotifier(ctx context.Context, hc *http.Client) {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	sub := s.cfg.Bus.Subscribe(bus.TopicAssignmentStatus)
	defer s.cfg.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			p, ok := ev.Payload.(bus.AssignmentStatusEvent)
			if !ok {
				continue
			}
			if err := s.notify(ctx, hc, p.TaskID); err != nil {
				s.logger.Warn("push notification failed", "task_id", p.TaskID, "status", p.NewStatus, "error", err)
			}
		}
	}
}

func (s *Server) notify(ctx context.Context, hc *http.Client, taskID string) (err error) {
	cfg, err := pushConfigOf(ctx, s.cfg.Store.DB(), taskID)
	if err != nil || cfg == nil {
		return err
	}
	t, rpcErr := s.getTask(ctx, taskID)
	if rpcErr != nil {
		return rpcErr
	}
	body, err := json.Marshal(a2a.TaskStatusUpdateEvent{
		ID: t.ID, Status: t.Status, Final: t.Status.State.Final(), Metadata: t.Metadata,
	})
	if err != nil {
		return err
	}

	ctx, span := otelpkg.StartClientSpan(ctx, "a2a.push_notification", otelpkg.AttrTaskID.String(taskID))
	defer func() { otelpkg.EndSpan(span, err) }()

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if cfg.Token != "" {
			req.Header.Set(NotificationTokenHeader, cfg.Token)
		}
		if a := cfg.Authentication; a != nil && a.Credentials != "" && len(a.Schemes) > 0 {
			req.Header.Set("Authorization", a.Schemes[0]+" "+a.Credentials)
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := hc.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return struct{}{}, fmt.Errorf("callback answered %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return struct{}{}, backoff.Permanent(fmt.Errorf("callback answered %d", resp.StatusCode))
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	return err
}
