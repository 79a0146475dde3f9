package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/agentcore/internal/a2a"
	"github.com/basket/agentcore/internal/bus"
)

// keepAliveInterval spaces SSE comment frames on an idle stream.
var keepAliveInterval = 15 * time.Second

// streamTask implements tasks/sendSubscribe: it sends the task like
// tasks/send, then streams a TaskStatusUpdateEvent for every assignment
// change of the task until a final state. The first frame carries the state
// right after sending. A client disconnect ends the stream.
func (s *Server) streamTask(ctx context.Context, w http.ResponseWriter, req a2a.Request) *a2a.RPCError {
	var p a2a.TaskSendParams
	if e := decodeParams(req.Params, &p); e != nil {
		writeJSON(w, http.StatusOK, reply(req.ID, nil, e))
		return e
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		e := a2a.NewRPCError(a2a.CodeUnsupportedOperation, "streaming not supported")
		writeJSON(w, http.StatusOK, reply(req.ID, nil, e))
		return e
	}

	// Subscribe first so no transition between send and stream is missed.
	sub := s.cfg.Bus.Subscribe("assignment.")
	defer s.cfg.Bus.Unsubscribe(sub)

	task, e := s.sendTask(ctx, p)
	if e != nil {
		writeJSON(w, http.StatusOK, reply(req.ID, nil, e))
		return e
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev a2a.StreamEvent) bool {
		raw, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("sse: encode event", "task_id", task.ID, "error", err)
			return false
		}
		frame, _ := json.Marshal(a2a.Response{JSONRPC: "2.0", ID: req.ID, Result: raw})
		if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	status := func(t *a2a.Task) bool {
		final := t.Status.State.Final()
		if final {
			for _, art := range t.Artifacts {
				if !send(a2a.StreamEvent{Artifact: &a2a.TaskArtifactUpdateEvent{ID: t.ID, Artifact: art}}) {
					return false
				}
			}
		}
		return send(a2a.StreamEvent{Status: &a2a.TaskStatusUpdateEvent{
			ID: t.ID, Status: t.Status, Final: final, Metadata: t.Metadata,
		}}) && !final
	}

	if !status(task) {
		return nil
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "task_id", task.ID)
			return nil
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			p, ok := ev.Payload.(bus.AssignmentStatusEvent)
			if !ok || p.TaskID != task.ID {
				continue
			}
			t, e := s.getTask(ctx, task.ID)
			if e != nil {
				s.logger.Warn("sse: reload task failed", "task_id", task.ID, "error", e)
				return nil
			}
			if !status(t) {
				return nil
			}
		}
	}
}
