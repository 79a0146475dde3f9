package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/a2a"
)

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:4668", "gateway base url")
	token := flag.String("token", "", "bearer token")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	base := strings.TrimRight(strings.TrimSpace(*baseURL), "/")

	if err := checkHealth(ctx, base+"/healthz"); err != nil {
		fatal("healthz", err)
	}
	fmt.Println("CHECK healthz ok")

	opts := a2a.Options{Timeouts: a2a.DefaultTimeouts(10, 5, 30)}
	if t := strings.TrimSpace(*token); t != "" {
		opts.Headers = map[string]string{"Authorization": "Bearer " + t}
	}
	client := a2a.NewClient(base+"/a2a", opts)

	taskID := uuid.NewString()
	sent, err := client.SendTask(ctx, a2a.TaskSendParams{
		ID:       taskID,
		Message:  a2a.Message{Role: "user", Parts: []a2a.Part{a2a.TextPart("runtime smoke test")}},
		Metadata: map[string]any{"name": "runtime-smoke", "priority": "low"},
	})
	if err != nil {
		fatal("tasks/send", err)
	}
	if sent.ID != taskID || sent.Status.State.Final() {
		fatalf("tasks/send unexpected task id=%s state=%s", sent.ID, sent.Status.State)
	}
	fmt.Printf("CHECK send task_id=%s state=%s\n", sent.ID, sent.Status.State)

	got, err := client.GetTask(ctx, a2a.TaskQueryParams{ID: taskID})
	if err != nil {
		fatal("tasks/get", err)
	}
	if got.ID != taskID {
		fatalf("tasks/get returned task_id=%s", got.ID)
	}
	fmt.Printf("CHECK get task_id=%s state=%s\n", got.ID, got.Status.State)

	cancelled, err := client.CancelTask(ctx, a2a.TaskIDParams{ID: taskID})
	if err != nil {
		fatal("tasks/cancel", err)
	}
	if cancelled.Status.State != a2a.StateCanceled {
		fatalf("tasks/cancel state=%s want %s", cancelled.Status.State, a2a.StateCanceled)
	}
	fmt.Printf("CHECK cancel task_id=%s state=%s\n", cancelled.ID, cancelled.Status.State)

	_, err = client.GetTask(ctx, a2a.TaskQueryParams{ID: uuid.NewString()})
	var rpcErr *a2a.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != a2a.CodeTaskNotFound {
		fatalf("tasks/get unknown id: want code %d, got %v", a2a.CodeTaskNotFound, err)
	}
	fmt.Printf("CHECK unknown task code=%d\n", rpcErr.Code)

	fmt.Println("VERDICT PASS")
}

func checkHealth(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
