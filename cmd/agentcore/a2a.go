package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/a2a"
	"github.com/basket/agentcore/internal/gateway"
)

type a2aFlags struct {
	endpoint string
	token    string
}

// client builds an A2A client for the flags, defaulting to the local gateway.
func (f *a2aFlags) client() (*a2a.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	endpoint := f.endpoint
	if endpoint == "" {
		endpoint = cfg.ServerBaseURL + "/a2a"
	}
	token := f.token
	if token == "" {
		token = cfg.AuthToken
	}
	opts := a2a.Options{
		Timeouts: a2a.DefaultTimeouts(cfg.A2A.ExtendedAPITimeoutSeconds, cfg.A2A.ConnectTimeoutSeconds, cfg.A2A.PoolTimeoutSeconds),
	}
	if token != "" {
		opts.Headers = map[string]string{"Authorization": "Bearer " + token}
	}
	return a2a.NewClient(endpoint, opts), nil
}

func newA2ACmd() *cobra.Command {
	f := &a2aFlags{}
	cmd := &cobra.Command{
		Use:   "a2a",
		Short: "Call an A2A endpoint",
	}
	cmd.PersistentFlags().StringVar(&f.endpoint, "endpoint", "", "JSON-RPC endpoint (default <server_base_url>/a2a)")
	cmd.PersistentFlags().StringVar(&f.token, "token", "", "bearer token (default auth_token from config)")
	cmd.AddCommand(newA2ASendCmd(f), newA2AGetCmd(f), newA2ACancelCmd(f))
	return cmd
}

func newA2ASendCmd(f *a2aFlags) *cobra.Command {
	var (
		id       string
		name     string
		priority string
		skills   []string
		stream   bool
	)
	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Submit a task and print its state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.NewString()
			}
			meta := map[string]any{}
			if name != "" {
				meta[gateway.MetaName] = name
			}
			if priority != "" {
				meta[gateway.MetaPriority] = priority
			}
			if len(skills) > 0 {
				meta[gateway.MetaSkillIDs] = skills
			}
			p := a2a.TaskSendParams{
				ID: id,
				Message: a2a.Message{
					Role:  "user",
					Parts: []a2a.Part{{Type: "text", Text: strings.Join(args, " ")}},
				},
				Metadata: meta,
			}

			out := cmd.OutOrStdout()
			if !stream {
				task, err := c.SendTask(cmd.Context(), p)
				if err != nil {
					return err
				}
				return printJSON(out, task)
			}
			for ev, err := range c.SendTaskStreaming(cmd.Context(), p) {
				if err != nil {
					return err
				}
				switch {
				case ev.Status != nil:
					fmt.Fprintf(out, "%s %s\n", badge(out, strings.ToUpper(string(ev.Status.Status.State))), ev.Status.ID)
				case ev.Artifact != nil:
					if err := printJSON(out, ev.Artifact.Artifact); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (default: a new uuid)")
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	cmd.Flags().StringSliceVar(&skills, "skill", nil, "required skill id (repeatable)")
	cmd.Flags().BoolVar(&stream, "stream", false, "follow status updates until the task is final")
	return cmd
}

func newA2AGetCmd(f *a2aFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Print a task's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			task, err := c.GetTask(cmd.Context(), a2a.TaskQueryParams{ID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), task)
		},
	}
}

func newA2ACancelCmd(f *a2aFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			task, err := c.CancelTask(cmd.Context(), a2a.TaskIDParams{ID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), task)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
