package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для задач.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Enqueue tasks and inspect their status",
	}
	cmd.AddCommand(
		newTaskEnqueueCmd(clientFn, outputFn),
		newTaskStatusCmd(clientFn, outputFn),
	)
	return cmd
}

func newTaskEnqueueCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		payload     string
		payloadFile string
		sets        []string
		maxAttempts int
		wait        bool
		interval    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue KIND",
		Short: "Enqueue a task",
		Long: "Enqueue a task of KIND (provision_account, list_product, fulfill_order, erase_account).\n" +
			"Payload comes from --payload, --payload-file or repeated --set key=value.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := buildPayload(payload, payloadFile, sets)
			if err != nil {
				return err
			}

			client := clientFn()
			out := outputFn()

			id, err := client.Enqueue(cmd.Context(), EnqueueRequest{
				Kind:        args[0],
				Payload:     body,
				MaxAttempts: maxAttempts,
			})
			if err != nil {
				return err
			}
			out.Success("Task enqueued: " + id)

			if !wait {
				out.Print([]string{"ID", "KIND"}, [][]string{{id, args[0]}}, map[string]string{"id": id, "kind": args[0]})
				return nil
			}

			task, err := client.WaitTask(cmd.Context(), id, interval)
			if err != nil {
				return err
			}
			printTask(out, task)
			if task.Status != "succeeded" {
				return fmt.Errorf("task %s finished as %s: %s", id, task.Status, task.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "Payload as a JSON object")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read payload JSON from file")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Payload field as KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Maximum delivery attempts (server default if 0)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the task finishes")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Polling interval for --wait")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

func newTaskStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := clientFn().GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTask(outputFn(), task)
			return nil
		},
	}
}

func printTask(out *Output, task *TaskResponse) {
	out.Print(
		[]string{"ID", "KIND", "STATUS", "ATTEMPT", "ERROR"},
		[][]string{{
			task.ID,
			task.Kind,
			task.Status,
			strconv.Itoa(task.Attempt) + "/" + strconv.Itoa(task.MaxAttempts),
			task.Error,
		}},
		task,
	)
}

// buildPayload собирает JSON-объект payload. --set перекрывает поля из JSON.
func buildPayload(raw, file string, sets []string) (json.RawMessage, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = string(data)
	}

	fields := make(map[string]any)
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}

	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, expected KEY=VALUE", kv)
		}
		fields[key] = value
	}

	return json.Marshal(fields)
}
