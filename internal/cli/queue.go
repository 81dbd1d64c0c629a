package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/tacx/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the task queue file",
	Long: `Inspect and edit the task queue file.

Edits load the file, change one task and write it back atomically. The
coordinator reloads the file at the start of every iteration, so edits made
while it runs are picked up on its next pass. An edit that lands while an
iteration is in flight can be overwritten by that iteration's save.`,
}

type queueListItem struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Priority    int      `json:"priority"`
	Description string   `json:"description"`
	Worker      string   `json:"worker,omitempty"`
	Attempts    int      `json:"attempts"`
	MaxAttempts int      `json:"max_attempts"`
	Failures    []string `json:"failure_types,omitempty"`
	PRURL       string   `json:"pr_url,omitempty"`
	Error       string   `json:"error,omitempty"`
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks in the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		status, _ := cmd.Flags().GetString("status")

		q, err := queueStore().Load()
		if err != nil {
			return err
		}

		items := make([]queueListItem, 0, len(q.Tasks))
		for _, t := range q.Tasks {
			if status != "" && string(t.Status) != status {
				continue
			}
			item := queueListItem{
				ID:          t.ID,
				Status:      string(t.Status),
				Priority:    t.Priority,
				Description: t.Description,
				Worker:      t.WorkerID,
				Attempts:    t.Tracking.AttemptCount,
				MaxAttempts: t.Tracking.MaxAttempts,
				PRURL:       t.PRURL,
				Error:       t.Error,
			}
			for _, k := range t.Tracking.FailureHistory {
				item.Failures = append(item.Failures, string(k))
			}
			items = append(items, item)
		}

		if format == "json" {
			return writeJSON(cmd, items)
		}

		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPRIO\tATTEMPTS\tWORKER\tDESCRIPTION")
		for _, item := range items {
			desc := item.Description
			if len(desc) > 50 {
				desc = desc[:47] + "..."
			}
			worker := item.Worker
			if worker == "" {
				worker = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
				item.ID, item.Status, item.Priority, item.Attempts, item.MaxAttempts, worker, desc)
		}
		return w.Flush()
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Return a failed or blocked task to pending with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if err := queueStore().Update(func(q *queue.Queue) error { return q.Retry(id) }); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s is pending again\n", id)
		return nil
	},
}

var queueFailCmd = &cobra.Command{
	Use:   "fail <task-id>",
	Short: "Mark a task failed by hand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		reason, _ := cmd.Flags().GetString("reason")
		err := queueStore().Update(func(q *queue.Queue) error {
			return q.Fail(id, strings.TrimSpace(reason), time.Now())
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s marked failed\n", id)
		return nil
	},
}

var queueUnblockCmd = &cobra.Command{
	Use:   "unblock <task-id>",
	Short: "Return a blocked task to pending, keeping its retry history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if err := queueStore().Update(func(q *queue.Queue) error { return q.Unblock(id) }); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s unblocked\n", id)
		return nil
	},
}

func queueStore() *queue.FileStore {
	return queue.NewFileStore(settings().QueueFile)
}

func init() {
	queueListCmd.Flags().String("format", "table", "Output format: table or json")
	queueListCmd.Flags().String("status", "", "Only show tasks in this status")
	queueFailCmd.Flags().String("reason", "", "Why the task was failed")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueFailCmd)
	queueCmd.AddCommand(queueUnblockCmd)
}
