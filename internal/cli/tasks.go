package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xiaocainiao633/codesage/internal/app"
	"github.com/xiaocainiao633/codesage/internal/tasks"
)

func newListCommand(opts *rootOptions) *cobra.Command {
	var (
		view    string
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, res *app.BuildResult) error {
				if !offline {
					if err := res.Store.LoadTasks(ctx); err != nil {
						return err
					}
				}

				var list []tasks.Task
				switch strings.ToLower(strings.TrimSpace(view)) {
				case "", "all":
					list = res.Store.Tasks()
				case "running":
					list = res.Store.Running()
				case "completed":
					list = res.Store.Completed()
				case "failed":
					list = res.Store.Failed()
				default:
					return fmt.Errorf("unknown view %q: want all, running, completed or failed", view)
				}
				return printTasks(cmd.OutOrStdout(), opts.jsonOut, list)
			})
		},
	}
	cmd.Flags().StringVar(&view, "view", "all", "all, running, completed or failed")
	cmd.Flags().BoolVar(&offline, "offline", false, "print the cached snapshot without contacting the server")
	return cmd
}

func newCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		taskType    string
		name        string
		description string
		params      map[string]string
		noFollow    bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task and follow its progress",
		Example: `  codesage create --type analysis --name "scan.py analysis" --param path=scan.py
  codesage create --type git_clone --name clone --param url=https://example.com/repo.git --no-follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tt := tasks.TaskType(strings.TrimSpace(taskType))
			if !tt.Valid() {
				return fmt.Errorf("unknown task type %q: want one of %s", taskType, joinTypes())
			}
			return opts.withClient(cmd, func(ctx context.Context, res *app.BuildResult) error {
				events, unsubscribe := res.Store.Subscribe()
				defer unsubscribe()

				var p map[string]any
				if len(params) > 0 {
					p = make(map[string]any, len(params))
					for k, v := range params {
						p[k] = v
					}
				}
				task, err := res.Store.CreateTask(ctx, tt, name, description, p)
				if err != nil {
					return err
				}

				printer := newEventPrinter(cmd.OutOrStdout(), opts.jsonOut)
				if noFollow {
					return printTasks(cmd.OutOrStdout(), opts.jsonOut, []tasks.Task{task})
				}
				follow(ctx, printer, events, res.Store.Task, []string{task.ID})
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "task type: "+joinTypes())
	cmd.Flags().StringVarP(&name, "name", "n", "", "task name")
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "task parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&noFollow, "no-follow", false, "return once the task is created")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [task-id...]",
		Short: "Follow running tasks until they finish",
		Long: `watch reloads the task list, resumes live streams for running tasks and
prints their progress and agent reasoning. Without arguments every running
task is followed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, res *app.BuildResult) error {
				events, unsubscribe := res.Store.Subscribe()
				defer unsubscribe()

				if err := res.Store.LoadTasks(ctx); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				printer := newEventPrinter(out, opts.jsonOut)
				var ids []string
				if len(args) == 0 {
					for _, t := range res.Store.Running() {
						ids = append(ids, t.ID)
					}
					if len(ids) == 0 {
						fmt.Fprintln(out, "no running tasks")
						return nil
					}
				}
				for _, id := range args {
					t, ok := res.Store.Task(id)
					if !ok {
						return fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, id)
					}
					if t.Status != tasks.TaskStatusRunning {
						printer.print(tasks.Event{Type: tasks.EventTaskUpdated, TaskID: t.ID, Task: &t})
						continue
					}
					ids = append(ids, id)
				}
				follow(ctx, printer, events, res.Store.Task, ids)
				return nil
			})
		},
	}
}

func newCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return errors.New("task id is required")
			}
			return opts.withClient(cmd, func(ctx context.Context, res *app.BuildResult) error {
				if err := res.Store.CancelTask(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", id)
				return nil
			})
		},
	}
}

func printTasks(out io.Writer, jsonOut bool, list []tasks.Task) error {
	if jsonOut {
		if list == nil {
			list = []tasks.Task{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no tasks")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPROGRESS\tNAME\tCREATED")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\t%s\n", t.ID, t.Type, t.Status, t.Progress, t.Name, shortTime(t.CreatedAt))
	}
	return tw.Flush()
}

func joinTypes() string {
	names := make([]string, 0, len(tasks.TaskTypes))
	for _, t := range tasks.TaskTypes {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}
