package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fkiller/GnuNae-sub001/internal/host/pool"
	"github.com/fkiller/GnuNae-sub001/internal/task/models"
	"github.com/fkiller/GnuNae-sub001/internal/task/runner"
	"github.com/fkiller/GnuNae-sub001/internal/task/store"
)

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage stored tasks",
		Long:  "Manage stored tasks directly in the task store. Stop a running controller first, or use its API, so that only one process writes the store.",
	}
	cmd.AddCommand(
		newTaskListCmd(a),
		newTaskCreateCmd(a),
		newTaskDeleteCmd(a),
		newTaskRunCmd(a),
		newTaskExportCmd(a),
		newTaskImportCmd(a),
	)
	return cmd
}

func newTaskListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			return writeTaskList(cmd.OutOrStdout(), st.List(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeTaskList(w io.Writer, tasks []*models.Task, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTRIGGER\tENABLED\tLAST RUN")
	for _, t := range tasks {
		last := "-"
		if t.LastRunAt != nil {
			last = fmt.Sprintf("%s (%s)", t.LastRunStatus, t.LastRunAt.Local().Format(time.RFC3339))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", t.ID, t.Name, describeTrigger(t.Trigger), t.Enabled, last)
	}
	return tw.Flush()
}

func describeTrigger(trig models.Trigger) string {
	switch trig.Type {
	case models.TriggerOnGoing:
		return "on-going " + trig.Domain
	case models.TriggerScheduled:
		if trig.Timing != "" {
			return fmt.Sprintf("scheduled %s at %s", trig.Frequency, trig.Timing)
		}
		return "scheduled " + string(trig.Frequency)
	}
	return string(trig.Type)
}

type createFlags struct {
	name      string
	prompt    string
	startURL  string
	trigger   string
	domain    string
	frequency string
	timing    string
	mode      string
}

func newTaskCreateCmd(a *app) *cobra.Command {
	var f createFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			task, err := st.Create(f.request())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), task.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "", "task name")
	cmd.Flags().StringVar(&f.prompt, "prompt", "", "instruction handed to the agent")
	cmd.Flags().StringVar(&f.startURL, "url", "", "page to open before running")
	cmd.Flags().StringVar(&f.trigger, "trigger", string(models.TriggerOneTime), "one-time, on-going or scheduled")
	cmd.Flags().StringVar(&f.domain, "domain", "", "domain for on-going tasks")
	cmd.Flags().StringVar(&f.frequency, "frequency", "", "hourly, daily or weekly for scheduled tasks")
	cmd.Flags().StringVar(&f.timing, "timing", "", "HH:MM local time for scheduled tasks")
	cmd.Flags().StringVar(&f.mode, "mode", string(models.ModeAgent), "ask, agent or full-access")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func (f createFlags) request() store.CreateRequest {
	return store.CreateRequest{
		Name:            f.name,
		OriginalPrompt:  f.prompt,
		OptimizedPrompt: f.prompt,
		StartURL:        f.startURL,
		Trigger: models.Trigger{
			Type:      models.TriggerType(f.trigger),
			Domain:    f.domain,
			Frequency: models.Frequency(f.frequency),
			Timing:    f.timing,
		},
		Mode: models.Mode(f.mode),
	}
}

func newTaskDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			return st.Delete(args[0])
		},
	}
}

func newTaskRunCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a task once on an execution host and print the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.load()
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			hosts, err := pool.New(ctx, cfg.Host, log)
			if err != nil {
				return fmt.Errorf("initialize host pool: %w", err)
			}
			defer func() { _ = hosts.Close(context.Background()) }()

			rn := runner.New(st, hosts, runner.WithLogger(log))
			out, runErr := rn.RunSync(ctx, args[0], runner.SourceManual)
			if out.TaskID != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if out.Status != models.RunStatusSuccess {
				return fmt.Errorf("task finished with status %s", out.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the run after this long (0 waits forever)")
	return cmd
}

func newTaskExportCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export tasks as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return exportTasks(w, st.List())
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func exportTasks(w io.Writer, tasks []*models.Task) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(tasks); err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	return enc.Close()
}

func newTaskImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import tasks from a YAML export; existing ids are skipped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			tasks, err := decodeTasks(f)
			if err != nil {
				return err
			}
			added, err := st.Import(tasks)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d tasks\n", added, len(tasks))
			return err
		},
	}
}

func decodeTasks(r io.Reader) ([]*models.Task, error) {
	var tasks []*models.Task
	if err := yaml.NewDecoder(r).Decode(&tasks); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return tasks, nil
}
