package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/mtzanidakis/swarmflow/internal/flow"
	"github.com/mtzanidakis/swarmflow/internal/models"
	"github.com/mtzanidakis/swarmflow/internal/swarm"
	"github.com/spf13/cobra"
)

func newRunCommand(c *cli) *cobra.Command {
	var capacity int

	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Decompose a goal and execute the resulting flow",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if capacity > 0 {
				c.cfg.Swarm.Capacity = capacity
			}
			a, err := newApp(cmd.Context(), c.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			stop := a.orch.Subscribe(progressPrinter(cmd.ErrOrStderr()))
			defer stop()

			f, runErr := a.engine.Run(cmd.Context(), strings.Join(args, " "))
			if f != nil {
				if err := printFlow(cmd.OutOrStdout(), a, f.ID); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().IntVar(&capacity, "capacity", 0, "maximum concurrent agents (overrides swarm.capacity)")
	return cmd
}

func newPlanCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <goal>",
		Short: "Decompose a goal and print its execution batches without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := a.engine.Decompose(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), f)
		},
	}
}

// progressPrinter writes one line per task outcome.
func progressPrinter(w io.Writer) func(swarm.Event) {
	var mu sync.Mutex
	return func(e swarm.Event) {
		var line string
		switch e.Type {
		case swarm.EventAgentSpawned:
			line = fmt.Sprintf("started   %v agent for task %s", e.Data["specialization"], e.TaskID)
		case swarm.EventTaskCompleted:
			line = fmt.Sprintf("completed %v", e.Data["title"])
		case swarm.EventTaskFailed:
			line = fmt.Sprintf("failed    %v: %v", e.Data["title"], e.Data["error"])
		default:
			return
		}
		mu.Lock()
		fmt.Fprintln(w, line)
		mu.Unlock()
	}
}

func printFlow(w io.Writer, a *app, flowID string) error {
	f, err := a.store.GetFlow(flowID)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("flow %s not found", flowID)
	}
	progress, err := a.store.GetFlowProgress(flowID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Flow %s (%s, %s)\n", f.ID, f.ExecutionStrategy, f.Status)
	fmt.Fprintf(w, "Goal: %s\n\n", f.MacroGoal)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTATUS\tTYPE\tEFFORT\tDURATION\tTITLE")
	for i, t := range f.Tasks {
		dur := "-"
		if d := t.Duration(); d > 0 {
			dur = d.Round(10_000_000).String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", i+1, t.Status, t.Type, t.Effort, dur, t.Title)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d/%d completed, %d failed\n", progress.Completed, progress.Total, progress.Failed)
	return nil
}

func printPlan(w io.Writer, f *models.Flow) error {
	plan := flow.Analyze(f.Tasks)
	index := make(map[string]int, len(f.Tasks))
	for i, t := range f.Tasks {
		index[t.ID] = i
	}

	fmt.Fprintf(w, "Flow %s (%s", f.ID, f.ExecutionStrategy)
	if f.TotalEstimatedTime != "" {
		fmt.Fprintf(w, ", est. %s", f.TotalEstimatedTime)
	}
	fmt.Fprintf(w, ")\n")

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for n, tier := range plan.Tiers {
		fmt.Fprintf(tw, "Batch %d\t\t\t\n", n+1)
		for _, id := range tier {
			t := f.Tasks[index[id]]
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\n", index[id]+1, t.Type, t.EstimatedDuration, t.Title)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if plan.HasCycle() {
		titles := make([]string, len(plan.Unplaced))
		for i, id := range plan.Unplaced {
			titles[i] = f.Tasks[index[id]].Title
		}
		fmt.Fprintf(w, "\nNever ready (dependency cycle): %s\n", strings.Join(titles, ", "))
	}
	return nil
}
