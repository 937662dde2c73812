package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/scheduler"
)

// Stop asks the running collector to stop its scheduler.
func (a *App) Stop(ctx context.Context) error {
	if err := a.statusClient().Stop(ctx); err != nil {
		return fmt.Errorf("stop collector: %w", err)
	}
	fmt.Fprintln(a.Out, "stop requested")
	return nil
}

// Status prints whether the scheduler runs, its tasks and the aggregate health.
func (a *App) Status(ctx context.Context) error {
	client := a.statusClient()
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(a.Out, "scheduler: %s\n\n", state)
	a.printTasks(st.Tasks)

	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("query health: %w", err)
	}
	fmt.Fprintln(a.Out)
	a.printHealth(health)
	return nil
}

// SetTaskEnabled toggles a task on the running collector.
func (a *App) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	id = strings.ToLower(strings.TrimSpace(id))
	if err := a.statusClient().SetTaskEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("toggle task %s: %w", id, err)
	}
	verb := "disabled"
	if enabled {
		verb = "enabled"
	}
	fmt.Fprintf(a.Out, "task %s %s\n", id, verb)
	return nil
}

// Execute runs one task or all enabled tasks, remotely by default.
func (a *App) Execute(ctx context.Context, opts ExecuteOptions) error {
	if !opts.All && opts.TaskID == "" {
		return errors.New("task id or --all is required")
	}
	id := strings.ToLower(strings.TrimSpace(opts.TaskID))

	var results []model.TaskExecutionResult
	if opts.Local {
		c, err := a.build(ctx, buildOptions{withStore: true})
		if err != nil {
			return err
		}
		defer c.close()
		if opts.All {
			results = c.scheduler.ExecuteAllTasks(ctx)
		} else {
			res, err := c.scheduler.ExecuteTask(ctx, id)
			if errors.Is(err, scheduler.ErrTaskNotFound) {
				return err
			}
			results = append(results, res)
		}
	} else {
		client := a.statusClient()
		if opts.All {
			out, err := client.ExecuteAll(ctx)
			if err != nil {
				return fmt.Errorf("execute all: %w", err)
			}
			results = out
		} else {
			out, err := client.Execute(ctx, id)
			if err != nil {
				return fmt.Errorf("execute %s: %w", id, err)
			}
			results = append(results, out.Result)
		}
	}

	a.printHistory(results)
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d/%d task(s) failed", failed, len(results))
	}
	return nil
}

// History prints recent executions from the running collector or the database.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	if opts.FromDB {
		return a.historyFromDB(ctx, opts)
	}
	results, err := a.statusClient().History(ctx, strings.ToLower(opts.TaskID), opts.Limit)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	if len(results) == 0 {
		fmt.Fprintln(a.Out, "no executions found")
		return nil
	}
	a.printHistory(results)
	return nil
}
