package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/scheduler"
	"carbon-price-collector/internal/storage"
)

func (a *App) printTasks(tasks []scheduler.TaskSnapshot) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Task\tAdapter\tEnabled\tSchedule\tRetries\tLast run (UTC)\tNext run (UTC)")
	for _, t := range tasks {
		fmt.Fprintf(writer, "%s\t%s\t%t\t%s\t%d/%d\t%s\t%s\n",
			t.ID,
			t.Adapter,
			t.Enabled,
			t.Schedule,
			t.RetryCount,
			t.MaxRetries,
			formatTimePtr(t.LastRun),
			formatTimePtr(t.NextRun),
		)
	}
	writer.Flush()
}

func (a *App) printHealth(report scheduler.HealthReport) {
	fmt.Fprintf(a.Out, "health: %s (%s)\n", report.Status, report.Message)
	ids := make([]string, 0, len(report.Tasks))
	for id := range report.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	for _, id := range ids {
		h := report.Tasks[id]
		fmt.Fprintf(writer, "  %s\t%s\t%s\n", id, h.Status, sanitizeInline(h.Message))
	}
	writer.Flush()
}

func (a *App) printHistory(results []model.TaskExecutionResult) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tTask\tStatus\tRecords\tDuration\tWarnings\tErrors")
	for _, r := range results {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			formatTime(r.Timestamp),
			r.TaskID,
			statusLabel(r.Success),
			r.RecordCount,
			r.ExecutionTime.Round(time.Millisecond),
			len(r.Warnings),
			sanitizeInline(strings.Join(r.Errors, "; ")),
		)
	}
	writer.Flush()
}

func (a *App) historyFromDB(ctx context.Context, opts HistoryOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show persisted history")
	}
	defer closeStore()

	execs, err := store.ListRecentExecutions(ctx, strings.ToLower(opts.TaskID), opts.Limit)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		fmt.Fprintln(a.Out, "no executions found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRun\tTask\tStatus\tRecords\tDuration\tErrors")
	for _, e := range execs {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			formatTime(e.ExecutedAt),
			e.RunID,
			e.TaskID,
			statusLabel(e.Success),
			e.RecordCount,
			e.ExecutionTime,
			sanitizeInline(strings.Join(e.Errors, "; ")),
		)
	}
	writer.Flush()
	return nil
}

// Evidence prints the audit evidence of one run and optionally writes its
// screenshots into dir.
func (a *App) Evidence(ctx context.Context, runID, dir string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show evidence")
	}
	defer closeStore()

	items, err := store.ListEvidence(ctx, runID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(a.Out, "no evidence found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Captured (UTC)\tSource\tKind\tStatus\tHash\tURL\tError")
	for _, item := range items {
		errMsg := ""
		if item.Error != nil {
			errMsg = sanitizeInline(*item.Error)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(item.CapturedAt),
			item.Source,
			item.Kind,
			statusLabel(item.Success),
			shortHash(item.Hash),
			item.URL,
			errMsg,
		)
		if dir != "" && len(item.Screenshot) > 0 {
			if err := writeScreenshot(dir, item); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	return nil
}

// Prune deletes persisted executions older than the cutoff; evidence cascades.
func (a *App) Prune(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return errors.New("--older-than must be positive")
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; nothing to prune")
	}
	defer closeStore()

	cutoff := time.Now().UTC().Add(-olderThan)
	if err := store.DeleteExecutionsBefore(ctx, cutoff); err != nil {
		return err
	}
	a.Logger.Info().Time("cutoff", cutoff).Msg("pruned executions")
	return nil
}

func writeScreenshot(dir string, item storage.EvidenceRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create evidence dir: %w", err)
	}
	name := fmt.Sprintf("%s-%d-%s.png", item.RunID, item.ID, item.Source)
	if err := os.WriteFile(filepath.Join(dir, name), item.Screenshot, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}

func statusLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
