package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carbon-price-collector/internal/alerting"
)

// SimulateAlert 通过已配置的告警通道发送一条模拟的重试耗尽告警。
func (a *App) SimulateAlert(ctx context.Context, taskID string, level alerting.Level) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	alerter := a.newAlerter()
	title := fmt.Sprintf("Task %s failed after %d attempts", taskID, a.Config.Scheduler.MaxTaskRetries)
	meta := map[string]any{
		"taskId":     taskID,
		"retryCount": a.Config.Scheduler.MaxTaskRetries,
		"maxRetries": a.Config.Scheduler.MaxTaskRetries,
		"simulated":  true,
		"at":         time.Now().UTC().Format(time.RFC3339),
	}
	if err := alerter.Notify(ctx, level, title, "simulated failure", meta); err != nil {
		return fmt.Errorf("发送模拟告警失败: %w", err)
	}
	fmt.Fprintln(a.Out, "simulated alert sent")
	return nil
}
