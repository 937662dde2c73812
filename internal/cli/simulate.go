package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"carbon-price-collector/internal/alerting"
)

var (
	simulateTask  string
	simulateLevel string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "通过已配置的通道发送一条模拟告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := alerting.Level(simulateLevel)
		switch level {
		case alerting.LevelInfo, alerting.LevelWarning, alerting.LevelError, alerting.LevelCritical:
		default:
			return fmt.Errorf("--level 必须是 info/warning/error/critical 之一")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateTask, level)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateTask, "task", "cea", "告警中使用的任务 id")
	simulateCmd.Flags().StringVar(&simulateLevel, "level", string(alerting.LevelError), "告警级别")
}
