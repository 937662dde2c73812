package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Level 告警级别。
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Alerter 定义告警输送接口。
type Alerter interface {
	Notify(ctx context.Context, level Level, title, message string, metadata map[string]any) error
}

// LogAlerter 将告警写入结构化日志。
type LogAlerter struct {
	logger zerolog.Logger
}

// NewLogAlerter 构造日志告警器。
func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify writes the alert at a log level matching its severity.
func (a *LogAlerter) Notify(_ context.Context, level Level, title, message string, metadata map[string]any) error {
	var ev *zerolog.Event
	switch level {
	case LevelCritical, LevelError:
		ev = a.logger.Error()
	case LevelWarning:
		ev = a.logger.Warn()
	default:
		ev = a.logger.Info()
	}
	ev.Str("level", string(level)).Str("title", title).Fields(metadata).Msg(message)
	return nil
}

// Multi 将告警扇出到多个通道，单个通道失败不影响其他通道。
type Multi []Alerter

// Notify delivers to every channel and joins the failures.
func (m Multi) Notify(ctx context.Context, level Level, title, message string, metadata map[string]any) error {
	var errs []error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.Notify(ctx, level, title, message, metadata); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func renderMessage(level Level, title, message string, metadata map[string]any) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Carbon Collector][%s] %s\n", strings.ToUpper(string(level)), title))
	if message != "" {
		builder.WriteString(message)
		builder.WriteString("\n")
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		builder.WriteString(fmt.Sprintf("%s: %v\n", k, metadata[k]))
	}
	return builder.String()
}

var (
	_ Alerter = (*LogAlerter)(nil)
	_ Alerter = Multi(nil)
)
