package logger

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/harrison/taskpilot/internal/models"
)

// colorScheme defines consistent colors for console output.
// Green: success, Red: failure/blocked, Yellow: warnings/cancelled, Cyan: labels
type colorScheme struct {
	success *color.Color
	fail    *color.Color
	warn    *color.Color
	label   *color.Color
	value   *color.Color
	muted   *color.Color
}

// newColorScheme creates the standard color scheme.
func newColorScheme() *colorScheme {
	return &colorScheme{
		success: color.New(color.FgGreen),
		fail:    color.New(color.FgRed),
		warn:    color.New(color.FgYellow),
		label:   color.New(color.FgCyan),
		value:   color.New(color.FgWhite),
		muted:   color.New(color.FgHiBlack),
	}
}

// level colors a log level tag.
func (s *colorScheme) level(level string) string {
	switch strings.ToUpper(level) {
	case "TRACE":
		return s.muted.Sprint(level)
	case "DEBUG":
		return s.label.Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return s.warn.Sprint(level)
	case "ERROR":
		return s.fail.Sprint(level)
	default:
		return level
	}
}

// status colors a step status.
func (s *colorScheme) status(status models.StepStatus) string {
	switch status {
	case models.StatusSucceeded:
		return s.success.Sprint(string(status))
	case models.StatusFailed, models.StatusBlocked:
		return s.fail.Sprint(string(status))
	case models.StatusCancelled:
		return s.warn.Sprint(string(status))
	default:
		return string(status)
	}
}

// formatColorizedMetric formats a single metric with colorized label and value.
// Format: "label: value"
func formatColorizedMetric(label string, value interface{}, scheme *colorScheme) string {
	labelColored := scheme.label.Sprint(label)
	valueColored := scheme.value.Sprintf("%v", value)
	return fmt.Sprintf("%s: %s", labelColored, valueColored)
}
