// Package logger provides logging implementations for taskpilot runs.
//
// The logger package offers structured logging of plan execution at the
// level, step and summary granularity. Implementations are thread-safe and
// support console and file destinations.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/taskpilot/internal/models"
)

// ConsoleLogger logs execution progress to a writer with timestamps and thread safety.
// All output is prefixed with [HH:MM:SS] timestamps for tracking execution flow.
// It supports log level filtering to control message verbosity.
// Color output is automatically enabled for terminal output (os.Stdout/os.Stderr).
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	scheme      *colorScheme
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
		scheme:      newColorScheme(),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
// NO_COLOR (via color.NoColor) always wins.
func isTerminal(w io.Writer) bool {
	if w == nil || color.NoColor {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// shouldLog checks if a message at the given level should be logged.
func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (cl *ConsoleLogger) LogTrace(message string) {
	cl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) {
	cl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) {
	cl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) {
	cl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) {
	cl.logWithLevel("ERROR", message)
}

func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var formatted string
	if cl.colorOutput {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, cl.scheme.level(level), message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}

	cl.writer.Write([]byte(formatted))
}

// write emits pre-formatted lines at the given level.
func (cl *ConsoleLogger) write(level string, lines ...string) {
	if cl.writer == nil || !cl.shouldLog(level) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var b strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&b, "[%s] %s\n", ts, line)
	}
	cl.writer.Write([]byte(b.String()))
}

// LogLevelStart logs the start of a dependency level at INFO level.
// Format: "[HH:MM:SS] Starting level <n>: <count> steps (parallel|sequential)"
func (cl *ConsoleLogger) LogLevelStart(index int, stepIDs []string, concurrent bool) {
	mode := "sequential"
	if concurrent {
		mode = "parallel"
	}
	name := fmt.Sprintf("level %d", index+1)
	if cl.colorOutput {
		name = color.New(color.Bold).Sprint(name)
	}
	cl.write("info", fmt.Sprintf("Starting %s: %d steps (%s)", name, len(stepIDs), mode))
}

// LogLevelComplete logs the completion of a level at INFO level, with a progress bar.
// Format: "[HH:MM:SS] level <n> complete (<duration>) [=====     ] 3/6 (50%)"
func (cl *ConsoleLogger) LogLevelComplete(index int, duration time.Duration, results []models.StepResult) {
	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}

	pb := NewProgressBar(len(results), 10, cl.colorOutput)
	pb.Update(succeeded)

	name := fmt.Sprintf("level %d", index+1)
	complete := "complete"
	if cl.colorOutput {
		name = color.New(color.Bold).Sprint(name)
		if succeeded == len(results) {
			complete = cl.scheme.success.Sprint(complete)
		} else {
			complete = cl.scheme.warn.Sprint(complete)
		}
	}
	cl.write("info", fmt.Sprintf("%s %s (%s) %s", name, complete, formatDuration(duration), pb.Render()))
}

// LogStepResult logs the completion of a step at DEBUG level.
// Format: "[HH:MM:SS] Step <id> [<route>]: <status>"
func (cl *ConsoleLogger) LogStepResult(result models.StepResult) error {
	if cl.writer == nil || !cl.shouldLog("debug") {
		return nil
	}

	status := string(result.Status)
	if cl.colorOutput {
		status = cl.scheme.status(result.Status)
	}

	line := fmt.Sprintf("Step %s", result.StepID)
	if result.Route.Strategy != "" {
		line += fmt.Sprintf(" [%s]", result.Route.Strategy)
	}
	line += ": " + status
	if result.Attempts > 1 {
		line += fmt.Sprintf(" after %d attempts", result.Attempts)
	}
	if result.Error != "" {
		line += " - " + result.Error
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	_, err := fmt.Fprintf(cl.writer, "[%s] %s\n", timestamp(), line)
	return err
}

// LogSummary logs the execution summary with completion statistics at INFO level.
func (cl *ConsoleLogger) LogSummary(result models.ExecutionResult) {
	counts := result.CountByStatus()
	lines := []string{
		cl.header("=== Execution Summary ==="),
		fmt.Sprintf("Goal: %s", result.Goal),
		fmt.Sprintf("Total steps: %d", len(result.StepResults)),
		cl.metric("Succeeded", counts[models.StatusSucceeded], cl.scheme.success, counts[models.StatusSucceeded] > 0),
		cl.metric("Failed", counts[models.StatusFailed], cl.scheme.fail, counts[models.StatusFailed] > 0),
		cl.metric("Blocked", counts[models.StatusBlocked], cl.scheme.fail, counts[models.StatusBlocked] > 0),
		cl.metric("Cancelled", counts[models.StatusCancelled], cl.scheme.warn, counts[models.StatusCancelled] > 0),
		fmt.Sprintf("Duration: %s", formatDuration(result.Duration)),
	}
	if result.Success {
		lines = append(lines, fmt.Sprintf("Final output: %s", models.FormatValue(result.FinalOutput)))
	}
	for _, r := range result.StepResults {
		if r.Status != models.StatusSucceeded && r.Error != "" {
			lines = append(lines, fmt.Sprintf("  - Step %s: %s (%s)", r.StepID, r.Status, r.Error))
		}
	}
	cl.write("info", lines...)
}

// LogVerification logs a verification verdict at INFO level.
func (cl *ConsoleLogger) LogVerification(result models.VerificationResult) {
	verdict := "NOT VERIFIED"
	if result.Verified {
		verdict = "VERIFIED"
	}
	if cl.colorOutput {
		if result.Verified {
			verdict = cl.scheme.success.Sprint(verdict)
		} else {
			verdict = cl.scheme.fail.Sprint(verdict)
		}
	}

	lines := []string{fmt.Sprintf("Verification: %s (quality %.2f)", verdict, result.QualityScore)}
	for _, name := range models.SortedKeys(result.Checks) {
		if cl.colorOutput {
			lines = append(lines, "  "+formatColorizedMetric(name, fmt.Sprintf("%.2f", result.Checks[name]), cl.scheme))
		} else {
			lines = append(lines, fmt.Sprintf("  %s: %.2f", name, result.Checks[name]))
		}
	}
	for _, issue := range result.Issues {
		lines = append(lines, fmt.Sprintf("  [%s] %s", issue.Severity, issue.Description))
	}
	cl.write("info", lines...)
}

func (cl *ConsoleLogger) header(text string) string {
	if cl.colorOutput {
		return color.New(color.Bold).Sprint(text)
	}
	return text
}

// metric renders "label: value", highlighting it when emphasize is set.
func (cl *ConsoleLogger) metric(label string, value int, c *color.Color, emphasize bool) string {
	text := fmt.Sprintf("%s: %d", label, value)
	if cl.colorOutput && emphasize {
		return c.Sprint(text)
	}
	return text
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "250ms", "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		minutes := remainder / time.Minute
		seconds := (remainder % time.Minute) / time.Second
		switch {
		case remainder == 0:
			return fmt.Sprintf("%dh", hours)
		case seconds == 0:
			return fmt.Sprintf("%dh%dm", hours, minutes)
		default:
			return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
		}
	case d >= time.Minute:
		minutes := d / time.Minute
		seconds := (d % time.Minute) / time.Second
		if seconds == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	case d >= time.Second:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

// NoOpLogger discards all log messages.
// Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) LogTrace(string) {}
func (n *NoOpLogger) LogDebug(string) {}
func (n *NoOpLogger) LogInfo(string) {}
func (n *NoOpLogger) LogWarn(string) {}
func (n *NoOpLogger) LogError(string) {}
func (n *NoOpLogger) LogLevelStart(int, []string, bool) {}
func (n *NoOpLogger) LogLevelComplete(int, time.Duration, []models.StepResult) {}
func (n *NoOpLogger) LogStepResult(models.StepResult) error { return nil }
func (n *NoOpLogger) LogSummary(models.ExecutionResult) {}
func (n *NoOpLogger) LogVerification(models.VerificationResult) {}
