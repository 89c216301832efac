package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrison/taskpilot/internal/models"
)

func readLogLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", scanner.Text(), err)
		}
		lines = append(lines, entry)
	}
	return lines
}

// TestFileLoggerCreatesRunLogAndSymlink verifies the run log and latest.log symlink.
func TestFileLoggerCreatesRunLogAndSymlink(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")

	logger, err := NewFileLoggerWithDirAndLevel(logDir, "info")
	if err != nil {
		t.Fatalf("NewFileLoggerWithDirAndLevel() error = %v", err)
	}
	defer logger.Close()

	base := filepath.Base(logger.RunFile())
	if !strings.HasPrefix(base, "run-") || !strings.HasSuffix(base, ".log") {
		t.Errorf("unexpected run file name %q", base)
	}

	target, err := os.Readlink(filepath.Join(logDir, "latest.log"))
	if err != nil {
		t.Fatalf("latest.log symlink missing: %v", err)
	}
	if target != base {
		t.Errorf("latest.log -> %q, want %q", target, base)
	}
}

// TestFileLoggerWritesJSON verifies entries are JSON with the expected fields.
func TestFileLoggerWritesJSON(t *testing.T) {
	logDir := t.TempDir()

	logger, err := NewFileLoggerWithDirAndLevel(logDir, "debug")
	if err != nil {
		t.Fatalf("NewFileLoggerWithDirAndLevel() error = %v", err)
	}

	logger.LogTrace("filtered out")
	logger.LogLevelStart(0, []string{"step1"}, false)
	_ = logger.LogStepResult(models.StepResult{
		StepID:   "step1",
		Status:   models.StatusSucceeded,
		Output:   12.0,
		Attempts: 1,
		Route:    models.RoutingDecision{Strategy: models.RouteDirect, Confidence: 0.9},
	})
	logger.LogSummary(models.ExecutionResult{ID: "exec-1", Goal: "add", Success: true, FinalOutput: 12.0, Duration: time.Second})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	lines := readLogLines(t, logger.RunFile())
	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines (start, level, step, summary), got %d: %v", len(lines), lines)
	}

	for _, line := range lines {
		if _, ok := line["ts"]; !ok {
			t.Errorf("missing ts key in %v", line)
		}
		if line["msg"] == "filtered out" {
			t.Error("trace message should be filtered at debug level")
		}
	}

	step := lines[2]
	if step["msg"] != "step finished" || step["step_id"] != "step1" || step["route"] != "direct" {
		t.Errorf("unexpected step entry %v", step)
	}
	if step["output"] != "12" {
		t.Errorf("output = %v, want \"12\"", step["output"])
	}

	summary := lines[3]
	if summary["execution_id"] != "exec-1" || summary["success"] != true {
		t.Errorf("unexpected summary entry %v", summary)
	}
}

func TestFileLoggerTraceLevel(t *testing.T) {
	logDir := t.TempDir()

	logger, err := NewFileLoggerWithDirAndLevel(logDir, "trace")
	if err != nil {
		t.Fatal(err)
	}
	logger.LogTrace("fine detail")
	logger.Close()

	lines := readLogLines(t, logger.RunFile())
	last := lines[len(lines)-1]
	if last["msg"] != "fine detail" || last["level"] != "trace" {
		t.Errorf("unexpected trace entry %v", last)
	}
}

func TestFileLoggerCloseIdempotent(t *testing.T) {
	logger, err := NewFileLoggerWithDirAndLevel(t.TempDir(), "info")
	if err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
