package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/harrison/taskpilot/internal/config"
	"github.com/harrison/taskpilot/internal/llm"
)

const testPlanReply = `{"steps": [
  {"action": "add", "parameters": {"a": 7, "b": 5}, "expected_output_key": "sum", "confidence": 0.9},
  {"action": "multiply", "parameters": {"a": "$ref:sum", "b": 2}, "expected_output_key": "product", "confidence": 0.9}
]}`

// scriptedReplies answers each kind of prompt the application sends.
func scriptedReplies(ctx context.Context, prompt string, promptContext map[string]string) (string, error) {
	switch promptContext["task"] {
	case "plan decomposition":
		return testPlanReply, nil
	case "verification":
		return `{"score": 1.0, "issues": []}`, nil
	case "skill naming":
		return `{"name": "add then double", "description": "Add two numbers and double the sum"}`, nil
	}
	return "", nil
}

// setupWorkspace points the taskpilot home at a temp dir, writes a config
// file and stubs the generator. It returns the config path.
func setupWorkspace(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv(config.HomeEnvVar, home)

	cfgPath := filepath.Join(home, "config.yaml")
	cfgYAML := `log_level: info
learning:
  enabled: true
embedding:
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	oldGen := newGenerator
	newGenerator = func(config.LLMConfig, *zap.Logger) (llm.Generator, error) {
		return llm.GeneratorFunc(scriptedReplies), nil
	}
	oldNoColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() {
		newGenerator = oldGen
		color.NoColor = oldNoColor
	})
	return cfgPath
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRunCommandLearnsAndPersists(t *testing.T) {
	cfgPath := setupWorkspace(t)
	metricsPath := filepath.Join(t.TempDir(), "run.prom")

	output, err := execute(t, "run", "--config", cfgPath, "--metrics-file", metricsPath, "compute (7+5)*2")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, output)
	}
	for _, want := range []string{"Attempt 1", "step1 add -> sum", "learned skill add_then_double", "Result: 24"} {
		if !strings.Contains(output, want) {
			t.Errorf("run output missing %q:\n%s", want, output)
		}
	}

	prom, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("read metrics file: %v", err)
	}
	if !strings.Contains(string(prom), "taskpilot_step_results_total") {
		t.Errorf("metrics file missing step results:\n%s", prom)
	}

	// A fresh process sees the skill and the experience through SQLite.
	output, err = execute(t, "skills", "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("skills list failed: %v", err)
	}
	if !strings.Contains(output, "add_then_double") || !strings.Contains(output, "add > multiply") {
		t.Errorf("skills list output:\n%s", output)
	}

	output, err = execute(t, "memory", "stats", "--config", cfgPath)
	if err != nil {
		t.Fatalf("memory stats failed: %v", err)
	}
	if !strings.Contains(output, "Episodic:        1 /") {
		t.Errorf("memory stats should count one episodic record:\n%s", output)
	}
	if !strings.Contains(output, "Experiences:  1") {
		t.Errorf("memory stats should count one archived experience:\n%s", output)
	}
	if !strings.Contains(output, "Schema:       v3 (3 migrations") {
		t.Errorf("memory stats should report the schema version:\n%s", output)
	}

	exportPath := filepath.Join(t.TempDir(), "memory.json")
	if _, err := execute(t, "memory", "export", "--config", cfgPath, exportPath); err != nil {
		t.Fatalf("memory export failed: %v", err)
	}
	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(data), `"episodic"`) {
		t.Errorf("export should contain the episodic tier:\n%s", data)
	}
}

func TestRunCommandFlagErrors(t *testing.T) {
	cfgPath := setupWorkspace(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing goal", []string{"run", "--config", cfgPath}, "accepts 1 arg"},
		{"bad timeout", []string{"run", "--config", cfgPath, "--timeout", "soon", "goal"}, "invalid timeout"},
		{"bad log level", []string{"run", "--config", cfgPath, "--log-level", "loud", "goal"}, "invalid configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestPlanCommandPrintsLevels(t *testing.T) {
	cfgPath := setupWorkspace(t)

	output, err := execute(t, "plan", "--config", cfgPath, "compute (7+5)*2")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	for _, want := range []string{"Goal: compute (7+5)*2", "after step1", "1: step1", "2: step2"} {
		if !strings.Contains(output, want) {
			t.Errorf("plan output missing %q:\n%s", want, output)
		}
	}
}

func TestMemoryConsolidateRejectsUnknownStrategy(t *testing.T) {
	cfgPath := setupWorkspace(t)

	_, err := execute(t, "memory", "consolidate", "--config", cfgPath, "--strategy", "shred")
	if err == nil || !strings.Contains(err.Error(), `unknown consolidation strategy "shred"`) {
		t.Fatalf("expected unknown strategy error, got %v", err)
	}

	output, err := execute(t, "memory", "consolidate", "--config", cfgPath, "--strategy", "prune", "--older-than", "1h")
	if err != nil {
		t.Fatalf("consolidate failed: %v", err)
	}
	if !strings.Contains(output, "Consolidated with prune") {
		t.Errorf("consolidate output:\n%s", output)
	}
}

func TestSkillsComposeRequiresRegisteredComponents(t *testing.T) {
	cfgPath := setupWorkspace(t)

	_, err := execute(t, "skills", "compose", "--config", cfgPath, "combo", "missing_a", "missing_b")
	if err == nil || !strings.Contains(err.Error(), "missing_a") {
		t.Fatalf("expected composition error naming missing_a, got %v", err)
	}

	output, err := execute(t, "skills", "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("skills list failed: %v", err)
	}
	if !strings.Contains(output, "No skills learned yet") {
		t.Errorf("skills list output:\n%s", output)
	}
}
