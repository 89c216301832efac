package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/harrison/taskpilot/internal/models"
)

// FileLogger writes JSON run logs to files in .taskpilot/logs/.
// Each run gets a timestamped run-YYYYMMDD-HHMMSS.log file, and latest.log
// is a symlink to the most recent one. It is thread-safe.
type FileLogger struct {
	logDir  string
	runFile string
	file    *os.File
	zap     *zap.Logger
	mu      sync.Mutex
}

// NewFileLogger creates a FileLogger writing to .taskpilot/logs/ at info level.
func NewFileLogger() (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(filepath.Join(".taskpilot", "logs"), "info")
}

// NewFileLoggerWithDirAndLevel creates a FileLogger with a custom directory and level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	stamp := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", stamp))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	core := zapcore.NewCore(newEncoder(), zapcore.AddSync(file), zapLevel(normalizeLogLevel(logLevel)))

	fl := &FileLogger{
		logDir:  logDir,
		runFile: runFile,
		file:    file,
		zap:     zap.New(core),
	}
	fl.zap.Info("run started", zap.String("run_file", filepath.Base(runFile)))
	return fl, nil
}

// newEncoder creates the JSON encoder used for run logs.
func newEncoder() zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		if l == TraceLevel {
			enc.AppendString("trace")
			return
		}
		zapcore.LowercaseLevelEncoder(l, enc)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// RunFile returns the path of the current run log.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

// Zap returns the underlying zap logger for components that log structured fields.
func (fl *FileLogger) Zap() *zap.Logger {
	return fl.zap
}

// LogTrace logs a trace-level message.
func (fl *FileLogger) LogTrace(message string) { fl.zap.Log(TraceLevel, message) }

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) { fl.zap.Debug(message) }

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) { fl.zap.Info(message) }

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) { fl.zap.Warn(message) }

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) { fl.zap.Error(message) }

// LogLevelStart records the start of a dependency level.
func (fl *FileLogger) LogLevelStart(index int, stepIDs []string, concurrent bool) {
	fl.zap.Info("level started",
		zap.Int("level", index+1),
		zap.Strings("steps", stepIDs),
		zap.Bool("parallel", concurrent),
	)
}

// LogLevelComplete records the completion of a level with per-status counts.
func (fl *FileLogger) LogLevelComplete(index int, duration time.Duration, results []models.StepResult) {
	counts := make(map[string]int)
	for _, r := range results {
		counts[string(r.Status)]++
	}
	fl.zap.Info("level complete",
		zap.Int("level", index+1),
		zap.Duration("duration", duration),
		zap.Any("statuses", counts),
	)
}

// LogStepResult records a step outcome.
func (fl *FileLogger) LogStepResult(result models.StepResult) error {
	fields := []zap.Field{
		zap.String("step_id", result.StepID),
		zap.String("status", string(result.Status)),
		zap.Int("attempts", result.Attempts),
		zap.Duration("duration", result.Duration),
	}
	if result.Route.Strategy != "" {
		fields = append(fields,
			zap.String("route", string(result.Route.Strategy)),
			zap.Float64("route_confidence", result.Route.Confidence),
		)
	}
	if result.Error != "" {
		fields = append(fields, zap.String("error", result.Error))
		fl.zap.Warn("step finished", fields...)
		return nil
	}
	fields = append(fields, zap.String("output", models.FormatValue(result.Output)))
	fl.zap.Debug("step finished", fields...)
	return nil
}

// LogSummary records the execution summary.
func (fl *FileLogger) LogSummary(result models.ExecutionResult) {
	counts := result.CountByStatus()
	fl.zap.Info("execution summary",
		zap.String("execution_id", result.ID),
		zap.String("plan_id", result.PlanID),
		zap.String("goal", result.Goal),
		zap.Bool("success", result.Success),
		zap.Int("steps", len(result.StepResults)),
		zap.Int("succeeded", counts[models.StatusSucceeded]),
		zap.Int("failed", counts[models.StatusFailed]),
		zap.Int("blocked", counts[models.StatusBlocked]),
		zap.Int("cancelled", counts[models.StatusCancelled]),
		zap.String("final_output", models.FormatValue(result.FinalOutput)),
		zap.Duration("duration", result.Duration),
	)
}

// LogVerification records a verification verdict.
func (fl *FileLogger) LogVerification(result models.VerificationResult) {
	fl.zap.Info("verification",
		zap.String("execution_id", result.ExecutionID),
		zap.Bool("verified", result.Verified),
		zap.Float64("quality", result.QualityScore),
		zap.Any("checks", result.Checks),
		zap.Int("issues", len(result.Issues)),
	)
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return nil
	}
	_ = fl.zap.Sync()
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("failed to close run log: %w", err)
	}
	fl.file = nil
	return nil
}
