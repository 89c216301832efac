package logger

import (
	"errors"
	"time"

	"github.com/harrison/taskpilot/internal/models"
)

// Logger is the full logging surface implemented by ConsoleLogger, FileLogger
// and NoOpLogger. Consumers declare the subset they need.
type Logger interface {
	LogTrace(message string)
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogLevelStart(index int, stepIDs []string, concurrent bool)
	LogLevelComplete(index int, duration time.Duration, results []models.StepResult)
	LogStepResult(result models.StepResult) error
	LogSummary(result models.ExecutionResult)
	LogVerification(result models.VerificationResult)
}

// MultiLogger fans every call out to a list of loggers.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger combines loggers; nil entries are skipped.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	ml := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			ml.loggers = append(ml.loggers, l)
		}
	}
	return ml
}

func (m *MultiLogger) LogTrace(message string) {
	for _, l := range m.loggers {
		l.LogTrace(message)
	}
}

func (m *MultiLogger) LogDebug(message string) {
	for _, l := range m.loggers {
		l.LogDebug(message)
	}
}

func (m *MultiLogger) LogInfo(message string) {
	for _, l := range m.loggers {
		l.LogInfo(message)
	}
}

func (m *MultiLogger) LogWarn(message string) {
	for _, l := range m.loggers {
		l.LogWarn(message)
	}
}

func (m *MultiLogger) LogError(message string) {
	for _, l := range m.loggers {
		l.LogError(message)
	}
}

func (m *MultiLogger) LogLevelStart(index int, stepIDs []string, concurrent bool) {
	for _, l := range m.loggers {
		l.LogLevelStart(index, stepIDs, concurrent)
	}
}

func (m *MultiLogger) LogLevelComplete(index int, duration time.Duration, results []models.StepResult) {
	for _, l := range m.loggers {
		l.LogLevelComplete(index, duration, results)
	}
}

// LogStepResult forwards to every logger and joins their errors.
func (m *MultiLogger) LogStepResult(result models.StepResult) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.LogStepResult(result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiLogger) LogSummary(result models.ExecutionResult) {
	for _, l := range m.loggers {
		l.LogSummary(result)
	}
}

func (m *MultiLogger) LogVerification(result models.VerificationResult) {
	for _, l := range m.loggers {
		l.LogVerification(result)
	}
}
