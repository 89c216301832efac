package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harrison/taskpilot/internal/config"
	"github.com/harrison/taskpilot/internal/embedding"
	"github.com/harrison/taskpilot/internal/executor"
	"github.com/harrison/taskpilot/internal/learning"
	"github.com/harrison/taskpilot/internal/llm"
	"github.com/harrison/taskpilot/internal/logger"
	"github.com/harrison/taskpilot/internal/memory"
	"github.com/harrison/taskpilot/internal/metrics"
	"github.com/harrison/taskpilot/internal/orchestrator"
	"github.com/harrison/taskpilot/internal/planner"
	"github.com/harrison/taskpilot/internal/router"
	"github.com/harrison/taskpilot/internal/safety"
	"github.com/harrison/taskpilot/internal/skills"
	"github.com/harrison/taskpilot/internal/verifier"
)

// newGenerator builds the text generator. Tests replace it with a scripted one.
var newGenerator = func(cfg config.LLMConfig, zl *zap.Logger) (llm.Generator, error) {
	return llm.NewGenerator(cfg, zl)
}

// appOptions selects which optional parts of the application get built.
type appOptions struct {
	// runLog writes a per-run log file under the configured log directory
	runLog bool
}

// app holds every component built from one configuration.
type app struct {
	cfg      *config.Config
	log      *logger.MultiLogger
	console  *logger.ConsoleLogger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *learning.Store // nil when learning is disabled

	memory   *memory.Store
	skills   *skills.Registry
	tools    *executor.ToolRegistry
	planner  *planner.GoalPlanner
	executor *executor.ParallelExecutor
	verifier *verifier.Verifier
	orch     *orchestrator.Orchestrator

	closers []func() error
}

// loadConfig reads --config when given, otherwise .taskpilot/config.yaml in
// the working directory.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadConfigFromDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newApp wires the components described by cfg and restores persisted
// memory, skills and routing history. Close must be called when done.
func newApp(ctx context.Context, cfg *config.Config, out io.Writer, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.console = logger.NewConsoleLogger(out, cfg.LogLevel)
	loggers := []logger.Logger{a.console}
	zl := zap.NewNop()

	home, err := config.GetTaskpilotHome()
	if err != nil {
		return nil, err
	}

	if opts.runLog {
		fileLog, err := logger.NewFileLoggerWithDirAndLevel(config.ResolvePath(home, cfg.LogDir), cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("create file logger: %w", err)
		}
		a.closers = append(a.closers, fileLog.Close)
		loggers = append(loggers, fileLog)
		zl = fileLog.Zap()
	}
	a.log = logger.NewMultiLogger(loggers...)

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.NewMetrics(a.registry)

	if cfg.Learning.Enabled {
		dbPath, err := config.GetLearningDBPath(cfg)
		if err != nil {
			return nil, err
		}
		a.store, err = learning.NewStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open learning store: %w", err)
		}
		a.closers = append(a.closers, a.store.Close)
	}

	memoryIndex, err := embedding.NewIndex(cfg.Embedding, cfg.Embedding.Collection+"-memory", zl)
	if err != nil {
		return nil, err
	}
	skillIndex, err := embedding.NewIndex(cfg.Embedding, cfg.Embedding.Collection+"-skills", zl)
	if err != nil {
		return nil, err
	}

	gen, err := newGenerator(cfg.LLM, zl)
	if err != nil {
		return nil, fmt.Errorf("create generator: %w", err)
	}

	memOpts := memory.Options{
		Config:    cfg.Memory,
		Index:     memoryIndex,
		Generator: gen,
		Metrics:   a.metrics,
		Logger:    a.log,
	}
	skillOpts := skills.Options{
		Config:  cfg.Skills,
		Index:   skillIndex,
		Metrics: a.metrics,
		Logger:  a.log,
	}
	// Only assign the store when it exists so the interfaces stay nil otherwise.
	if a.store != nil {
		memOpts.Persister = a.store
		skillOpts.Persister = a.store
	}
	a.memory = memory.NewStore(memOpts)
	a.skills = skills.NewRegistry(skillOpts)
	if err := a.memory.Load(ctx); err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}
	if err := a.skills.Load(ctx); err != nil {
		return nil, fmt.Errorf("load skills: %w", err)
	}

	a.tools = executor.NewBuiltinRegistry(nil)
	a.executor = executor.NewParallelExecutor(a.tools, executor.ConfigFrom(cfg), a.log)
	a.executor.SetMetrics(a.metrics)
	a.executor.SetSkillLookup(a.skills.SuccessRate)

	if cfg.Router.Enabled {
		history := router.NewHistory()
		r := router.NewUncertaintyRouter(cfg.Router, history, a.metrics)
		if a.store != nil {
			stats, err := a.store.LoadRoutingStats(ctx)
			if err != nil {
				return nil, fmt.Errorf("load routing history: %w", err)
			}
			history.Restore(stats)
			r.SetOutcomeStore(a.store)
		}
		a.executor.SetRouter(r)
	}

	guard, err := safety.NewGuard(safety.Options{
		MaxTimeoutMs: cfg.Safety.MaxTimeoutMs,
		MaxTokens:    cfg.Safety.MaxTokens,
		MaxMemoryMB:  cfg.Safety.MaxMemoryMB,
		DenyPatterns: cfg.Safety.DenyPatterns,
		Levels:       cfg.Safety.Levels,
	})
	if err != nil {
		return nil, fmt.Errorf("create safety guard: %w", err)
	}
	a.executor.SetSafetyGuard(guard)

	a.planner = planner.NewGoalPlanner(planner.Options{
		Generator:      gen,
		Memory:         a.memory,
		Skills:         a.skills,
		Tools:          a.tools.Names(),
		Logger:         a.log,
		ExperienceTopK: cfg.Memory.RetrievalTopK,
		MinSimilarity:  cfg.Memory.MinSimilarity,
		SkillTopK:      cfg.Skills.MatchTopK,
	})
	verifierOpts := verifier.Options{
		Config:    cfg.Verifier,
		Generator: gen,
		Metrics:   a.metrics,
		Logger:    a.log,
	}
	if a.store != nil {
		verifierOpts.Grades = a.store
	}
	a.verifier = verifier.NewVerifier(verifierOpts)

	orchOpts := orchestrator.Options{
		Config:       cfg.Orchestrator,
		MemoryConfig: cfg.Memory,
		Planner:      a.planner,
		Executor:     a.executor,
		Verifier:     a.verifier,
		Memory:       a.memory,
		Extractor:    skills.NewExtractor(cfg.Skills, gen, a.log),
		Skills:       a.skills,
		Metrics:      a.metrics,
		Logger:       a.log,
	}
	if a.store != nil {
		orchOpts.Archive = a.store
	}
	a.orch, err = orchestrator.New(orchOpts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases the log files and the learning store.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// durationFlag parses a duration flag only when the user set it.
func durationFlag(cmd *cobra.Command, name string) (*time.Duration, error) {
	if !cmd.Flags().Changed(name) {
		return nil, nil
	}
	raw, _ := cmd.Flags().GetString(name)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s format %q: %w", name, raw, err)
	}
	return &d, nil
}
