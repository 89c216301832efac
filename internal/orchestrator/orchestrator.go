// Package orchestrator ties planning, execution, verification and learning
// together behind a surface that reports failures as values and never panics.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/taskpilot/internal/config"
	"github.com/harrison/taskpilot/internal/memory"
	"github.com/harrison/taskpilot/internal/metrics"
	"github.com/harrison/taskpilot/internal/models"
)

// Planner turns a goal into a plan.
type Planner interface {
	Plan(ctx context.Context, goal, planContext string) (models.Plan, error)
}

// Executor runs a plan.
type Executor interface {
	Execute(ctx context.Context, plan models.Plan) (models.ExecutionResult, error)
}

// Verifier grades an execution.
type Verifier interface {
	Verify(ctx context.Context, plan models.Plan, exec models.ExecutionResult) (models.VerificationResult, error)
}

// Memory stores experiences and consolidates them.
type Memory interface {
	StoreExperience(ctx context.Context, e models.Experience) (models.MemoryRecord, error)
	ShouldConsolidate() bool
	Consolidate(ctx context.Context, olderThan time.Duration, strategy models.ConsolidationStrategy) (memory.ConsolidationReport, error)
}

// SkillExtractor turns a verified execution into a skill.
type SkillExtractor interface {
	Extract(ctx context.Context, plan models.Plan, exec models.ExecutionResult, ver models.VerificationResult) (models.Skill, bool)
}

// SkillRegistry stores skills and their execution statistics.
type SkillRegistry interface {
	Register(ctx context.Context, skill models.Skill) (models.Skill, bool, error)
	RecordSkillExecution(ctx context.Context, name string, success bool) (models.Skill, error)
}

// ExperienceArchive keeps every experience, including those memory later
// forgets.
type ExperienceArchive interface {
	SaveExperience(ctx context.Context, e models.Experience) error
}

// Logger is the logging surface the orchestrator needs.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
}

// Options wires the orchestrator. Planner, Executor and Verifier are
// required; the learning collaborators are optional.
type Options struct {
	Config       config.OrchestratorConfig
	MemoryConfig config.MemoryConfig

	Planner   Planner
	Executor  Executor
	Verifier  Verifier
	Memory    Memory
	Extractor SkillExtractor
	Skills    SkillRegistry
	Archive   ExperienceArchive
	Metrics   *metrics.Metrics
	Logger    Logger
	Now       func() time.Time
}

// Orchestrator runs the plan, execute, verify and learn loop.
type Orchestrator struct {
	opts Options
	now  func() time.Time
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Planner == nil || opts.Executor == nil || opts.Verifier == nil {
		return nil, errors.New("orchestrator needs a planner, an executor and a verifier")
	}
	if opts.MemoryConfig.Strategy != "" {
		if _, ok := models.ParseConsolidationStrategy(opts.MemoryConfig.Strategy); !ok {
			return nil, fmt.Errorf("unknown consolidation strategy %q", opts.MemoryConfig.Strategy)
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{opts: opts, now: now}, nil
}

// Plan asks the planner for a plan.
func (o *Orchestrator) Plan(ctx context.Context, goal, planContext string) (out PlanOutcome) {
	defer recoverInto("plan", &out.Err)
	out.Plan, out.Err = o.opts.Planner.Plan(ctx, goal, planContext)
	return out
}

// Execute runs plan.
func (o *Orchestrator) Execute(ctx context.Context, plan models.Plan) (out ExecuteOutcome) {
	defer recoverInto("execute", &out.Err)
	out.Execution, out.Err = o.opts.Executor.Execute(ctx, plan)
	return out
}

// Verify grades exec against plan.
func (o *Orchestrator) Verify(ctx context.Context, plan models.Plan, exec models.ExecutionResult) (out VerifyOutcome) {
	defer recoverInto("verify", &out.Err)
	out.Verification, out.Err = o.opts.Verifier.Verify(ctx, plan, exec)
	return out
}

// Learn stores the experience, records skill usage, extracts a skill when
// the run qualifies and consolidates memory when due.
func (o *Orchestrator) Learn(ctx context.Context, plan models.Plan, exec models.ExecutionResult, ver models.VerificationResult) (out LearnOutcome) {
	defer recoverInto("learn", &out.Err)
	out.Report, out.Err = o.learn(ctx, plan, exec, ver)
	return out
}

// Run plans, executes, verifies and learns. When the execution is not
// verified it re-plans with the verifier's revision hint, up to MaxReplans
// times. A planning or verification failure ends the run with Err set.
func (o *Orchestrator) Run(ctx context.Context, goal, planContext string) RunOutcome {
	var run RunOutcome
	attemptContext := planContext

	for attempt := 0; attempt <= o.opts.Config.MaxReplans; attempt++ {
		if err := ctx.Err(); err != nil {
			run.Err = err
			return run
		}

		po := o.Plan(ctx, goal, attemptContext)
		if !po.OK() {
			run.Err = po.Err
			return run
		}

		eo := o.Execute(ctx, po.Plan)
		if !eo.OK() {
			o.logWarn(fmt.Sprintf("execution of plan %s ended with error: %v", po.Plan.ID, eo.Err))
			if IsPanicError(eo.Err) {
				run.Err = eo.Err
				return run
			}
		}

		vo := o.Verify(ctx, po.Plan, eo.Execution)
		if !vo.OK() {
			run.Err = vo.Err
			return run
		}

		lo := o.Learn(ctx, po.Plan, eo.Execution, vo.Verification)
		if !lo.OK() {
			o.logWarn(fmt.Sprintf("learning from execution %s was incomplete: %v", eo.Execution.ID, lo.Err))
		}

		run.Attempts = append(run.Attempts, Attempt{
			Plan:         po.Plan,
			Execution:    eo.Execution,
			ExecuteErr:   eo.Err,
			Verification: vo.Verification,
			Learn:        lo,
		})

		if vo.Verification.Verified {
			o.logInfo(fmt.Sprintf("goal %q verified on attempt %d (quality %.2f)",
				goal, attempt+1, vo.Verification.QualityScore))
			return run
		}
		if attempt < o.opts.Config.MaxReplans {
			o.logInfo(fmt.Sprintf("goal %q not verified (quality %.2f), re-planning",
				goal, vo.Verification.QualityScore))
			attemptContext = withRevision(planContext, vo.Verification.RevisedPlan)
		}
	}
	return run
}

// withRevision appends the latest revision hint to the caller's context.
// Earlier hints are dropped so the context does not grow with each attempt.
func withRevision(planContext, hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return planContext
	}
	if strings.TrimSpace(planContext) == "" {
		return hint
	}
	return planContext + "\n\n" + hint
}

func (o *Orchestrator) logInfo(msg string) {
	if o.opts.Logger != nil {
		o.opts.Logger.LogInfo(msg)
	}
}

func (o *Orchestrator) logWarn(msg string) {
	if o.opts.Logger != nil {
		o.opts.Logger.LogWarn(msg)
	}
}
