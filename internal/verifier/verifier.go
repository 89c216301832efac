// Package verifier grades executions against their plans with deterministic
// checks, an optional model grade and an optional formal check.
package verifier

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/harrison/taskpilot/internal/config"
	"github.com/harrison/taskpilot/internal/llm"
	"github.com/harrison/taskpilot/internal/metrics"
	"github.com/harrison/taskpilot/internal/models"
)

// SymbolicVerifier formally checks a plan.
type SymbolicVerifier interface {
	VerifyFormally(ctx context.Context, plan models.Plan) (bool, error)
}

// SymbolicFunc adapts a function to SymbolicVerifier.
type SymbolicFunc func(ctx context.Context, plan models.Plan) (bool, error)

// VerifyFormally calls f.
func (f SymbolicFunc) VerifyFormally(ctx context.Context, plan models.Plan) (bool, error) {
	return f(ctx, plan)
}

// GradeStore durably keeps results by fingerprint, so a replayed execution
// keeps its grade after the in-memory cache has evicted it or the process
// has restarted.
type GradeStore interface {
	SaveGrade(ctx context.Context, fingerprint string, res models.VerificationResult) error
	LoadGrade(ctx context.Context, fingerprint string) (models.VerificationResult, bool, error)
}

// Logger is the logging surface the verifier needs.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
}

// Options wires the verifier. Only Config is required.
type Options struct {
	Config    config.VerifierConfig
	Generator llm.Generator    // nil grades deterministically only
	Symbolic  SymbolicVerifier // nil skips the formal check
	Grades    GradeStore       // nil keeps grades in memory only
	Metrics   *metrics.Metrics
	Logger    Logger
}

// Verifier grades executions. Results are cached by Fingerprint, backed by
// the optional GradeStore, and concurrent calls for the same execution share
// one grading.
type Verifier struct {
	opts  Options
	cache *resultCache
	group singleflight.Group
}

// NewVerifier creates a verifier.
func NewVerifier(opts Options) *Verifier {
	return &Verifier{
		opts:  opts,
		cache: newResultCache(opts.Config.CacheSize),
	}
}

// Verify grades exec against plan. A second call with the same plan and
// execution returns the first result.
func (v *Verifier) Verify(ctx context.Context, plan models.Plan, exec models.ExecutionResult) (models.VerificationResult, error) {
	key := Fingerprint(plan, exec)
	if res, ok := v.cache.Get(key); ok {
		v.opts.Metrics.ObserveVerification(res.Verified, true, res.QualityScore)
		return res, nil
	}

	out, err, _ := v.group.Do(key, func() (any, error) {
		if res, ok := v.cache.Get(key); ok {
			return res, nil
		}
		if res, ok := v.loadGrade(ctx, key); ok {
			v.cache.Set(key, res)
			v.opts.Metrics.ObserveVerification(res.Verified, true, res.QualityScore)
			return res, nil
		}
		res, err := v.verify(ctx, plan, exec)
		if err != nil {
			return nil, err
		}
		v.cache.Set(key, res)
		v.saveGrade(ctx, key, res)
		v.opts.Metrics.ObserveVerification(res.Verified, false, res.QualityScore)
		return res, nil
	})
	if err != nil {
		return models.VerificationResult{}, err
	}
	return cloneResult(out.(models.VerificationResult)), nil
}

func (v *Verifier) loadGrade(ctx context.Context, key string) (models.VerificationResult, bool) {
	if v.opts.Grades == nil {
		return models.VerificationResult{}, false
	}
	res, ok, err := v.opts.Grades.LoadGrade(ctx, key)
	if err != nil {
		v.logWarn(fmt.Sprintf("load stored grade: %v", err))
		return models.VerificationResult{}, false
	}
	return res, ok
}

func (v *Verifier) saveGrade(ctx context.Context, key string, res models.VerificationResult) {
	if v.opts.Grades == nil {
		return
	}
	if err := v.opts.Grades.SaveGrade(ctx, key, res); err != nil {
		v.logWarn(fmt.Sprintf("store grade for execution %s: %v", res.ExecutionID, err))
	}
}

func (v *Verifier) verify(ctx context.Context, plan models.Plan, exec models.ExecutionResult) (models.VerificationResult, error) {
	cfg := v.opts.Config
	checks, issues := deterministicChecks(plan, exec)
	deterministic := mean(checks, CheckCompletion, CheckRequiredOutputs, CheckNoErrorMarkers, CheckShape)

	quality := deterministic
	if v.opts.Generator != nil {
		score, graded, err := grade(ctx, v.opts.Generator, plan, exec)
		if err != nil {
			return models.VerificationResult{}, &VerificationError{ExecutionID: exec.ID, Stage: "grade", Err: err}
		}
		checks[CheckLLMGrade] = score
		issues = append(issues, graded...)
		quality = cfg.DeterministicWeight*deterministic + cfg.LLMWeight*score
	}

	if v.opts.Symbolic != nil {
		ok, err := v.opts.Symbolic.VerifyFormally(ctx, plan)
		switch {
		case err != nil:
			v.logWarn(fmt.Sprintf("formal verification of plan %s skipped: %v", plan.ID, err))
		case ok:
			checks[CheckSymbolic] = 1
		default:
			checks[CheckSymbolic] = 0
			quality *= cfg.SymbolicPenalty
			issues = append(issues, models.Issue{
				Severity:    SeverityCritical,
				Description: "plan failed formal verification",
			})
		}
	}

	quality = clamp01(quality)
	res := models.VerificationResult{
		ExecutionID:  exec.ID,
		Verified:     quality >= cfg.Threshold,
		QualityScore: quality,
		Issues:       issues,
		Checks:       checks,
	}
	if !res.Verified {
		res.RevisedPlan = revisionHint(plan, exec, res)
	}

	v.logInfo(fmt.Sprintf("verified execution %s: quality %.2f, verified=%t, %d issues",
		exec.ID, quality, res.Verified, len(issues)))
	return res, nil
}

// revisionHint is the text handed back to the planner when an execution is
// not verified.
func revisionHint(plan models.Plan, exec models.ExecutionResult, res models.VerificationResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Previous attempt at %q scored %.2f and was not accepted.\n", plan.Goal, res.QualityScore))

	var failed []string
	for _, v := range viewSteps(plan, exec) {
		if v.result.Succeeded() {
			continue
		}
		line := fmt.Sprintf("- %s (%s): %s", v.step.ID, v.step.Action, v.result.Status)
		if v.result.Error != "" {
			line += ": " + v.result.Error
		}
		failed = append(failed, line)
	}
	if len(failed) > 0 {
		sb.WriteString("Failed steps:\n")
		sb.WriteString(strings.Join(failed, "\n"))
		sb.WriteString("\n")
	}

	if len(res.Issues) > 0 {
		sb.WriteString("Issues:\n")
		for _, issue := range res.Issues {
			sb.WriteString(fmt.Sprintf("- [%s] %s\n", issue.Severity, issue.Description))
		}
	}
	sb.WriteString("Produce a plan that avoids these problems.")
	return sb.String()
}

func (v *Verifier) logInfo(msg string) {
	if v.opts.Logger != nil {
		v.opts.Logger.LogInfo(msg)
	}
}

func (v *Verifier) logWarn(msg string) {
	if v.opts.Logger != nil {
		v.opts.Logger.LogWarn(msg)
	}
}
