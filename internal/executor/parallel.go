package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/harrison/taskpilot/internal/config"
	"github.com/harrison/taskpilot/internal/metrics"
	"github.com/harrison/taskpilot/internal/models"
	"github.com/harrison/taskpilot/internal/router"
	"github.com/harrison/taskpilot/internal/safety"
)

// Logger is the logging surface the executor needs. Implementations must be
// safe for concurrent use.
type Logger interface {
	LogWarn(message string)
	LogLevelStart(index int, stepIDs []string, concurrent bool)
	LogLevelComplete(index int, duration time.Duration, results []models.StepResult)
	LogStepResult(result models.StepResult) error
}

// Router chooses a strategy per step and learns from outcomes.
type Router interface {
	Route(ctx context.Context, task router.Task) models.RoutingDecision
	RecordRoutingOutcome(ctx context.Context, decision models.RoutingDecision, success bool) error
}

// SafetyGuard sandboxes and vets a step before it runs.
type SafetyGuard interface {
	SandboxStep(step models.PlanStep) models.PlanStep
	CheckSafety(operation string, parameters map[string]any, allowed models.PermissionLevel) safety.SafetyCheck
}

// SkillLookup returns the success rate of the named skill.
type SkillLookup func(name string) (float64, bool)

// Config controls scheduling, retries and success policy.
type Config struct {
	MaxParallelism      int
	MaxRetries          int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	StepTimeout         time.Duration
	PlanTimeout         time.Duration
	DefaultStepLatency  time.Duration
	SpeedupThreshold    float64
	FailFast            bool
	AllowPartialSuccess bool
	EnsembleSize        int
	StrictRouting       bool
	AllowedLevel        models.PermissionLevel
}

// ConfigFrom maps the executor and safety config sections onto Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxParallelism:      cfg.Executor.MaxParallelism,
		MaxRetries:          cfg.Executor.MaxRetries,
		RetryBaseDelay:      cfg.Executor.RetryBaseDelay,
		RetryMaxDelay:       cfg.Executor.RetryMaxDelay,
		StepTimeout:         cfg.Executor.StepTimeout,
		PlanTimeout:         cfg.Executor.PlanTimeout,
		DefaultStepLatency:  cfg.Executor.DefaultStepLatency,
		SpeedupThreshold:    cfg.Executor.ParallelSpeedupThreshold,
		FailFast:            cfg.Executor.FailFast,
		AllowPartialSuccess: cfg.Executor.AllowPartialSuccess,
		EnsembleSize:        cfg.Executor.EnsembleSize,
		StrictRouting:       cfg.Executor.StrictRouting,
		AllowedLevel:        cfg.Safety.AllowedLevel,
	}
}

// ParallelExecutor runs a plan level by level, running independent steps
// concurrently when the expected speedup justifies it.
type ParallelExecutor struct {
	tools   *ToolRegistry
	cfg     Config
	logger  Logger
	router  Router
	guard   SafetyGuard
	metrics *metrics.Metrics
	skills  SkillLookup
}

// NewParallelExecutor constructs a ParallelExecutor.
// The logger parameter is optional and can be nil to disable logging.
func NewParallelExecutor(tools *ToolRegistry, cfg Config, logger Logger) *ParallelExecutor {
	if cfg.EnsembleSize <= 0 {
		cfg.EnsembleSize = 3
	}
	if cfg.SpeedupThreshold <= 0 {
		cfg.SpeedupThreshold = 1.5
	}
	if cfg.DefaultStepLatency <= 0 {
		cfg.DefaultStepLatency = time.Second
	}
	return &ParallelExecutor{tools: tools, cfg: cfg, logger: logger}
}

// SetRouter enables uncertainty routing. nil disables it.
func (e *ParallelExecutor) SetRouter(r Router) {
	e.router = r
}

// SetSafetyGuard enables sandboxing and safety checks. nil disables them.
func (e *ParallelExecutor) SetSafetyGuard(g SafetyGuard) {
	e.guard = g
}

// SetMetrics enables Prometheus instrumentation.
func (e *ParallelExecutor) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// SetSkillLookup lets the router see the success rate of skill-backed steps.
func (e *ParallelExecutor) SetSkillLookup(lookup SkillLookup) {
	e.skills = lookup
}

// runState holds the outputs and results of one plan run.
type runState struct {
	mu      sync.Mutex
	outputs map[string]any // by expected output key
	results map[string]models.StepResult
}

func (s *runState) record(step models.PlanStep, result models.StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[step.ID] = result
	if result.Succeeded() && step.ExpectedOutputKey != "" {
		s.outputs[step.ExpectedOutputKey] = result.Output
	}
}

func (s *runState) result(id string) (models.StepResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	return r, ok
}

func (s *runState) outputsSnapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}

// Execute runs plan and returns one result per step in plan order.
// An invalid plan returns every step Cancelled with the analysis error.
// A plan timeout returns the partial result together with a *TimeoutError.
func (e *ParallelExecutor) Execute(ctx context.Context, plan models.Plan) (models.ExecutionResult, error) {
	start := time.Now()
	result := models.ExecutionResult{
		ID:     uuid.NewString(),
		PlanID: plan.ID,
		Goal:   plan.Goal,
		Metadata: map[string]any{
			"policy":          e.policyName(),
			"strict_routing":  e.cfg.StrictRouting,
			"partial_success": e.cfg.AllowPartialSuccess,
		},
	}

	graph, err := BuildGraph(plan)
	if err != nil {
		result.StepResults = cancelledResults(plan, fmt.Sprintf("plan rejected: %v", err))
		result.Duration = time.Since(start)
		return result, err
	}
	result.Metadata["levels"] = len(graph.Levels)

	planCtx, cancelTimeout := ctx, context.CancelFunc(func() {})
	if e.cfg.PlanTimeout > 0 {
		planCtx, cancelTimeout = context.WithTimeout(ctx, e.cfg.PlanTimeout)
	}
	defer cancelTimeout()

	runCtx, halt := context.WithCancelCause(planCtx)
	defer halt(nil)

	state := &runState{
		outputs: make(map[string]any),
		results: make(map[string]models.StepResult, len(plan.Steps)),
	}

	parallelLevels := 0
	for idx, level := range graph.Levels {
		if runCtx.Err() != nil {
			break
		}
		if e.executeLevel(runCtx, halt, idx+1, level, graph, state) {
			parallelLevels++
		}
	}
	result.Metadata["parallel_levels"] = parallelLevels

	reason := "not started"
	if runCtx.Err() != nil {
		reason = fmt.Sprintf("cancelled: %v", context.Cause(runCtx))
	}

	result.StepResults = make([]models.StepResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		r, ok := state.result(step.ID)
		if !ok {
			r = models.StepResult{StepID: step.ID, Status: models.StatusCancelled, Error: reason}
		}
		result.StepResults = append(result.StepResults, r)
	}

	result.Success = e.planSucceeded(plan, result.StepResults)
	for i := len(result.StepResults) - 1; i >= 0; i-- {
		if result.StepResults[i].Succeeded() {
			result.FinalOutput = result.StepResults[i].Output
			break
		}
	}
	if cascade := failureCascade(graph, result.StepResults); len(cascade) > 0 {
		result.Metadata["cascade"] = cascade
	}
	var halted *haltError
	if errors.As(context.Cause(runCtx), &halted) {
		result.Metadata["halted_by"] = halted.stepID
	}
	result.Duration = time.Since(start)
	e.metrics.ObservePlan(result.Success, result.Duration)

	switch {
	case ctx.Err() != nil:
		return result, ctx.Err()
	case planCtx.Err() != nil:
		te := NewTimeoutError(planScope, e.cfg.PlanTimeout)
		te.Context = fmt.Sprintf("%d/%d steps finished", len(state.results), len(plan.Steps))
		return result, te
	}
	return result, nil
}

// failureCascade maps each failed or blocked step to the steps that
// transitively depended on it.
func failureCascade(graph *DependencyGraph, results []models.StepResult) map[string][]string {
	cascade := make(map[string][]string)
	for _, r := range results {
		if r.Status != models.StatusFailed && r.Status != models.StatusBlocked {
			continue
		}
		if dependents := graph.Dependents(r.StepID); len(dependents) > 0 {
			cascade[r.StepID] = dependents
		}
	}
	return cascade
}

// haltError is the cancellation cause used by the fail-fast policy.
type haltError struct {
	stepID string
	status models.StepStatus
}

func (h *haltError) Error() string {
	return fmt.Sprintf("fail-fast after step %s was %s", h.stepID, h.status)
}

// executeLevel runs one dependency level and reports whether it ran concurrently.
func (e *ParallelExecutor) executeLevel(ctx context.Context, halt context.CancelCauseFunc, index int, level []string, graph *DependencyGraph, state *runState) bool {
	levelStart := time.Now()

	var ready []models.PlanStep
	for _, id := range level {
		step := graph.Steps[id]
		if blocker, ok := e.unmetDependency(step, graph, state); ok {
			result := models.StepResult{
				StepID: step.ID,
				Status: models.StatusCancelled,
				Error:  fmt.Sprintf("dependency %s did not succeed", blocker),
			}
			state.record(step, result)
			e.observe(step, result)
			continue
		}
		ready = append(ready, step)
	}
	if len(ready) == 0 {
		return false
	}

	concurrent := e.shouldParallelize(ready)
	if e.logger != nil {
		ids := make([]string, len(ready))
		for i, s := range ready {
			ids[i] = s.ID
		}
		e.logger.LogLevelStart(index, ids, concurrent)
	}

	finish := func(step models.PlanStep, result models.StepResult) {
		state.record(step, result)
		e.observe(step, result)
		if e.cfg.FailFast && step.Required && (result.Status == models.StatusFailed || result.Status == models.StatusBlocked) {
			halt(&haltError{stepID: step.ID, status: result.Status})
		}
	}

	if concurrent {
		e.runConcurrent(ctx, ready, state, finish)
	} else {
		for _, step := range ready {
			if ctx.Err() != nil {
				break
			}
			finish(step, e.runStep(ctx, step, state.outputsSnapshot()))
		}
	}

	if e.logger != nil {
		var levelResults []models.StepResult
		for _, id := range level {
			if r, ok := state.result(id); ok {
				levelResults = append(levelResults, r)
			}
		}
		e.logger.LogLevelComplete(index, time.Since(levelStart), levelResults)
	}
	return concurrent
}

type stepOutcome struct {
	step   models.PlanStep
	result models.StepResult
}

// runConcurrent runs steps bounded by MaxParallelism. Steps that cannot
// acquire a slot before ctx is done never start.
func (e *ParallelExecutor) runConcurrent(ctx context.Context, steps []models.PlanStep, state *runState, finish func(models.PlanStep, models.StepResult)) {
	limit := e.cfg.MaxParallelism
	if limit <= 0 || limit > len(steps) {
		limit = len(steps)
	}
	sem := semaphore.NewWeighted(int64(limit))
	outputs := state.outputsSnapshot()
	resultsCh := make(chan stepOutcome, len(steps))

	var wg sync.WaitGroup
	for _, step := range steps {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(step models.PlanStep) {
			defer wg.Done()
			defer sem.Release(1)
			resultsCh <- stepOutcome{step: step, result: e.runStep(ctx, step, outputs)}
		}(step)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	for outcome := range resultsCh {
		finish(outcome.step, outcome.result)
	}
}

// shouldParallelize compares the summed latency of a level with its slowest step.
func (e *ParallelExecutor) shouldParallelize(steps []models.PlanStep) bool {
	if len(steps) < 2 {
		return false
	}
	var sum, longest time.Duration
	for _, s := range steps {
		latency := s.ExpectedLatency
		if latency <= 0 {
			latency = e.cfg.DefaultStepLatency
		}
		sum += latency
		if latency > longest {
			longest = latency
		}
	}
	if longest == 0 {
		return false
	}
	return float64(sum)/float64(longest) > e.cfg.SpeedupThreshold
}

func (e *ParallelExecutor) unmetDependency(step models.PlanStep, graph *DependencyGraph, state *runState) (string, bool) {
	for _, dep := range graph.Deps[step.ID] {
		r, ok := state.result(dep)
		if !ok || !r.Succeeded() {
			return dep, true
		}
	}
	return "", false
}

// runStep resolves, routes, vets and invokes a single step.
func (e *ParallelExecutor) runStep(ctx context.Context, step models.PlanStep, outputs map[string]any) (result models.StepResult) {
	start := time.Now()
	result = models.StepResult{StepID: step.ID}
	defer func() { result.Duration = time.Since(start) }()

	params, err := ResolveReferences(step.Parameters, outputs)
	if err != nil {
		result.Status = models.StatusFailed
		result.Error = err.Error()
		return result
	}
	resolved := step.Clone()
	resolved.Parameters = params

	decision := models.RoutingDecision{
		Resource:   step.Action,
		Strategy:   models.RouteDirect,
		Confidence: step.Confidence,
		Reason:     "routing disabled",
	}
	if e.router != nil {
		decision = e.router.Route(ctx, router.TaskForStep(resolved, e.skillRate(step)))
	}
	result.Route = decision

	// Checked before sandboxing so stripped metacharacters still block.
	if e.guard != nil {
		check := e.guard.CheckSafety(resolved.Action, resolved.Parameters, e.cfg.AllowedLevel)
		if !check.Safe {
			for _, v := range check.Violations {
				e.metrics.ObserveViolation(string(v.Kind))
			}
			result.Status = models.StatusBlocked
			result.Error = fmt.Errorf("%w: %w", ErrSafetyViolation, check.Err()).Error()
			e.recordOutcome(ctx, decision, false)
			return result
		}
		resolved = e.guard.SandboxStep(resolved)
	}

	tool, ok := e.tools.Get(step.Action)
	if !ok {
		result.Status = models.StatusFailed
		result.Error = fmt.Errorf("%w: %s", ErrToolNotFound, step.Action).Error()
		e.recordOutcome(ctx, decision, false)
		return result
	}

	var output any
	switch decision.Strategy {
	case models.RouteDirect:
		output, result.Attempts, err = e.invokeWithRetry(ctx, tool, resolved, e.cfg.MaxRetries)
	case models.RouteEnsemble:
		output, result.Attempts, err = e.invokeEnsemble(ctx, tool, resolved)
	case models.RouteDecompose:
		output, result.Attempts, err = e.invokeWithRetry(ctx, tool, resolved, 2*(e.cfg.MaxRetries+1)-1)
	case models.RouteRequestClarification, models.RouteGatherContext:
		if e.cfg.StrictRouting {
			err = fmt.Errorf("%w: %s", ErrNeedsClarification, decision.Reason)
		} else {
			output, result.Attempts, err = e.invokeWithRetry(ctx, tool, resolved, e.cfg.MaxRetries)
		}
	default:
		err = fmt.Errorf("unknown routing strategy %q", decision.Strategy)
	}

	switch {
	case err == nil:
		result.Status = models.StatusSucceeded
		result.Output = output
	case ctx.Err() != nil:
		result.Status = models.StatusCancelled
		result.Error = fmt.Sprintf("cancelled: %v", context.Cause(ctx))
	default:
		result.Status = models.StatusFailed
		result.Error = err.Error()
	}

	e.metrics.ObserveAttempts(string(decision.Strategy), result.Attempts)
	if result.Status != models.StatusCancelled {
		e.recordOutcome(ctx, decision, result.Succeeded())
	}
	return result
}

func (e *ParallelExecutor) skillRate(step models.PlanStep) *float64 {
	if e.skills == nil || step.SkillName == "" {
		return nil
	}
	rate, ok := e.skills(step.SkillName)
	if !ok {
		return nil
	}
	return &rate
}

func (e *ParallelExecutor) recordOutcome(ctx context.Context, decision models.RoutingDecision, success bool) {
	if e.router == nil {
		return
	}
	if err := e.router.RecordRoutingOutcome(context.WithoutCancel(ctx), decision, success); err != nil && e.logger != nil {
		e.logger.LogWarn(fmt.Sprintf("routing outcome not recorded: %v", err))
	}
}

// invokeWithRetry calls the tool up to retries+1 times with exponential backoff.
func (e *ParallelExecutor) invokeWithRetry(ctx context.Context, tool Tool, step models.PlanStep, retries int) (any, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, attempts, ctx.Err()
			case <-time.After(e.backoff(attempt - 1)):
			}
		}
		attempts++
		output, err := e.invokeOnce(ctx, tool, step, attempts)
		if err == nil {
			return output, attempts, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, attempts, lastErr
		}
	}
	return nil, attempts, lastErr
}

// backoff returns RetryBaseDelay * 2^retry capped at RetryMaxDelay.
func (e *ParallelExecutor) backoff(retry int) time.Duration {
	delay := e.cfg.RetryBaseDelay
	for i := 0; i < retry; i++ {
		delay *= 2
		if e.cfg.RetryMaxDelay > 0 && delay >= e.cfg.RetryMaxDelay {
			return e.cfg.RetryMaxDelay
		}
	}
	if e.cfg.RetryMaxDelay > 0 && delay > e.cfg.RetryMaxDelay {
		return e.cfg.RetryMaxDelay
	}
	return delay
}

// invokeEnsemble calls the tool EnsembleSize times and returns the majority
// output. Ties go to the output seen first.
func (e *ParallelExecutor) invokeEnsemble(ctx context.Context, tool Tool, step models.PlanStep) (any, int, error) {
	type vote struct {
		output any
		count  int
	}
	var votes []*vote
	index := make(map[string]*vote)
	var lastErr error
	attempts := 0

	for i := 0; i < e.cfg.EnsembleSize; i++ {
		if ctx.Err() != nil {
			break
		}
		attempts++
		output, err := e.invokeOnce(ctx, tool, step, attempts)
		if err != nil {
			lastErr = err
			continue
		}
		key := models.FormatValue(output)
		if v, ok := index[key]; ok {
			v.count++
			continue
		}
		v := &vote{output: output, count: 1}
		index[key] = v
		votes = append(votes, v)
	}

	if len(votes) == 0 {
		if lastErr == nil {
			lastErr = ctx.Err()
		}
		return nil, attempts, lastErr
	}
	best := votes[0]
	for _, v := range votes[1:] {
		if v.count > best.count {
			best = v
		}
	}
	return best.output, attempts, nil
}

type invocation struct {
	output any
	err    error
}

// invokeOnce runs a single tool call bounded by StepTimeout. A timeout counts
// as a failed attempt; a panic in the tool is converted to an error.
func (e *ParallelExecutor) invokeOnce(ctx context.Context, tool Tool, step models.PlanStep, attempt int) (any, error) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.StepTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.StepTimeout)
	}
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{err: fmt.Errorf("tool %s panicked: %v", tool.Name(), r)}
			}
		}()
		output, err := tool.Execute(attemptCtx, models.CloneParams(step.Parameters))
		done <- invocation{output: output, err: err}
	}()

	var inv invocation
	select {
	case inv = <-done:
		if inv.err == nil {
			return inv.output, nil
		}
	case <-attemptCtx.Done():
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if attemptCtx.Err() != nil {
		te := NewTimeoutError(step.ID, e.cfg.StepTimeout)
		te.Context = fmt.Sprintf("attempt %d", attempt)
		return nil, NewStepExecutionError(step.ID, step.Action, attempt, te)
	}
	return nil, NewStepExecutionError(step.ID, step.Action, attempt, inv.err)
}

// planSucceeded applies the success policy to the final step results.
func (e *ParallelExecutor) planSucceeded(plan models.Plan, results []models.StepResult) bool {
	succeeded := 0
	requiredOK := true
	requiredBlocked := false
	hasRequired := false

	for i, step := range plan.Steps {
		r := results[i]
		if r.Succeeded() {
			succeeded++
		}
		if !step.Required {
			continue
		}
		hasRequired = true
		if !r.Succeeded() {
			requiredOK = false
		}
		if r.Status == models.StatusBlocked {
			requiredBlocked = true
		}
	}

	if e.cfg.AllowPartialSuccess {
		return succeeded > 0 && !requiredBlocked
	}
	if !hasRequired {
		return succeeded > 0
	}
	return requiredOK
}

func (e *ParallelExecutor) observe(step models.PlanStep, result models.StepResult) {
	e.metrics.ObserveStep(step.Action, string(result.Status), result.Duration)
	if e.logger != nil {
		if err := e.logger.LogStepResult(result); err != nil {
			// logging failure never fails the step
			e.logger.LogWarn(fmt.Sprintf("step %s result not logged: %v", step.ID, err))
		}
	}
}

func (e *ParallelExecutor) policyName() string {
	if e.cfg.FailFast {
		return "fail_fast"
	}
	return "continue"
}

func cancelledResults(plan models.Plan, reason string) []models.StepResult {
	results := make([]models.StepResult, len(plan.Steps))
	for i, step := range plan.Steps {
		results[i] = models.StepResult{StepID: step.ID, Status: models.StatusCancelled, Error: reason}
	}
	return results
}

// ResolveReferences returns a deep copy of params with every "$ref:key"
// string replaced by the output stored under key.
func ResolveReferences(params map[string]any, outputs map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(params))
	for _, k := range models.SortedKeys(params) {
		v, err := resolveValue(params[k], outputs)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		resolved[k] = v
	}
	return resolved, nil
}

func resolveValue(value any, outputs map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		key, isRef := models.ParseRef(v)
		if !isRef {
			return v, nil
		}
		out, ok := outputs[key]
		if !ok {
			return nil, fmt.Errorf("unresolved reference %q", key)
		}
		return out, nil
	case []any:
		list := make([]any, len(v))
		for i, item := range v {
			r, err := resolveValue(item, outputs)
			if err != nil {
				return nil, err
			}
			list[i] = r
		}
		return list, nil
	case map[string]any:
		return ResolveReferences(v, outputs)
	default:
		return v, nil
	}
}
