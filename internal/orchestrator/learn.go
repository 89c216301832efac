package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/harrison/taskpilot/internal/memory"
	"github.com/harrison/taskpilot/internal/models"
	"github.com/harrison/taskpilot/internal/skills"
)

func (o *Orchestrator) learn(ctx context.Context, plan models.Plan, exec models.ExecutionResult, ver models.VerificationResult) (LearnReport, error) {
	var report LearnReport
	var errs []error

	exp := models.Experience{
		ID:           uuid.NewString(),
		Plan:         plan.Clone(),
		Execution:    exec,
		Verification: ver,
		CreatedAt:    o.now(),
	}
	report.ExperienceID = exp.ID

	if o.opts.Memory != nil {
		rec, err := o.opts.Memory.StoreExperience(ctx, exp)
		if err != nil {
			errs = append(errs, fmt.Errorf("store experience: %w", err))
		} else {
			report.Importance = rec.Importance
			exp.ImportanceScore = rec.Importance
		}
	}
	if o.opts.Archive != nil {
		if err := o.opts.Archive.SaveExperience(ctx, exp); err != nil {
			errs = append(errs, fmt.Errorf("archive experience: %w", err))
		}
	}

	if o.opts.Skills != nil {
		recorded, err := o.recordSkillExecutions(ctx, plan, exec)
		report.SkillsRecorded = recorded
		if err != nil {
			errs = append(errs, err)
		}

		if o.opts.Extractor != nil {
			if skill, ok := o.opts.Extractor.Extract(ctx, plan, exec, ver); ok {
				o.opts.Metrics.ObserveSkillExtracted()
				stored, merged, err := o.opts.Skills.Register(ctx, skill)
				if err != nil {
					errs = append(errs, fmt.Errorf("register skill %s: %w", skill.Name, err))
				} else {
					report.Skill = stored.Name
					report.SkillMerged = merged
					o.logInfo(fmt.Sprintf("learned skill %s (success rate %.2f, merged=%t)",
						stored.Name, stored.SuccessRate, merged))
				}
			}
		}
	}

	if o.opts.Memory != nil && o.opts.Memory.ShouldConsolidate() {
		cr, err := o.consolidate(ctx)
		if err == nil || memory.IsCapacityError(err) {
			report.Consolidation = &cr
		}
		switch {
		case memory.IsCapacityError(err):
			o.logWarn(err.Error())
		case err != nil:
			errs = append(errs, fmt.Errorf("consolidate memory: %w", err))
		}
	}

	return report, errors.Join(errs...)
}

// recordSkillExecutions updates each skill the plan drew steps from, once per
// skill. A skill succeeds when all of its steps succeeded. Skills that are no
// longer registered are skipped.
func (o *Orchestrator) recordSkillExecutions(ctx context.Context, plan models.Plan, exec models.ExecutionResult) ([]string, error) {
	var order []string
	succeeded := make(map[string]bool)
	for _, st := range plan.Steps {
		if st.SkillName == "" {
			continue
		}
		res, _ := exec.ResultFor(st.ID)
		if _, seen := succeeded[st.SkillName]; !seen {
			order = append(order, st.SkillName)
			succeeded[st.SkillName] = true
		}
		succeeded[st.SkillName] = succeeded[st.SkillName] && res.Succeeded()
	}

	var recorded []string
	var errs []error
	for _, name := range order {
		_, err := o.opts.Skills.RecordSkillExecution(ctx, name, succeeded[name])
		switch {
		case errors.Is(err, skills.ErrSkillNotFound):
			o.logWarn(fmt.Sprintf("plan referenced unknown skill %s", name))
		case err != nil:
			errs = append(errs, fmt.Errorf("record skill %s: %w", name, err))
		default:
			recorded = append(recorded, name)
		}
	}
	return recorded, errors.Join(errs...)
}

func (o *Orchestrator) consolidate(ctx context.Context) (memory.ConsolidationReport, error) {
	strategy := models.StrategyCompress
	if s, ok := models.ParseConsolidationStrategy(o.opts.MemoryConfig.Strategy); ok {
		strategy = s
	}
	report, err := o.opts.Memory.Consolidate(ctx, o.opts.MemoryConfig.ConsolidationAge, strategy)
	if err == nil || memory.IsCapacityError(err) {
		o.logInfo(fmt.Sprintf("consolidated memory (%s): %d promoted, %d pruned, %d evicted",
			strategy, report.Promoted, report.Pruned, report.EvictedEpisodic+report.EvictedSemantic))
	}
	return report, err
}
