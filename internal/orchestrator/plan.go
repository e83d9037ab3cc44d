package orchestrator

import (
	"fmt"

	"github.com/opsforge/foreman/internal/templates"
)

// planStep is one AI step of a work order's execution plan. Exactly one of
// Template or legacy applies: a nil Template means the fixed built-in
// prompt for the step type.
type planStep struct {
	Type       templates.StepType
	Template   *templates.StepTemplate
	Required   bool
	PauseAfter bool
}

// executionPlan is resolved once at work-order entry from the repository's
// use_template_execution flag, so the two execution modes never mix and the
// run loop carries no mode checks beyond the per-step tag.
type executionPlan struct {
	templateMode bool
	snapshot     *templates.Snapshot
	steps        []planStep
}

// stepOrder is the fixed AI phase sequence of every work order.
var stepOrder = []templates.StepType{templates.StepPlanning, templates.StepExecute, templates.StepReview}

// buildPlan resolves the execution plan from the snapshot taken at
// submission.
func buildPlan(snap *templates.Snapshot) (*executionPlan, error) {
	if !snap.Repository.UseTemplateExecution {
		// Legacy: planning and execute are required, review advisory,
		// no pauses. This mirrors the behavior before templates existed.
		return &executionPlan{
			snapshot: snap,
			steps: []planStep{
				{Type: templates.StepPlanning, Required: true},
				{Type: templates.StepExecute, Required: true},
				{Type: templates.StepReview, Required: false},
			},
		}, nil
	}

	plan := &executionPlan{templateMode: true, snapshot: snap}
	for _, stepType := range stepOrder {
		cfg, tmpl, err := snap.Step(stepType)
		if err != nil {
			return nil, fmt.Errorf("building execution plan: %w", err)
		}
		plan.steps = append(plan.steps, planStep{
			Type:       stepType,
			Template:   tmpl,
			Required:   cfg.Required,
			PauseAfter: cfg.PauseAfter,
		})
	}
	return plan, nil
}
