package orchestrator

import (
	"fmt"

	"github.com/opsforge/foreman/internal/templates"
)

// Fixed prompts for repositories that have not opted into template
// execution. Their wording is frozen: template adoption must leave this
// path's behavior untouched.
const (
	legacyPlanningPrompt = `You are a senior software engineer. Produce an implementation plan for the following request. List the files you expect to change and the order of changes. Do not write code yet.

Request:
%s`

	legacyExecutePrompt = `You are a senior software engineer. Implement the following request in the current working directory, following the plan below. Make the changes directly in the files.

Request:
%s

Plan:
%s`

	legacyReviewPrompt = `You are a code reviewer. Review the changes made for the following request. Point out bugs, missing edge cases, and style problems. If everything is fine, say so briefly.

Request:
%s

Implementation notes:
%s`
)

// legacyPrompt builds the fixed prompt for one AI step, interpolating the
// user request and the outputs of earlier steps.
func legacyPrompt(step templates.StepType, userRequest string, outputs map[templates.StepType]string) string {
	switch step {
	case templates.StepPlanning:
		return fmt.Sprintf(legacyPlanningPrompt, userRequest)
	case templates.StepExecute:
		return fmt.Sprintf(legacyExecutePrompt, userRequest, outputs[templates.StepPlanning])
	case templates.StepReview:
		return fmt.Sprintf(legacyReviewPrompt, userRequest, outputs[templates.StepExecute])
	}
	return userRequest
}
