package templates

import "time"

// StepType identifies one of the three AI-driven workflow phases.
type StepType string

const (
	StepPlanning StepType = "planning"
	StepExecute  StepType = "execute"
	StepReview   StepType = "review"
)

// Valid reports whether the step type is one of the three AI phases.
func (t StepType) Valid() bool {
	switch t {
	case StepPlanning, StepExecute, StepReview:
		return true
	}
	return false
}

// WorkflowTemplate is an ordered list of AI steps. Git operations are never
// part of a workflow template; the orchestrator performs them unconditionally.
type WorkflowTemplate struct {
	Slug  string       `yaml:"-"`
	Steps []StepConfig `yaml:"steps"`
}

// StepConfig binds a step type to a step template within a workflow.
type StepConfig struct {
	Type       StepType `yaml:"type"`
	Template   string   `yaml:"template"`
	Required   bool     `yaml:"required"`
	PauseAfter bool     `yaml:"pause_after"`
}

// StepTemplate describes how one workflow step is executed. Exactly one mode
// is active: an empty SubSteps list means single-agent mode (Agent + Prompt),
// a non-empty list means multi-agent mode.
type StepTemplate struct {
	Slug     string          `yaml:"-"`
	Agent    string          `yaml:"agent,omitempty"`
	Prompt   string          `yaml:"prompt,omitempty"`
	SubSteps []SubStepConfig `yaml:"sub_steps,omitempty"`
}

// MultiAgent reports whether the template runs as an ordered sub-step sequence.
func (t *StepTemplate) MultiAgent() bool {
	return len(t.SubSteps) > 0
}

// SubStepConfig is one agent invocation within a multi-agent step.
type SubStepConfig struct {
	Order    int           `yaml:"order"`
	Name     string        `yaml:"name"`
	Agent    string        `yaml:"agent"`
	Prompt   string        `yaml:"prompt"`
	Required bool          `yaml:"required"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// AgentTemplate defines a reusable agent: its system prompt, preferred CLI
// provider, tool allow-list, and model.
type AgentTemplate struct {
	Slug         string   `yaml:"-"`
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	Provider     string   `yaml:"provider,omitempty"`
	Tools        []string `yaml:"tools,omitempty"`
	Model        string   `yaml:"model,omitempty"`
}

// AgentOverride is a per-repository adjustment applied to an agent template.
type AgentOverride struct {
	Provider string   `yaml:"provider,omitempty"`
	Tools    []string `yaml:"tools,omitempty"`
}

// RepositoryConfig carries per-repository execution settings.
type RepositoryConfig struct {
	Repository           string                   `yaml:"-"`
	Workflow             string                   `yaml:"workflow,omitempty"`
	UseTemplateExecution bool                     `yaml:"use_template_execution"`
	PreferredProvider    string                   `yaml:"preferred_provider,omitempty"`
	AgentOverrides       map[string]AgentOverride `yaml:"agent_overrides,omitempty"`
}
