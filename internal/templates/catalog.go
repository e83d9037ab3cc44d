package templates

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Store is the read-only template library the engine resolves against.
// Implementations must be safe for concurrent use.
type Store interface {
	Workflow(slug string) (*WorkflowTemplate, error)
	StepTemplate(slug string) (*StepTemplate, error)
	AgentTemplate(slug string) (*AgentTemplate, error)
	RepositoryConfig(repository string) (*RepositoryConfig, error)
}

// DefaultWorkflowSlug names the built-in workflow assigned to repositories
// without an explicit one.
const DefaultWorkflowSlug = "standard"

// catalogFile mirrors the YAML catalog layout on disk.
type catalogFile struct {
	Workflows     map[string]WorkflowTemplate `yaml:"workflows"`
	StepTemplates map[string]StepTemplate     `yaml:"step_templates"`
	Agents        map[string]AgentTemplate    `yaml:"agents"`
	Repositories  map[string]RepositoryConfig `yaml:"repositories"`
}

// Catalog is a file-backed Store. The catalog is loaded once and held
// immutable; entries merge over the built-in defaults, file entries winning.
type Catalog struct {
	workflows     map[string]WorkflowTemplate
	stepTemplates map[string]StepTemplate
	agents        map[string]AgentTemplate
	repositories  map[string]RepositoryConfig
}

// NewCatalog returns a catalog containing only the built-in defaults.
func NewCatalog() *Catalog {
	c := &Catalog{
		workflows:     make(map[string]WorkflowTemplate),
		stepTemplates: make(map[string]StepTemplate),
		agents:        make(map[string]AgentTemplate),
		repositories:  make(map[string]RepositoryConfig),
	}
	c.merge(defaultCatalog())
	return c
}

// LoadCatalog reads a YAML catalog file and merges it over the defaults.
// A missing file is not an error; malformed YAML is.
func LoadCatalog(path string) (*Catalog, error) {
	c := NewCatalog()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	c.merge(&file)

	for slug, st := range c.stepTemplates {
		if err := validateStepTemplate(&st); err != nil {
			return nil, fmt.Errorf("step template %q: %w", slug, err)
		}
	}
	for slug, wf := range c.workflows {
		if err := validateWorkflow(&wf); err != nil {
			return nil, fmt.Errorf("workflow %q: %w", slug, err)
		}
	}

	return c, nil
}

func (c *Catalog) merge(file *catalogFile) {
	for slug, wf := range file.Workflows {
		wf.Slug = slug
		c.workflows[slug] = wf
	}
	for slug, st := range file.StepTemplates {
		st.Slug = slug
		c.stepTemplates[slug] = st
	}
	for slug, agent := range file.Agents {
		agent.Slug = slug
		c.agents[slug] = agent
	}
	for repo, rc := range file.Repositories {
		rc.Repository = repo
		c.repositories[repo] = rc
	}
}

// Workflow returns the workflow template for the given slug.
func (c *Catalog) Workflow(slug string) (*WorkflowTemplate, error) {
	wf, ok := c.workflows[slug]
	if !ok {
		return nil, fmt.Errorf("workflow %q not found", slug)
	}
	return &wf, nil
}

// StepTemplate returns the step template for the given slug.
func (c *Catalog) StepTemplate(slug string) (*StepTemplate, error) {
	st, ok := c.stepTemplates[slug]
	if !ok {
		return nil, fmt.Errorf("step template %q not found", slug)
	}
	return &st, nil
}

// AgentTemplate returns the agent template for the given slug.
func (c *Catalog) AgentTemplate(slug string) (*AgentTemplate, error) {
	agent, ok := c.agents[slug]
	if !ok {
		return nil, fmt.Errorf("agent template %q not found", slug)
	}
	return &agent, nil
}

// RepositoryConfig returns the configuration for the given repository.
// An unconfigured repository gets the defaults: legacy execution, the
// standard workflow, no provider preference.
func (c *Catalog) RepositoryConfig(repository string) (*RepositoryConfig, error) {
	rc, ok := c.repositories[repository]
	if !ok {
		return &RepositoryConfig{
			Repository: repository,
			Workflow:   DefaultWorkflowSlug,
		}, nil
	}
	if rc.Workflow == "" {
		rc.Workflow = DefaultWorkflowSlug
	}
	return &rc, nil
}

// validateStepTemplate enforces the single-vs-multi-agent mode contract and
// the sub-step ordering rules: orders unique and contiguous starting at 1.
func validateStepTemplate(st *StepTemplate) error {
	if len(st.SubSteps) == 0 {
		if st.Agent == "" {
			return fmt.Errorf("single-agent template requires an agent")
		}
		if st.Prompt == "" {
			return fmt.Errorf("single-agent template requires a prompt")
		}
		return nil
	}

	seen := make(map[int]string, len(st.SubSteps))
	for _, sub := range st.SubSteps {
		if sub.Agent == "" || sub.Prompt == "" {
			return fmt.Errorf("sub-step %q requires an agent and a prompt", sub.Name)
		}
		if prev, dup := seen[sub.Order]; dup {
			return fmt.Errorf("duplicate sub-step order %d (%q and %q)", sub.Order, prev, sub.Name)
		}
		seen[sub.Order] = sub.Name
	}
	for i := 1; i <= len(st.SubSteps); i++ {
		if _, ok := seen[i]; !ok {
			return fmt.Errorf("sub-step orders must be contiguous from 1, missing %d", i)
		}
	}
	return nil
}

// validateWorkflow rejects non-AI step types and workflows missing any of the
// three phases. This is authoring-time validation; the resolver trusts it.
func validateWorkflow(wf *WorkflowTemplate) error {
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow has no steps")
	}
	have := make(map[StepType]bool, 3)
	for _, step := range wf.Steps {
		if !step.Type.Valid() {
			return fmt.Errorf("invalid step type %q", step.Type)
		}
		if step.Template == "" {
			return fmt.Errorf("step %q has no template reference", step.Type)
		}
		have[step.Type] = true
	}
	for _, t := range []StepType{StepPlanning, StepExecute, StepReview} {
		if !have[t] {
			return fmt.Errorf("workflow is missing a %q step", t)
		}
	}
	return nil
}
