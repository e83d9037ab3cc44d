package templates

import (
	"fmt"
)

// Resolver resolves workflows, step templates, and agents from a Store,
// applying per-repository overrides.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveWorkflow returns the workflow assigned to the repository, falling
// back to the system default when none is assigned.
func (r *Resolver) ResolveWorkflow(repository string) (*WorkflowTemplate, error) {
	rc, err := r.store.RepositoryConfig(repository)
	if err != nil {
		return nil, fmt.Errorf("resolving repository config for %s: %w", repository, err)
	}

	slug := rc.Workflow
	if slug == "" {
		slug = DefaultWorkflowSlug
	}
	wf, err := r.store.Workflow(slug)
	if err != nil {
		return nil, fmt.Errorf("resolving workflow for %s: %w", repository, err)
	}
	return wf, nil
}

// ResolveStep returns the step template bound to the first StepConfig of the
// given type. Workflows are validated at authoring time to contain each of
// the three AI step types, so a miss here is a catalog inconsistency.
func (r *Resolver) ResolveStep(stepType StepType, wf *WorkflowTemplate) (*StepConfig, *StepTemplate, error) {
	for i := range wf.Steps {
		if wf.Steps[i].Type != stepType {
			continue
		}
		st, err := r.store.StepTemplate(wf.Steps[i].Template)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving step %s: %w", stepType, err)
		}
		return &wf.Steps[i], st, nil
	}
	return nil, nil, fmt.Errorf("workflow %q has no %q step", wf.Slug, stepType)
}

// Snapshot is a fully resolved, immutable view of everything a work order
// needs from the template library. It is taken once at submission so that
// catalog edits never affect a work order mid-flight.
type Snapshot struct {
	Repository *RepositoryConfig
	Workflow   *WorkflowTemplate
	Steps      map[StepType]*resolvedStep
	Agents     map[string]*AgentTemplate
}

type resolvedStep struct {
	Config   *StepConfig
	Template *StepTemplate
}

// Snapshot resolves the repository's workflow, every step template it
// references, and every agent those steps reference, with repository agent
// overrides already applied.
func (r *Resolver) Snapshot(repository string) (*Snapshot, error) {
	rc, err := r.store.RepositoryConfig(repository)
	if err != nil {
		return nil, fmt.Errorf("resolving repository config for %s: %w", repository, err)
	}

	wf, err := r.ResolveWorkflow(repository)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Repository: rc,
		Workflow:   wf,
		Steps:      make(map[StepType]*resolvedStep, len(wf.Steps)),
		Agents:     make(map[string]*AgentTemplate),
	}

	for _, stepType := range []StepType{StepPlanning, StepExecute, StepReview} {
		cfg, st, err := r.ResolveStep(stepType, wf)
		if err != nil {
			return nil, err
		}
		snap.Steps[stepType] = &resolvedStep{Config: cfg, Template: st}

		refs := []string{st.Agent}
		for _, sub := range st.SubSteps {
			refs = append(refs, sub.Agent)
		}
		for _, ref := range refs {
			if ref == "" {
				continue
			}
			if _, done := snap.Agents[ref]; done {
				continue
			}
			agent, err := r.store.AgentTemplate(ref)
			if err != nil {
				return nil, fmt.Errorf("resolving agent for step %s: %w", stepType, err)
			}
			snap.Agents[ref] = applyOverride(agent, rc.AgentOverrides[ref])
		}
	}

	return snap, nil
}

// Step returns the resolved step config and template for a step type.
func (s *Snapshot) Step(stepType StepType) (*StepConfig, *StepTemplate, error) {
	rs, ok := s.Steps[stepType]
	if !ok {
		return nil, nil, fmt.Errorf("snapshot has no %q step", stepType)
	}
	return rs.Config, rs.Template, nil
}

// Agent returns the resolved agent template for a reference.
func (s *Snapshot) Agent(ref string) (*AgentTemplate, error) {
	agent, ok := s.Agents[ref]
	if !ok {
		return nil, fmt.Errorf("snapshot has no agent %q", ref)
	}
	return agent, nil
}

// applyOverride returns a copy of the agent with repository overrides applied.
func applyOverride(agent *AgentTemplate, ov AgentOverride) *AgentTemplate {
	out := *agent
	if ov.Provider != "" {
		out.Provider = ov.Provider
	}
	if len(ov.Tools) > 0 {
		out.Tools = append([]string(nil), ov.Tools...)
	}
	return &out
}
