package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	path := writeCatalog(t, `
workflows:
  heavy:
    steps:
      - type: planning
        template: standard-planning
        required: true
        pause_after: true
      - type: execute
        template: paired-execute
        required: true
      - type: review
        template: standard-review
step_templates:
  paired-execute:
    sub_steps:
      - order: 1
        name: Implementation
        agent: implementer
        prompt: "Implement: {{user_request}}"
        required: true
      - order: 2
        name: Tests
        agent: tester
        prompt: "Write tests. Implementation was:\n{{sub_steps.1.output}}"
        required: false
agents:
  tester:
    provider: codex
    system_prompt: You write tests.
repositories:
  "acme/widget":
    workflow: heavy
    use_template_execution: true
    agent_overrides:
      tester:
        provider: gemini
        tools: [bash, edit]
`)
	c, err := LoadCatalog(path)
	require.NoError(t, err)
	return c
}

func TestResolveWorkflow_AssignedAndFallback(t *testing.T) {
	r := NewResolver(testCatalog(t))

	wf, err := r.ResolveWorkflow("acme/widget")
	require.NoError(t, err)
	assert.Equal(t, "heavy", wf.Slug)

	wf, err = r.ResolveWorkflow("unassigned/repo")
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkflowSlug, wf.Slug)
}

func TestResolveStep_FirstMatchWins(t *testing.T) {
	r := NewResolver(testCatalog(t))
	wf, err := r.ResolveWorkflow("acme/widget")
	require.NoError(t, err)

	cfg, st, err := r.ResolveStep(StepPlanning, wf)
	require.NoError(t, err)
	assert.True(t, cfg.PauseAfter)
	assert.Equal(t, "standard-planning", st.Slug)

	_, st, err = r.ResolveStep(StepExecute, wf)
	require.NoError(t, err)
	assert.True(t, st.MultiAgent())
}

func TestSnapshot_ResolvesAgentsWithOverrides(t *testing.T) {
	r := NewResolver(testCatalog(t))

	snap, err := r.Snapshot("acme/widget")
	require.NoError(t, err)
	assert.True(t, snap.Repository.UseTemplateExecution)

	tester, err := snap.Agent("tester")
	require.NoError(t, err)
	assert.Equal(t, "gemini", tester.Provider, "repository override should win")
	assert.Equal(t, []string{"bash", "edit"}, tester.Tools)

	// Agents without an override keep their template provider.
	impl, err := snap.Agent("implementer")
	require.NoError(t, err)
	assert.Equal(t, "claude", impl.Provider)
}

func TestSnapshot_ImmuneToLaterCatalogState(t *testing.T) {
	catalog := testCatalog(t)
	r := NewResolver(catalog)

	snap, err := r.Snapshot("acme/widget")
	require.NoError(t, err)

	// Mutating the live catalog map must not reach through the snapshot.
	mutated := catalog.agents["tester"]
	mutated.Provider = "changed"
	catalog.agents["tester"] = mutated

	tester, err := snap.Agent("tester")
	require.NoError(t, err)
	assert.Equal(t, "gemini", tester.Provider)
}

func TestSnapshot_MissingAgentFails(t *testing.T) {
	path := writeCatalog(t, `
step_templates:
  standard-planning:
    agent: ghost
    prompt: "{{user_request}}"
`)
	c, err := LoadCatalog(path)
	require.NoError(t, err)

	_, err = NewResolver(c).Snapshot("any/repo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `agent template "ghost" not found`)
}
