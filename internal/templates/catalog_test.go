package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewCatalog_HasDefaults(t *testing.T) {
	c := NewCatalog()

	wf, err := c.Workflow(DefaultWorkflowSlug)
	require.NoError(t, err)
	require.Len(t, wf.Steps, 3)
	assert.Equal(t, StepPlanning, wf.Steps[0].Type)
	assert.Equal(t, StepExecute, wf.Steps[1].Type)
	assert.Equal(t, StepReview, wf.Steps[2].Type)

	for _, slug := range []string{"planner", "implementer", "reviewer"} {
		agent, err := c.AgentTemplate(slug)
		require.NoError(t, err)
		assert.Equal(t, "claude", agent.Provider)
	}
}

func TestLoadCatalog_MissingFileUsesDefaults(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	_, err = c.Workflow(DefaultWorkflowSlug)
	assert.NoError(t, err)
}

func TestLoadCatalog_MergesOverDefaults(t *testing.T) {
	path := writeCatalog(t, `
step_templates:
  custom-review:
    sub_steps:
      - order: 1
        name: Style pass
        agent: reviewer
        prompt: "Check style: {{user_request}}"
        required: false
      - order: 2
        name: Correctness pass
        agent: reviewer
        prompt: "Check correctness: {{user_request}}"
        required: true
repositories:
  "acme/widget":
    workflow: standard
    use_template_execution: true
    preferred_provider: codex
    agent_overrides:
      reviewer:
        provider: gemini
`)
	c, err := LoadCatalog(path)
	require.NoError(t, err)

	st, err := c.StepTemplate("custom-review")
	require.NoError(t, err)
	assert.True(t, st.MultiAgent())
	require.Len(t, st.SubSteps, 2)

	rc, err := c.RepositoryConfig("acme/widget")
	require.NoError(t, err)
	assert.True(t, rc.UseTemplateExecution)
	assert.Equal(t, "codex", rc.PreferredProvider)
	assert.Equal(t, "gemini", rc.AgentOverrides["reviewer"].Provider)

	// Defaults survive the merge.
	_, err = c.StepTemplate("standard-planning")
	assert.NoError(t, err)
}

func TestLoadCatalog_UnknownRepositoryGetsLegacyDefaults(t *testing.T) {
	c := NewCatalog()
	rc, err := c.RepositoryConfig("nobody/nothing")
	require.NoError(t, err)
	assert.False(t, rc.UseTemplateExecution)
	assert.Equal(t, DefaultWorkflowSlug, rc.Workflow)
}

func TestLoadCatalog_RejectsDuplicateSubStepOrder(t *testing.T) {
	path := writeCatalog(t, `
step_templates:
  broken:
    sub_steps:
      - order: 1
        name: First
        agent: planner
        prompt: p
        required: true
      - order: 1
        name: Second
        agent: planner
        prompt: p
        required: true
`)
	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate sub-step order")
}

func TestLoadCatalog_RejectsNonContiguousOrders(t *testing.T) {
	path := writeCatalog(t, `
step_templates:
  gapped:
    sub_steps:
      - order: 1
        name: First
        agent: planner
        prompt: p
        required: true
      - order: 3
        name: Third
        agent: planner
        prompt: p
        required: true
`)
	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contiguous")
}

func TestLoadCatalog_RejectsGitStepTypes(t *testing.T) {
	path := writeCatalog(t, `
workflows:
  bad:
    steps:
      - type: commit
        template: standard-planning
`)
	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid step type")
}

func TestLoadCatalog_RejectsWorkflowMissingPhase(t *testing.T) {
	path := writeCatalog(t, `
workflows:
  partial:
    steps:
      - type: planning
        template: standard-planning
      - type: execute
        template: standard-execute
`)
	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing a "review" step`)
}
