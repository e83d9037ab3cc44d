package templates

// defaultCatalog returns the built-in workflow, step, and agent templates.
// These back the "standard" workflow assigned to repositories without an
// explicit catalog entry.
func defaultCatalog() *catalogFile {
	return &catalogFile{
		Workflows: map[string]WorkflowTemplate{
			DefaultWorkflowSlug: {
				Steps: []StepConfig{
					{Type: StepPlanning, Template: "standard-planning", Required: true},
					{Type: StepExecute, Template: "standard-execute", Required: true},
					{Type: StepReview, Template: "standard-review", Required: false},
				},
			},
		},
		StepTemplates: map[string]StepTemplate{
			"standard-planning": {
				Agent: "planner",
				Prompt: "Analyze the following request and produce a concrete implementation plan.\n\n" +
					"Request: {{user_request}}\n\n" +
					"List the files to change, the approach for each, and the order of work.",
			},
			"standard-execute": {
				Agent: "implementer",
				Prompt: "Implement the following request according to the plan.\n\n" +
					"Request: {{user_request}}\n\n" +
					"Plan:\n{{previous_outputs.planning}}\n\n" +
					"Make the code changes directly in the working directory.",
			},
			"standard-review": {
				Agent: "reviewer",
				Prompt: "Review the changes made for the following request.\n\n" +
					"Request: {{user_request}}\n\n" +
					"Implementation notes:\n{{previous_outputs.execute}}\n\n" +
					"Report any defects you find and fix the ones you can.",
			},
		},
		Agents: map[string]AgentTemplate{
			"planner": {
				Provider:     "claude",
				SystemPrompt: "You are a software architect. You produce focused, actionable implementation plans.",
			},
			"implementer": {
				Provider:     "claude",
				SystemPrompt: "You are a software engineer. You implement features and write production code.",
			},
			"reviewer": {
				Provider:     "claude",
				SystemPrompt: "You are a code reviewer. You check correctness, style, and test coverage.",
			},
		},
	}
}
