package prompt

// builtinTemplates maps stage template filename to content.
var builtinTemplates = map[string]string{
	"planner.md":    plannerTemplate,
	"builder.md":    builderTemplate,
	"reviewer.md":   reviewerTemplate,
	"pr-creator.md": prCreatorTemplate,
}

// builtinAgents maps helper agent template filename to content.
var builtinAgents = map[string]string{
	"pr-describer.md":       prDescriberAgent,
	"failure-summarizer.md": failureSummarizerAgent,
}

// BuiltinNames lists the built-in stage template names.
func BuiltinNames() []string {
	return []string{"planner", "builder", "reviewer", "pr-creator"}
}

const plannerTemplate = `# Plan: {{issue_title}}

> Use only built-in tools. Do not modify source files in this stage.

## Task {{task_id}} (issue #{{issue_number}})
{{#if issue_body}}
{{issue_body}}
{{/if}}

## Repository Context
Working in: {{worktree_path}}
Branch: {{branch}}

## Instructions
1. Read the code relevant to the task.
2. Write an implementation plan to {{plan_path}}: the files to change,
   the approach, and how the change will be tested.
3. Stop once the plan is written. The plan file is the only output of this stage.
`

const builderTemplate = `# Build: {{issue_title}}

> Use only built-in tools.

## Task {{task_id}} (issue #{{issue_number}})
{{#if issue_body}}
{{issue_body}}
{{/if}}

## Plan
Follow the plan in {{plan_path}}.

## Repository Context
Working in: {{worktree_path}}
Branch: {{branch}}

## Instructions
1. Implement the plan.
2. Write or update tests and run them.
3. Commit your changes on {{branch}}.
4. Summarize what you changed, and how you verified it, in {{implementation_path}}.
`

const reviewerTemplate = `# Review: {{issue_title}}

> Use only built-in tools. Do not change source files.

## Task {{task_id}} (issue #{{issue_number}})

## Inputs
- Plan: {{plan_path}}
- Implementation notes: {{implementation_path}}
- Changes: run ` + "`git diff {{base_branch}}...HEAD`" + ` in {{worktree_path}}

## Instructions
1. Check the change against the plan and the task.
2. Run the tests.
3. Write your review to {{review_path}}.
4. If the change is ready, the review must contain the exact line:
   {{approval_marker}}
   Omit that line if anything must change first, and list what.
`

const prCreatorTemplate = `# Open Pull Request: {{issue_title}}

> Use only built-in tools.

## Task {{task_id}} (issue #{{issue_number}})
Branch: {{branch}} (base {{base_branch}})
Working in: {{worktree_path}}

{{#if pr_description}}
## Suggested Description
{{pr_description}}
{{/if}}

## Instructions
1. Push {{branch}} to origin.
2. Open a pull request against {{base_branch}} that closes #{{issue_number}}.
   Base the description on {{plan_path}} and {{review_path}}.
3. Write the pull request URL to {{pr_path}}.
`

const prDescriberAgent = `---
name: pr-describer
description: Drafts a pull request description from the stage artifacts.
provider: anthropic
model: claude-haiku-4-5
---
You write concise pull request descriptions. Given a plan, implementation
notes and a review, reply with a markdown description containing a short
summary, a bullet list of changes, and a testing section. Reply with the
description only.
`

const failureSummarizerAgent = `---
name: failure-summarizer
description: Condenses an agent log tail into a one-paragraph failure summary.
provider: anthropic
model: claude-haiku-4-5
---
You read the tail of an automated coding agent's log and explain in two or
three sentences why the run failed. Reply with the summary only.
`
