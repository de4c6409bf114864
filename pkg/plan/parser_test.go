package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-project/routa/pkg/models"
)

const twoTaskPlan = `I'll split this into two tasks.

@@@task
# Implement Login API

## Objective
Build the POST /login endpoint with session issuance.

## Scope
- handlers/login.go
- middleware/session.go

## Definition of Done
- Valid credentials return 200 with a session token
- Invalid credentials return 401

## Verification
- go test ./handlers/...
- curl -X POST localhost:8080/login
@@@

Some commentary between blocks that must be ignored.

@@@task
# Add User Registration

## Objective
Create the registration flow.
@@@

Trailing notes.`

func TestParse_TwoBlocks(t *testing.T) {
	tasks := Parse(twoTaskPlan, "ws")
	require.Len(t, tasks, 2)

	first := tasks[0]
	assert.Equal(t, "Implement Login API", first.Title)
	assert.Equal(t, "Build the POST /login endpoint with session issuance.", first.Objective)
	assert.Equal(t, []string{"handlers/login.go", "middleware/session.go"}, first.Scope)
	assert.Equal(t, []string{
		"Valid credentials return 200 with a session token",
		"Invalid credentials return 401",
	}, first.AcceptanceCriteria)
	assert.Equal(t, []string{"go test ./handlers/...", "curl -X POST localhost:8080/login"}, first.VerificationCommands)
	assert.Equal(t, models.TaskStatusPending, first.Status)
	assert.Equal(t, "ws", first.WorkspaceID)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)

	second := tasks[1]
	assert.Equal(t, "Add User Registration", second.Title)
	assert.Equal(t, "Create the registration flow.", second.Objective)
	assert.Empty(t, second.Scope)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestParse_NoBlocks(t *testing.T) {
	assert.Empty(t, Parse("just prose, no tasks here", "ws"))
	assert.False(t, HasTaskBlocks("just prose"))
	assert.True(t, HasTaskBlocks(twoTaskPlan))

	// An inline mention of the marker is not an opening line.
	assert.Empty(t, Parse("see the @@@task syntax for details", "ws"))
}

func TestParse_WhitespaceOnlyBody(t *testing.T) {
	tasks := Parse("@@@task\n\n   \n@@@\n", "ws")
	require.Len(t, tasks, 1)
	assert.Equal(t, DefaultTitle, tasks[0].Title)
	assert.Empty(t, tasks[0].Objective)
	assert.Empty(t, tasks[0].Scope)
	assert.Equal(t, models.TaskStatusPending, tasks[0].Status)
}

func TestParse_MissingSections(t *testing.T) {
	tasks := Parse("@@@task\n# Only A Title\n@@@", "ws")
	require.Len(t, tasks, 1)
	assert.Equal(t, "Only A Title", tasks[0].Title)
	assert.Empty(t, tasks[0].Objective)
	assert.Empty(t, tasks[0].AcceptanceCriteria)
}

func TestParse_ObjectiveStopsAtNextSection(t *testing.T) {
	body := "@@@task\n# T\n\n## Objective\nline one\nline two\n\n## Scope\n- a\n@@@"
	tasks := Parse(body, "ws")
	require.Len(t, tasks, 1)
	assert.Equal(t, "line one\nline two", tasks[0].Objective)
	assert.Equal(t, []string{"a"}, tasks[0].Scope)
}

func TestParse_UnknownSectionIgnored(t *testing.T) {
	body := "@@@task\n# T\n\n## Notes\n- stray bullet\n\n## Scope\n- kept\n@@@"
	tasks := Parse(body, "ws")
	require.Len(t, tasks, 1)
	assert.Equal(t, []string{"kept"}, tasks[0].Scope)
	assert.Empty(t, tasks[0].AcceptanceCriteria)
}

func TestCanonical_RoundTrip(t *testing.T) {
	nowFn = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	defer func() { nowFn = time.Now }()

	original := Parse(twoTaskPlan, "ws")
	require.Len(t, original, 2)

	for _, task := range original {
		reparsed := Parse(Canonical(task), "ws")
		require.Len(t, reparsed, 1)
		got := reparsed[0]
		assert.Equal(t, task.Title, got.Title)
		assert.Equal(t, task.Objective, got.Objective)
		assert.Equal(t, task.Scope, got.Scope)
		assert.Equal(t, task.AcceptanceCriteria, got.AcceptanceCriteria)
		assert.Equal(t, task.VerificationCommands, got.VerificationCommands)
	}
}
