// Package plan turns a coordinator's free-text plan into structured Task
// records. The only recognized structure is the @@@task block; everything
// outside blocks is ignored.
package plan

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/routa-project/routa/pkg/models"
)

// DefaultTitle is assigned when a block has no "# " heading.
const DefaultTitle = "Untitled Task"

// blockRe captures the body between an @@@task line and the next @@@ line.
var blockRe = regexp.MustCompile(`(?ms)^@@@task[ \t]*\n(.*?)^@@@[ \t]*$`)

// nowFn is the parser time source. Package-level var so tests can pin it.
var nowFn = time.Now

// Parse extracts every @@@task block from planText and returns one PENDING
// Task per block, in document order. Parsing never fails: malformed or
// whitespace-only bodies yield tasks with default title and empty fields.
func Parse(planText, workspaceID string) []*models.Task {
	matches := blockRe.FindAllStringSubmatch(planText, -1)
	tasks := make([]*models.Task, 0, len(matches))
	for _, m := range matches {
		tasks = append(tasks, parseBlock(m[1], workspaceID))
	}
	return tasks
}

// HasTaskBlocks reports whether planText contains at least one @@@task block.
func HasTaskBlocks(planText string) bool {
	return blockRe.MatchString(planText)
}

func parseBlock(body, workspaceID string) *models.Task {
	now := nowFn()
	task := &models.Task{
		ID:          uuid.NewString(),
		Title:       DefaultTitle,
		Status:      models.TaskStatusPending,
		WorkspaceID: workspaceID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	lines := strings.Split(body, "\n")
	section := ""
	var objective []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "# ") && !strings.HasPrefix(trimmed, "## "):
			if task.Title == DefaultTitle {
				if title := strings.TrimSpace(trimmed[2:]); title != "" {
					task.Title = title
				}
			}
			section = ""
		case strings.HasPrefix(trimmed, "## "):
			section = strings.ToLower(strings.TrimSpace(trimmed[3:]))
		case section == "objective":
			objective = append(objective, line)
		case strings.HasPrefix(trimmed, "-"):
			item := strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
			if item == "" {
				continue
			}
			switch section {
			case "scope":
				task.Scope = append(task.Scope, item)
			case "definition of done":
				task.AcceptanceCriteria = append(task.AcceptanceCriteria, item)
			case "verification":
				task.VerificationCommands = append(task.VerificationCommands, item)
			}
		}
	}
	task.Objective = strings.TrimSpace(strings.Join(objective, "\n"))
	return task
}

// Canonical renders a task back into the block grammar. Parse(Canonical(t))
// reproduces the task's textual fields, which keeps replanning prompts and
// stored plans interchangeable.
func Canonical(task *models.Task) string {
	var b strings.Builder
	b.WriteString("@@@task\n")
	b.WriteString("# " + task.Title + "\n")
	if task.Objective != "" {
		b.WriteString("\n## Objective\n")
		b.WriteString(task.Objective + "\n")
	}
	writeList(&b, "Scope", task.Scope)
	writeList(&b, "Definition of Done", task.AcceptanceCriteria)
	writeList(&b, "Verification", task.VerificationCommands)
	b.WriteString("@@@\n")
	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n## " + heading + "\n")
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
}
