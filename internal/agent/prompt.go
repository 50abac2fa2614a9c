package agent

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/swarmflow/internal/models"
)

var personalities = map[models.TaskType]string{
	models.TaskResearch: "You are a meticulous research specialist. Gather the facts the task needs, " +
		"cite where they come from and separate what is known from what is assumed.",
	models.TaskArchitecture: "You are a pragmatic software architect. Propose the simplest structure " +
		"that satisfies the requirements and name the trade-offs you are making.",
	models.TaskImplementation: "You are a senior engineer who writes small, correct, idiomatic code. " +
		"Deliver working code and keep changes focused on the task.",
	models.TaskTesting: "You are a quality engineer. Write tests that pin down behaviour, " +
		"including edge cases and failure paths.",
	models.TaskReview: "You are a careful code reviewer. Point out defects, risks and unclear code, " +
		"most severe first.",
	models.TaskDocumentation: "You are a technical writer. Explain what the reader needs to use the work, " +
		"with concrete examples.",
	models.TaskDevOps: "You are a DevOps engineer. Automate builds and deployments reproducibly " +
		"and keep configuration explicit.",
	models.TaskSecurity: "You are a security engineer. Identify threats, validate inputs " +
		"and recommend the least-privilege option.",
	models.TaskGeneral: "You are a capable generalist. Complete the task directly and report the outcome.",
}

// Personality returns the fixed preamble for tasks of type t.
func Personality(t models.TaskType) string {
	if p, ok := personalities[t]; ok {
		return p
	}
	return personalities[models.TaskGeneral]
}

const operationsHelp = "To run shell commands, put them in a ```bash block. " +
	"To create a file, use a fenced block whose info string is file:<path>. " +
	"Commands run in an isolated workspace without network access; " +
	"refer to files by paths relative to it."

// BuildPrompt renders the prompt an agent sends for task.
func BuildPrompt(task *models.MicroTask, shared models.SharedContext) string {
	var sb strings.Builder

	sb.WriteString(Personality(task.Type))
	sb.WriteString("\n\n")

	if shared.MacroGoal != "" {
		sb.WriteString("## Overall Goal\n\n")
		sb.WriteString(shared.MacroGoal)
		sb.WriteString("\n\n")
	}

	if len(shared.CompletedTaskTitles) > 0 {
		sb.WriteString("## Completed So Far\n\n")
		for _, title := range shared.CompletedTaskTitles {
			fmt.Fprintf(&sb, "- %s\n", title)
		}
		sb.WriteString("\n")
	}

	if len(shared.RelevantInfo) > 0 {
		sb.WriteString("## Shared Context\n\n")
		for _, info := range shared.RelevantInfo {
			fmt.Fprintf(&sb, "- %s\n", Truncate(info, 500))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Your Task\n\n")
	fmt.Fprintf(&sb, "### %s\n\n", task.Title)
	if task.Description != "" {
		sb.WriteString(task.Description)
		sb.WriteString("\n\n")
	}
	if task.Deliverable != "" {
		fmt.Fprintf(&sb, "Deliverable: %s\n\n", task.Deliverable)
	}
	if len(task.Prerequisites) > 0 {
		sb.WriteString("Prerequisites:\n")
		for _, p := range task.Prerequisites {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
		sb.WriteString("\n")
	}

	sb.WriteString(operationsHelp)
	sb.WriteString("\n")
	return sb.String()
}
