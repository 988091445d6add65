package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

// TriageSystemPrompt instructs the model to return one JSON object.
func TriageSystemPrompt() string {
	return `You are a senior incident responder reviewing the output of automated forensic tools (Sparrow, Hawk, Loki, YARA, Volatility) run against a Microsoft 365 tenant and collected evidence. Produce one valid JSON object only, no markdown and no commentary.

Requirements:
- "priority" is one of: low, medium, high, critical.
- "summary" is at most three sentences, names the tools whose findings matter and what an analyst should look at first.
- If no tool reported findings, say so and use priority low.

Schema:
{"priority": "<low|medium|high|critical>", "summary": "<string>"}`
}

// TriageUserPrompt describes the finished steps of one analysis.
func TriageUserPrompt(a *domain.Analysis, steps []domain.StepOutcome) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Analysis %s for case %s.\n", a.ID, a.CaseID)
	if len(a.TargetUsers) > 0 {
		fmt.Fprintf(&sb, "Target users: %s.\n", strings.Join(a.TargetUsers, ", "))
	}
	sb.WriteString("Step results:\n")
	for i, s := range steps {
		fmt.Fprintf(&sb, "%d. %s: %s (alerts=%d warnings=%d notices=%d)\n",
			i+1, s.Tool, s.FindingsSummary, s.Findings.Alerts, s.Findings.Warnings, s.Findings.Notices)
	}
	return sb.String()
}

// Triage is the response schema.
type Triage struct {
	Priority string `json:"priority"`
	Summary  string `json:"summary"`
}

// ParseTriage decodes the model reply, tolerating code fences around it.
func ParseTriage(content string) (Triage, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var t Triage
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &t); err != nil {
		return Triage{}, err
	}
	t.Priority = strings.ToLower(strings.TrimSpace(t.Priority))
	switch t.Priority {
	case "low", "medium", "high", "critical":
	default:
		t.Priority = "unknown"
	}
	return t, nil
}

// String renders the triage the way it is appended to the analysis log.
func (t Triage) String() string {
	return fmt.Sprintf("[%s] %s", t.Priority, strings.TrimSpace(t.Summary))
}
