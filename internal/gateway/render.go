package gateway

import (
	"fmt"
	"strings"

	"github.com/rahul/steward/internal/events"
	"github.com/rahul/steward/internal/plan"
	"github.com/rahul/steward/internal/store"
)

// RenderPreview formats a plan preview as a chat message.
func RenderPreview(sessionID string, pv plan.Preview) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", pv.Title)
	if pv.Description != "" {
		fmt.Fprintf(&b, "%s\n", pv.Description)
	}
	b.WriteString("\n")
	for i, s := range pv.Steps {
		fmt.Fprintf(&b, "%d. %s (`%s` %s.%s)", i+1, s.Description, s.ID, s.ToolID, s.Action)
		if s.Verdict != "" {
			fmt.Fprintf(&b, " [%s]", s.Verdict)
		}
		b.WriteString("\n")
	}
	if len(pv.Assumptions) > 0 {
		b.WriteString("\nAssumptions:\n")
		for _, a := range pv.Assumptions {
			fmt.Fprintf(&b, "- %s (%s)\n", a.Text, a.Confidence)
		}
	}
	if len(pv.Risks) > 0 {
		b.WriteString("\nRisks:\n")
		for _, r := range pv.Risks {
			fmt.Fprintf(&b, "- %s\n", r.Text)
		}
	}
	if len(pv.Missing) > 0 {
		fmt.Fprintf(&b, "\nStill missing: %s\n", strings.Join(pv.Missing, ", "))
	}
	if pv.EstimatedDuration > 0 {
		fmt.Fprintf(&b, "\nEstimated time: %s", pv.EstimatedDuration)
		if pv.TotalCost > 0 {
			fmt.Fprintf(&b, ", cost: %.2f", pv.TotalCost)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nSession `%s`. Reply with: %s", sessionID, strings.Join(pv.CTAs, ", "))
	return b.String()
}

// RenderEvent formats a progress event as a short chat line.
func RenderEvent(ev events.Event) string {
	switch ev.Type {
	case events.PlanStarted:
		return "▶️ Plan started"
	case events.StepStarted:
		return fmt.Sprintf("⏳ %s: %s", ev.StepID, ev.Message)
	case events.StepProgress:
		line := fmt.Sprintf("… %s", ev.StepID)
		if ev.Percent != nil {
			line += fmt.Sprintf(" %d%%", *ev.Percent)
		}
		if ev.Label != "" {
			line += " " + ev.Label
		}
		return line
	case events.StepSucceeded:
		return fmt.Sprintf("✅ %s done", ev.StepID)
	case events.StepFailed:
		return fmt.Sprintf("❌ %s failed: %s", ev.StepID, ev.Error)
	case events.PlanCompleted:
		return fmt.Sprintf("🏁 Plan completed in %s", ev.Duration)
	case events.PlanFailed:
		return fmt.Sprintf("💥 Plan failed: %s", ev.Error)
	case events.PlanCancelled:
		return "🛑 Plan cancelled"
	}
	return string(ev.Type)
}

// RenderSession summarises a session for the status command.
func RenderSession(s *store.Session) string {
	line := fmt.Sprintf("Session `%s`: %s", s.ID, s.Status)
	if s.Plan != nil {
		line += fmt.Sprintf(" (%s, %d steps)", s.Plan.Title, len(s.Plan.Steps))
	}
	if s.Error != "" {
		line += "\nError: " + s.Error
	}
	return line
}

func terminalEvent(t events.Type) bool {
	return t == events.PlanCompleted || t == events.PlanFailed || t == events.PlanCancelled
}
