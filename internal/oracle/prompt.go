// ABOUTME: Prompt rendering for the Claude oracle.
// ABOUTME: Keeps session context, facts and observation history in a compact text form.

package oracle

import (
	"fmt"
	"strings"

	"github.com/2389/coven-supervisor/internal/specialist"
	"github.com/2389/coven-supervisor/internal/supervisor"
)

// maxObservationChars truncates tool outputs quoted back to the model.
const maxObservationChars = 4000

func routingPrompt(req supervisor.RouteRequest) string {
	var b strings.Builder
	b.WriteString("You are the supervisor of a team of specialist agents. ")
	b.WriteString("Decide which specialists should handle the user's request. ")
	b.WriteString("Select one specialist for a focused question, several for a question spanning their capabilities. ")
	b.WriteString("Give each a self-contained sub-task. Use depends_on only when a sub-task needs another specialist's findings.\n\n")

	b.WriteString("Specialists:\n")
	for _, d := range req.Specialists {
		fmt.Fprintf(&b, "- %s: %s (tools: %s)\n", d.Name, d.Description, strings.Join(d.Tools, ", "))
	}
	writeContext(&b, req.Recent, req.Facts)
	return b.String()
}

func planningPrompt(req specialist.PlanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s specialist. %s\n\n", req.Specialist.Name, req.Specialist.Description)
	b.WriteString("Call your tools to complete the sub-task. Independent calls may be issued together. ")
	b.WriteString("If a result is insufficient, call the tool again with refined input. ")
	b.WriteString("When you have enough information, reply with the answer as text and no tool calls.\n")
	writeContext(&b, req.Session.Recent, req.Session.Facts)
	return b.String()
}

func planningMessage(req specialist.PlanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sub-task: %s\n", req.SubTask)

	for _, up := range req.Session.Upstream {
		if up == nil {
			continue
		}
		fmt.Fprintf(&b, "\nFindings from %s:\n%s\n", up.Specialist, up.Answer)
	}

	if len(req.History) > 0 {
		b.WriteString("\nTool results so far:\n")
		for _, o := range req.History {
			if o.Succeeded() {
				fmt.Fprintf(&b, "- round %d %s %s -> %s\n", o.Round, o.Tool, o.Input, clip(string(o.Output)))
			} else {
				fmt.Fprintf(&b, "- round %d %s %s -> failed (%s)\n", o.Round, o.Tool, o.Input, o.ErrorKind)
			}
		}
	}
	return b.String()
}

func writeContext(b *strings.Builder, recent []specialist.Exchange, facts []string) {
	if len(recent) > 0 {
		b.WriteString("\nEarlier in this conversation:\n")
		for _, ex := range recent {
			fmt.Fprintf(b, "User: %s\nAssistant: %s\n", ex.Input, clip(ex.Response))
		}
	}
	if len(facts) > 0 {
		b.WriteString("\nRelevant long-term memory:\n")
		for _, f := range facts {
			fmt.Fprintf(b, "- %s\n", f)
		}
	}
}

func clip(s string) string {
	if len(s) <= maxObservationChars {
		return s
	}
	return s[:maxObservationChars] + "..."
}
