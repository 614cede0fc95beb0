// ABOUTME: Deterministic merge of specialist results into one response.
// ABOUTME: Output depends only on the set of results and failures, never on completion order.

package supervisor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/2389/coven-supervisor/internal/specialist"
	"github.com/2389/coven-supervisor/internal/turn"
)

// FailureMessage opens every user-visible response of a failed turn.
const FailureMessage = "I was unable to complete the request."

// aggregate builds the response from successful results, annotated with failures.
func aggregate(results []*specialist.Result, failures []turn.Failure) string {
	results = sortedResults(results)
	failures = sortedFailures(failures)

	var b strings.Builder
	if len(results) == 1 {
		b.WriteString(strings.TrimSpace(results[0].Answer))
	} else {
		writeSections(&b, results)
	}
	writeFailures(&b, failures)
	return strings.TrimSpace(b.String())
}

// failureResponse is the user-visible message of a failed turn, with any
// partial findings the failed specialists still produced.
func failureResponse(partials []*specialist.Result, failures []turn.Failure) string {
	var b strings.Builder
	b.WriteString(FailureMessage)

	partials = sortedResults(partials)
	if len(partials) > 0 {
		b.WriteString("\n\nPartial findings:\n\n")
		writeSections(&b, partials)
	}
	writeFailures(&b, sortedFailures(failures))
	return strings.TrimSpace(b.String())
}

func writeSections(b *strings.Builder, results []*specialist.Result) {
	for i, res := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(b, "## %s\n\n%s", res.Specialist, strings.TrimSpace(res.Answer))
	}
}

func writeFailures(b *strings.Builder, failures []turn.Failure) {
	if len(failures) == 0 {
		return
	}
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.Specialist, f.Kind))
	}
	fmt.Fprintf(b, "\n\n_Not included: %s._", strings.Join(parts, ", "))
}

func sortedResults(results []*specialist.Result) []*specialist.Result {
	out := append([]*specialist.Result(nil), results...)
	sort.Slice(out, func(i, j int) bool { return out[i].Specialist < out[j].Specialist })
	return out
}

func sortedFailures(failures []turn.Failure) []turn.Failure {
	out := append([]turn.Failure(nil), failures...)
	sort.Slice(out, func(i, j int) bool { return out[i].Specialist < out[j].Specialist })
	return out
}
