// ABOUTME: Deterministic oracle: keyword routing and static staged plans from the specialist catalog.
// ABOUTME: Plan outputs are checked with gjson paths; an insufficient output gets one refined call.

package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/2389/coven-supervisor/internal/specialist"
	"github.com/2389/coven-supervisor/internal/supervisor"
	"github.com/2389/coven-supervisor/internal/turn"
)

var (
	_ supervisor.Router  = (*Rules)(nil)
	_ specialist.Planner = (*Rules)(nil)
)

// Rules routes by keyword and executes each specialist's static plan.
type Rules struct {
	logger *slog.Logger
}

// NewRules creates a rule-based oracle.
func NewRules(logger *slog.Logger) *Rules {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rules{logger: logger.With("component", "oracle", "oracle", "rules")}
}

// Route selects every specialist with a keyword contained in the input. When
// none match, the catalog's default specialists are selected.
func (r *Rules) Route(_ context.Context, req supervisor.RouteRequest) ([]turn.Assignment, error) {
	text := strings.ToLower(req.Input)

	var chosen []turn.Assignment
	for _, d := range req.Specialists {
		for _, kw := range d.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				chosen = append(chosen, turn.Assignment{Specialist: d.Name, SubTask: req.Input})
				break
			}
		}
	}
	if len(chosen) == 0 {
		for _, d := range req.Specialists {
			if d.Default {
				chosen = append(chosen, turn.Assignment{Specialist: d.Name, SubTask: req.Input})
			}
		}
	}

	r.logger.Debug("routed", "input_len", len(req.Input), "specialists", len(chosen))
	return chosen, nil
}

// NextStep derives progress through the plan from the observation history, so
// the oracle itself holds no per-run state.
func (r *Rules) NextStep(_ context.Context, req specialist.PlanRequest) (specialist.Decision, error) {
	plan := req.Specialist.Plan
	if len(plan) == 0 {
		plan = defaultPlan(req.Specialist)
	}
	upstream := upstreamDocument(req.Session.Upstream)

	for _, stage := range stages(plan) {
		var pending []specialist.ToolCall
		for _, step := range stage {
			input, err := render(step.Input, req.SubTask, upstream)
			if err != nil {
				return specialist.Decision{}, fmt.Errorf("step %s: %w", step.Tool, err)
			}
			if _, ok := find(req.History, step.Tool, input); !ok {
				pending = append(pending, specialist.ToolCall{Tool: step.Tool, Input: input})
			}
		}
		if len(pending) > 0 {
			return specialist.Decision{Calls: pending}, nil
		}

		var refinements []specialist.ToolCall
		for _, step := range stage {
			if step.RefineInput == "" {
				continue
			}
			input, _ := render(step.Input, req.SubTask, upstream)
			obs, _ := find(req.History, step.Tool, input)
			if sufficient(obs, step.Require) {
				continue
			}
			refined, err := render(step.RefineInput, req.SubTask, upstream)
			if err != nil {
				return specialist.Decision{}, fmt.Errorf("step %s refinement: %w", step.Tool, err)
			}
			if _, ok := find(req.History, step.Tool, refined); !ok {
				refinements = append(refinements, specialist.ToolCall{Tool: step.Tool, Input: refined})
			}
		}
		if len(refinements) > 0 {
			r.logger.Debug("refining insufficient results",
				"specialist", req.Specialist.Name,
				"calls", len(refinements),
			)
			return specialist.Decision{Calls: refinements}, nil
		}
	}

	return specialist.Decision{Done: true}, nil
}

// defaultPlan calls every tool once, in parallel, with the sub-task as query.
func defaultPlan(d specialist.Descriptor) []specialist.PlanStep {
	steps := make([]specialist.PlanStep, 0, len(d.Tools))
	for _, tool := range d.Tools {
		steps = append(steps, specialist.PlanStep{Tool: tool, Input: `{"query":"{{task}}"}`})
	}
	return steps
}

// stages groups plan steps by stage, ascending, keeping declaration order within a stage.
func stages(plan []specialist.PlanStep) [][]specialist.PlanStep {
	byStage := make(map[int][]specialist.PlanStep)
	var order []int
	for _, step := range plan {
		if _, ok := byStage[step.Stage]; !ok {
			order = append(order, step.Stage)
		}
		byStage[step.Stage] = append(byStage[step.Stage], step)
	}
	sort.Ints(order)

	out := make([][]specialist.PlanStep, 0, len(order))
	for _, s := range order {
		out = append(out, byStage[s])
	}
	return out
}

var upstreamPattern = regexp.MustCompile(`\{\{upstream:([^}]+)\}\}`)

// render fills a JSON input template. {{task}} is replaced by the sub-task as
// JSON string content; {{upstream:path}} by the raw JSON at a gjson path of the
// upstream document, or null.
func render(template, task string, upstream []byte) (json.RawMessage, error) {
	if strings.TrimSpace(template) == "" {
		return json.RawMessage(`{}`), nil
	}
	quoted, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	out := strings.ReplaceAll(template, "{{task}}", string(quoted[1:len(quoted)-1]))
	out = upstreamPattern.ReplaceAllStringFunc(out, func(match string) string {
		path := upstreamPattern.FindStringSubmatch(match)[1]
		if res := gjson.GetBytes(upstream, path); res.Exists() {
			return res.Raw
		}
		return "null"
	})
	if !json.Valid([]byte(out)) {
		return nil, fmt.Errorf("input template does not render to valid JSON")
	}
	return canonical(json.RawMessage(out)), nil
}

// upstreamDocument builds {"<specialist>": {"answer": ..., "payload": ...}}.
func upstreamDocument(results []*specialist.Result) []byte {
	doc := make(map[string]any, len(results))
	for _, res := range results {
		if res == nil {
			continue
		}
		doc[res.Specialist] = map[string]any{
			"answer":  res.Answer,
			"payload": res.Payload,
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}

// find returns the latest observation of the tool with an equivalent input.
func find(history []specialist.Observation, tool string, input json.RawMessage) (specialist.Observation, bool) {
	want := string(canonical(input))
	for i := len(history) - 1; i >= 0; i-- {
		o := history[i]
		if o.Tool == tool && string(canonical(o.Input)) == want {
			return o, true
		}
	}
	return specialist.Observation{}, false
}

// sufficient reports whether an observation succeeded and, when a path is
// required, contains it.
func sufficient(o specialist.Observation, require string) bool {
	if !o.Succeeded() {
		return false
	}
	if require == "" {
		return true
	}
	return gjson.GetBytes(o.Output, require).Exists()
}

// canonical re-encodes JSON so equivalent inputs compare equal.
func canonical(raw json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
