// ABOUTME: Specialist agent: a bounded plan/act loop over an owned set of tools.
// ABOUTME: Each round the planner proposes a batch of calls or finishes with an answer.

package specialist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/2389/coven-supervisor/internal/toolgw"
	"github.com/2389/coven-supervisor/internal/turn"
)

// DefaultMaxRefinements is the number of rounds allowed after the first.
const DefaultMaxRefinements = 3

// ErrSpecialistFailed is matched by every FailedError.
var ErrSpecialistFailed = errors.New("specialist failed")

// FailedError reports a specialist that produced no usable result.
type FailedError struct {
	Specialist string
	Kind       turn.ErrorKind
	Reason     string
	Partial    *Result
	Err        error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("specialist %s failed: %s", e.Specialist, e.Reason)
}

// Unwrap exposes the underlying cause, if any.
func (e *FailedError) Unwrap() error {
	return e.Err
}

// Is matches ErrSpecialistFailed.
func (e *FailedError) Is(target error) bool {
	return target == ErrSpecialistFailed
}

// Invoker performs tool calls. *toolgw.Client implements it.
type Invoker interface {
	Invoke(ctx context.Context, call toolgw.Call) (*toolgw.Result, error)
}

// ToolDescriber supplies tool metadata to planners. *toolgw.Registry implements it.
type ToolDescriber interface {
	Describe(name string) (toolgw.Tool, bool)
}

// Exchange is one earlier turn of the session, as seen by specialists.
type Exchange struct {
	Input    string
	Response string
}

// SessionContext is the read-only context a specialist runs with.
type SessionContext struct {
	SessionID string
	TurnID    string
	Recent    []Exchange
	Facts     []string
	// Upstream holds results of specialists this one depends on.
	Upstream []*Result
	// Log receives every tool invocation. May be nil.
	Log *turn.InvocationLog
}

// ToolCall is a planned call to one tool.
type ToolCall struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// Observation is the outcome of one tool call, visible to later rounds.
type Observation struct {
	Round     int             `json:"round"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorKind turn.ErrorKind  `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Succeeded reports whether the call produced output.
func (o Observation) Succeeded() bool {
	return o.ErrorKind == turn.KindNone
}

// PlanRequest is what the planner sees each round.
type PlanRequest struct {
	Specialist Descriptor
	Tools      []toolgw.Tool
	SubTask    string
	Session    SessionContext
	// Round is 0 for the initial round; refinements count up from 1.
	Round   int
	History []Observation
}

// Decision is the planner's output: either calls to make or a final answer.
type Decision struct {
	Calls  []ToolCall
	Done   bool
	Answer string
}

// Planner decides the next step of a specialist.
type Planner interface {
	NextStep(ctx context.Context, req PlanRequest) (Decision, error)
}

// Result is a specialist's contribution to a turn.
type Result struct {
	Specialist string `json:"specialist"`
	Answer     string `json:"answer"`
	// Payload maps each tool to its last successful output.
	Payload       json.RawMessage `json:"payload"`
	InvocationIDs []string        `json:"invocation_ids"`
	Succeeded     int             `json:"succeeded"`
	Failed        int             `json:"failed"`
	Rounds        int             `json:"rounds"`
}

// Config contains configuration options for an Agent.
type Config struct {
	Descriptor     Descriptor
	Planner        Planner
	Invoker        Invoker
	Tools          ToolDescriber
	MaxRefinements int
	CallTimeout    time.Duration
	Logger         *slog.Logger
}

// Agent executes sub-tasks for one specialist descriptor.
type Agent struct {
	desc           Descriptor
	planner        Planner
	invoker        Invoker
	tools          ToolDescriber
	maxRefinements int
	callTimeout    time.Duration
	logger         *slog.Logger
}

// New creates an Agent with the given configuration.
func New(cfg Config) (*Agent, error) {
	if cfg.Descriptor.Name == "" {
		return nil, errors.New("descriptor name is required")
	}
	if cfg.Planner == nil {
		return nil, errors.New("planner is required")
	}
	if cfg.Invoker == nil {
		return nil, errors.New("invoker is required")
	}
	maxRefinements := cfg.MaxRefinements
	if maxRefinements == 0 {
		maxRefinements = DefaultMaxRefinements
	}
	if maxRefinements < 0 {
		maxRefinements = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		desc:           cfg.Descriptor,
		planner:        cfg.Planner,
		invoker:        cfg.Invoker,
		tools:          cfg.Tools,
		maxRefinements: maxRefinements,
		callTimeout:    cfg.CallTimeout,
		logger:         logger.With("component", "specialist", "specialist", cfg.Descriptor.Name),
	}, nil
}

// Name returns the specialist name.
func (a *Agent) Name() string {
	return a.desc.Name
}

// Descriptor returns the specialist's static description.
func (a *Agent) Descriptor() Descriptor {
	return a.desc
}

// run holds the mutable state of a single Run call.
type run struct {
	history []Observation
	ids     []string
	outputs map[string]json.RawMessage
	ok      int
	failed  int
	rounds  int
}

// Run executes a sub-task to completion or failure.
func (a *Agent) Run(ctx context.Context, subTask string, sc SessionContext) (*Result, error) {
	st := &run{outputs: make(map[string]json.RawMessage)}
	tools := a.toolSpecs()
	maxRounds := 1 + a.maxRefinements

	a.logger.Info("specialist started", "sub_task_len", len(subTask), "max_rounds", maxRounds)

	for round := 0; round < maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, a.fail(st, turn.KindTimeout, "cancelled before completion", err)
		}

		dec, err := a.planner.NextStep(ctx, PlanRequest{
			Specialist: a.desc,
			Tools:      tools,
			SubTask:    subTask,
			Session:    sc,
			Round:      round,
			History:    append([]Observation(nil), st.history...),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, a.fail(st, turn.KindTimeout, "cancelled during planning", err)
			}
			a.logger.Warn("planner error", "round", round, "error", err)
			return nil, a.fail(st, turn.KindOracle, "decision oracle error", err)
		}

		if dec.Done || len(dec.Calls) == 0 {
			if st.ok == 0 && st.failed > 0 {
				return nil, a.fail(st, turn.KindAllToolsFailed, "all tool calls failed", nil)
			}
			answer := strings.TrimSpace(dec.Answer)
			if answer == "" {
				answer = summarize(st.history)
			}
			a.logger.Info("specialist finished", "rounds", st.rounds, "succeeded", st.ok, "failed", st.failed)
			return st.result(a.desc.Name, answer), nil
		}

		st.rounds++
		observations := a.executeBatch(ctx, round, dec.Calls, sc)
		st.record(observations)
	}

	if st.ok > 0 {
		a.logger.Warn("refinement bound reached, returning best result",
			"rounds", st.rounds,
			"succeeded", st.ok,
		)
		return st.result(a.desc.Name, summarize(st.history)), nil
	}
	return nil, a.fail(st, turn.KindRefinement, "refinement bound exhausted", nil)
}

// executeBatch runs one round's calls, bounded by MaxConcurrency, and returns
// observations in issuance order.
func (a *Agent) executeBatch(ctx context.Context, round int, calls []ToolCall, sc SessionContext) []*observed {
	out := make([]*observed, len(calls))
	limit := int64(a.desc.MaxConcurrency)
	if limit <= 0 {
		limit = int64(len(calls))
	}
	sem := semaphore.NewWeighted(limit)

	var wg sync.WaitGroup
	for i, call := range calls {
		input := call.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}

		if !a.desc.Owns(call.Tool) {
			out[i] = a.reject(round, call.Tool, input, sc.Log)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			out[i] = &observed{Observation: Observation{
				Round:     round,
				Tool:      call.Tool,
				Input:     input,
				ErrorKind: turn.KindTimeout,
				Error:     "cancelled before dispatch",
			}}
			continue
		}

		wg.Add(1)
		go func(i int, tool string, input json.RawMessage) {
			defer wg.Done()
			defer sem.Release(1)
			out[i] = a.invoke(ctx, round, tool, input, sc.Log)
		}(i, call.Tool, input)
	}
	wg.Wait()
	return out
}

// observed pairs an observation with its invocation record ID.
type observed struct {
	Observation
	invocationID string
}

func (a *Agent) invoke(ctx context.Context, round int, tool string, input json.RawMessage, log *turn.InvocationLog) *observed {
	res, err := a.invoker.Invoke(ctx, toolgw.Call{
		Specialist: a.desc.Name,
		Tool:       tool,
		Payload:    input,
		Timeout:    a.callTimeout,
		Log:        log,
	})
	if err != nil {
		kind := toolgw.KindOf(err)
		a.logger.Warn("tool call failed", "tool", tool, "kind", kind, "error", err)
		o := &observed{Observation: Observation{
			Round:     round,
			Tool:      tool,
			Input:     input,
			ErrorKind: kind,
			Error:     string(kind),
		}}
		var failed *toolgw.ToolInvocationFailedError
		if errors.As(err, &failed) {
			o.invocationID = failed.InvocationID
		}
		return o
	}
	return &observed{
		Observation: Observation{
			Round:  round,
			Tool:   tool,
			Input:  input,
			Output: res.Output,
		},
		invocationID: res.InvocationID,
	}
}

// reject records a call to a tool outside the specialist's set without calling it.
func (a *Agent) reject(round int, tool string, input json.RawMessage, log *turn.InvocationLog) *observed {
	a.logger.Warn("tool not permitted for specialist", "tool", tool)
	obs := &observed{Observation: Observation{
		Round:     round,
		Tool:      tool,
		Input:     input,
		ErrorKind: turn.KindNotPermitted,
		Error:     string(turn.KindNotPermitted),
	}}
	if log == nil {
		return obs
	}
	id, err := log.Begin(a.desc.Name, tool, input)
	if err != nil {
		return obs
	}
	_ = log.Finish(id, turn.Outcome{
		Status:      turn.InvocationFailed,
		ErrorKind:   turn.KindNotPermitted,
		ErrorDetail: fmt.Sprintf("tool %s is not owned by specialist %s", tool, a.desc.Name),
	})
	obs.invocationID = id
	return obs
}

func (a *Agent) toolSpecs() []toolgw.Tool {
	specs := make([]toolgw.Tool, 0, len(a.desc.Tools))
	for _, name := range a.desc.Tools {
		spec := toolgw.Tool{Name: name}
		if a.tools != nil {
			if described, ok := a.tools.Describe(name); ok {
				spec = described
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

func (st *run) record(batch []*observed) {
	for _, o := range batch {
		if o.invocationID != "" {
			st.ids = append(st.ids, o.invocationID)
		}
		st.history = append(st.history, o.Observation)
		if o.Succeeded() {
			st.ok++
			st.outputs[o.Tool] = o.Output
		} else {
			st.failed++
		}
	}
}

func (st *run) result(name, answer string) *Result {
	payload, err := json.Marshal(st.outputs)
	if err != nil {
		payload = json.RawMessage(`{}`)
	}
	return &Result{
		Specialist:    name,
		Answer:        answer,
		Payload:       payload,
		InvocationIDs: append([]string(nil), st.ids...),
		Succeeded:     st.ok,
		Failed:        st.failed,
		Rounds:        st.rounds,
	}
}

func (a *Agent) fail(st *run, kind turn.ErrorKind, reason string, cause error) error {
	var partial *Result
	if st.ok > 0 {
		partial = st.result(a.desc.Name, summarize(st.history))
	}
	return &FailedError{
		Specialist: a.desc.Name,
		Kind:       kind,
		Reason:     reason,
		Partial:    partial,
		Err:        cause,
	}
}

// summarize renders successful observations as "tool: output" lines, latest output per tool.
func summarize(history []Observation) string {
	latest := make(map[string]json.RawMessage)
	for _, o := range history {
		if o.Succeeded() {
			latest[o.Tool] = o.Output
		}
	}
	if len(latest) == 0 {
		return ""
	}
	tools := make([]string, 0, len(latest))
	for tool := range latest {
		tools = append(tools, tool)
	}
	sort.Strings(tools)

	var b strings.Builder
	for _, tool := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", tool, compact(latest[tool]))
	}
	return strings.TrimRight(b.String(), "\n")
}

func compact(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}
