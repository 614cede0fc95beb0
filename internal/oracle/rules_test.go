// ABOUTME: Tests for the rule-based oracle: keyword routing, staged plans and refinement.
// ABOUTME: Plans are driven with synthetic observation histories.

package oracle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-supervisor/internal/specialist"
	"github.com/2389/coven-supervisor/internal/supervisor"
	"github.com/2389/coven-supervisor/internal/turn"
)

func catalog() []specialist.Descriptor {
	return []specialist.Descriptor{
		{Name: "literature", Keywords: []string{"paper", "PubMed"}, Default: true},
		{Name: "structure", Keywords: []string{"protein", "fold"}},
		{Name: "trials", Keywords: []string{"trial"}, Default: true},
	}
}

func TestRules_Route(t *testing.T) {
	r := NewRules(nil)

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"single keyword", "How does this protein bind?", []string{"structure"}},
		{"case insensitive", "search pubmed for it", []string{"literature"}},
		{"several matches keep catalog order", "papers on the trial drug's fold", []string{"literature", "structure", "trials"}},
		{"no match falls back to defaults", "hello there", []string{"literature", "trials"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Route(context.Background(), supervisor.RouteRequest{Input: tt.input, Specialists: catalog()})
			require.NoError(t, err)

			names := make([]string, 0, len(got))
			for _, a := range got {
				names = append(names, a.Specialist)
				assert.Equal(t, tt.input, a.SubTask)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func observe(round int, tool, input, output string) specialist.Observation {
	return specialist.Observation{Round: round, Tool: tool, Input: json.RawMessage(input), Output: json.RawMessage(output)}
}

func observeFailure(round int, tool, input string) specialist.Observation {
	return specialist.Observation{Round: round, Tool: tool, Input: json.RawMessage(input), ErrorKind: turn.KindTransientNetwork}
}

func TestRules_NextStep_DefaultPlan(t *testing.T) {
	r := NewRules(nil)
	d := specialist.Descriptor{Name: "literature", Tools: []string{"search_pubmed", "search_arxiv"}}

	dec, err := r.NextStep(context.Background(), specialist.PlanRequest{Specialist: d, SubTask: `HER2 "inhibitors"`})
	require.NoError(t, err)
	require.Len(t, dec.Calls, 2)
	assert.Equal(t, "search_pubmed", dec.Calls[0].Tool)
	assert.JSONEq(t, `{"query":"HER2 \"inhibitors\""}`, string(dec.Calls[0].Input))
	assert.Equal(t, "search_arxiv", dec.Calls[1].Tool)

	t.Run("done once every tool was called", func(t *testing.T) {
		dec, err := r.NextStep(context.Background(), specialist.PlanRequest{
			Specialist: d,
			SubTask:    "x",
			History: []specialist.Observation{
				observe(0, "search_pubmed", `{"query":"x"}`, `{}`),
				observeFailure(0, "search_arxiv", `{"query":"x"}`),
			},
		})
		require.NoError(t, err)
		assert.True(t, dec.Done)
		assert.Empty(t, dec.Calls)
	})
}

func TestRules_NextStep_Stages(t *testing.T) {
	r := NewRules(nil)
	d := specialist.Descriptor{
		Name:  "literature",
		Tools: []string{"search_pubmed", "fetch_abstract", "rank_results"},
		Plan: []specialist.PlanStep{
			{Stage: 2, Tool: "rank_results", Input: `{"n":3}`},
			{Stage: 1, Tool: "search_pubmed", Input: `{"query":"{{task}}"}`, Require: "ids.0", RefineInput: `{"query":"{{task}}","broad":true}`},
			{Stage: 1, Tool: "fetch_abstract", Input: `{"topic":"{{task}}"}`},
		},
	}
	req := specialist.PlanRequest{Specialist: d, SubTask: "kinase"}
	next := func(history ...specialist.Observation) specialist.Decision {
		t.Helper()
		req.History = history
		dec, err := r.NextStep(context.Background(), req)
		require.NoError(t, err)
		return dec
	}

	t.Run("first stage issues in parallel", func(t *testing.T) {
		dec := next()
		require.Len(t, dec.Calls, 2)
		assert.Equal(t, "search_pubmed", dec.Calls[0].Tool)
		assert.Equal(t, "fetch_abstract", dec.Calls[1].Tool)
	})

	t.Run("insufficient output is refined once", func(t *testing.T) {
		history := []specialist.Observation{
			observe(0, "search_pubmed", `{"query":"kinase"}`, `{"ids":[]}`),
			observe(0, "fetch_abstract", `{"topic":"kinase"}`, `{"text":"..."}`),
		}
		dec := next(history...)
		require.Len(t, dec.Calls, 1)
		assert.Equal(t, "search_pubmed", dec.Calls[0].Tool)
		assert.JSONEq(t, `{"query":"kinase","broad":true}`, string(dec.Calls[0].Input))

		// Refined and still empty: the plan moves on.
		history = append(history, observe(1, "search_pubmed", `{"broad":true,"query":"kinase"}`, `{"ids":[]}`))
		dec = next(history...)
		require.Len(t, dec.Calls, 1)
		assert.Equal(t, "rank_results", dec.Calls[0].Tool)
	})

	t.Run("sufficient output advances the stage", func(t *testing.T) {
		dec := next(
			observe(0, "search_pubmed", `{"query":"kinase"}`, `{"ids":[7]}`),
			observe(0, "fetch_abstract", `{"topic":"kinase"}`, `{}`),
		)
		require.Len(t, dec.Calls, 1)
		assert.Equal(t, "rank_results", dec.Calls[0].Tool)
		assert.JSONEq(t, `{"n":3}`, string(dec.Calls[0].Input))
	})

	t.Run("done after the last stage", func(t *testing.T) {
		dec := next(
			observe(0, "search_pubmed", `{"query":"kinase"}`, `{"ids":[7]}`),
			observe(0, "fetch_abstract", `{"topic":"kinase"}`, `{}`),
			observe(1, "rank_results", `{"n":3}`, `{}`),
		)
		assert.True(t, dec.Done)
	})
}

func TestRules_NextStep_Upstream(t *testing.T) {
	r := NewRules(nil)
	d := specialist.Descriptor{
		Name:  "trials",
		Tools: []string{"find_trials"},
		Plan: []specialist.PlanStep{
			{Tool: "find_trials", Input: `{"drug":{{upstream:chemistry.payload.drug}},"missing":{{upstream:nobody.answer}}}`},
		},
	}
	dec, err := r.NextStep(context.Background(), specialist.PlanRequest{
		Specialist: d,
		Session: specialist.SessionContext{Upstream: []*specialist.Result{{
			Specialist: "chemistry",
			Answer:     "lapatinib",
			Payload:    json.RawMessage(`{"drug":"lapatinib"}`),
		}}},
	})
	require.NoError(t, err)
	require.Len(t, dec.Calls, 1)
	assert.JSONEq(t, `{"drug":"lapatinib","missing":null}`, string(dec.Calls[0].Input))
}

func TestRules_NextStep_InvalidTemplate(t *testing.T) {
	r := NewRules(nil)
	d := specialist.Descriptor{
		Name:  "broken",
		Tools: []string{"t"},
		Plan:  []specialist.PlanStep{{Tool: "t", Input: `{"query": {{task}}}`}},
	}
	_, err := r.NextStep(context.Background(), specialist.PlanRequest{Specialist: d, SubTask: "x"})
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	got, err := render("", "x", nil)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(got))

	got, err = render(`{ "b": 1, "a": "{{task}}" }`, "line\nbreak", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"line\nbreak","b":1}`, string(got))
}
