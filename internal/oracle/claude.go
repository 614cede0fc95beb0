// ABOUTME: Claude-backed oracle using the Anthropic Messages API, directly or through AWS Bedrock.
// ABOUTME: Routing is forced through a select_specialists tool; planning maps tool_use blocks to calls.

package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/2389/coven-supervisor/internal/specialist"
	"github.com/2389/coven-supervisor/internal/supervisor"
	"github.com/2389/coven-supervisor/internal/toolgw"
	"github.com/2389/coven-supervisor/internal/turn"
)

// routeToolName is the tool Claude must call to report its routing decision.
const routeToolName = "select_specialists"

// DefaultMaxTokens bounds each oracle reply.
const DefaultMaxTokens = 2048

var (
	_ supervisor.Router  = (*Claude)(nil)
	_ specialist.Planner = (*Claude)(nil)
)

// ErrNoDecision indicates the model reply carried no usable decision.
var ErrNoDecision = errors.New("model returned no decision")

// ClaudeConfig contains configuration for the Claude oracle.
type ClaudeConfig struct {
	// Model is the Claude model to use. Bedrock model IDs are derived from it.
	Model string
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// UseBedrock routes requests through AWS Bedrock with default AWS credentials.
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
	// BaseURL overrides the API endpoint.
	BaseURL    string
	MaxTokens  int64
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Claude is a Router and Planner backed by a Claude model.
type Claude struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	logger    *slog.Logger
}

// NewClaude creates a Claude oracle.
func NewClaude(ctx context.Context, cfg ClaudeConfig) (*Claude, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("anthropic api key is required (set ANTHROPIC_API_KEY or oracle.api_key)")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_5_20250929
	}
	if cfg.UseBedrock {
		model = bedrockModel(model)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Claude{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.With("component", "oracle", "oracle", "claude", "model", string(model)),
	}, nil
}

// bedrockModel maps an Anthropic model name to its cross-region Bedrock inference profile.
func bedrockModel(model anthropic.Model) anthropic.Model {
	name := string(model)
	if strings.Contains(name, "anthropic.") {
		return model
	}
	return anthropic.Model("us.anthropic." + name + "-v1:0")
}

// routeInput is the schema of the select_specialists tool input.
type routeInput struct {
	Assignments []turn.Assignment `json:"assignments"`
}

// Route asks the model which specialists should handle the request.
func (c *Claude) Route(ctx context.Context, req supervisor.RouteRequest) ([]turn.Assignment, error) {
	tool := anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        routeToolName,
			Description: anthropic.String("Select the specialists that should handle the user's request and the sub-task each receives."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"assignments": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"specialist": map[string]any{"type": "string", "enum": specialistNames(req.Specialists)},
								"sub_task":   map[string]any{"type": "string", "description": "Self-contained instruction for the specialist"},
								"depends_on": map[string]any{
									"type":        "array",
									"items":       map[string]any{"type": "string"},
									"description": "Specialists whose results this sub-task needs",
								},
							},
							"required": []string{"specialist", "sub_task"},
						},
					},
				},
				Required: []string{"assignments"},
			},
		},
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: routingPrompt(req)}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Input)),
		},
		Tools: []anthropic.ToolUnionParam{tool},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: routeToolName},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("routing request failed: %w", err)
	}

	for _, block := range resp.Content {
		use, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok || use.Name != routeToolName {
			continue
		}
		var in routeInput
		if err := json.Unmarshal(use.Input, &in); err != nil {
			return nil, fmt.Errorf("decoding routing decision: %w", err)
		}
		c.logger.Debug("routed", "assignments", len(in.Assignments), "input_tokens", resp.Usage.InputTokens)
		return in.Assignments, nil
	}
	return nil, ErrNoDecision
}

// NextStep asks the model for the next batch of tool calls. A reply without
// tool_use blocks is the final answer.
func (c *Claude) NextStep(ctx context.Context, req specialist.PlanRequest) (specialist.Decision, error) {
	tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, toolParam(t))
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: planningPrompt(req)}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(planningMessage(req))),
		},
		Tools: tools,
	})
	if err != nil {
		return specialist.Decision{}, fmt.Errorf("planning request failed: %w", err)
	}

	var (
		dec  specialist.Decision
		text []string
	)
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text = append(text, variant.Text)
		case anthropic.ToolUseBlock:
			dec.Calls = append(dec.Calls, specialist.ToolCall{Tool: variant.Name, Input: variant.Input})
		}
	}
	if len(dec.Calls) == 0 {
		dec.Done = true
		dec.Answer = strings.TrimSpace(strings.Join(text, "\n"))
		if dec.Answer == "" && len(req.History) == 0 {
			return specialist.Decision{}, ErrNoDecision
		}
	}

	c.logger.Debug("planned",
		"specialist", req.Specialist.Name,
		"round", req.Round,
		"calls", len(dec.Calls),
		"done", dec.Done,
	)
	return dec, nil
}

// toolParam converts a registry tool into an Anthropic tool definition.
func toolParam(t toolgw.Tool) anthropic.ToolUnionParam {
	schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
	if len(t.InputSchema) > 0 {
		var parsed struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		if err := json.Unmarshal(t.InputSchema, &parsed); err == nil && parsed.Properties != nil {
			schema.Properties = parsed.Properties
			schema.Required = parsed.Required
		}
	}
	description := t.Description
	if description == "" {
		description = "Tool " + t.Name
	}
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(description),
			InputSchema: schema,
		},
	}
}

func specialistNames(ds []specialist.Descriptor) []string {
	names := make([]string, 0, len(ds))
	for _, d := range ds {
		names = append(names, d.Name)
	}
	return names
}
