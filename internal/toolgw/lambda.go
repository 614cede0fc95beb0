// ABOUTME: AWS Lambda transport addressing gateway targets with the AgentCore client-context convention.
// ABOUTME: Tool name travels in custom.bedrockAgentCoreToolName as "target___tool".

package toolgw

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// lambdaToolNameKey is the client-context field carrying the remote tool name.
const lambdaToolNameKey = "bedrockAgentCoreToolName"

// LambdaInvoker is the subset of the Lambda API the transport needs.
type LambdaInvoker interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaConfig configures a LambdaTransport.
type LambdaConfig struct {
	Function string
	// Target prefixes the tool name ("target___tool"). Empty sends the bare name.
	Target string
	Region string
	Client LambdaInvoker
}

// LambdaTransport invokes a Lambda function that serves one or more tools.
type LambdaTransport struct {
	client   LambdaInvoker
	function string
	target   string
}

// NewLambdaTransport creates a transport. When cfg.Client is nil, AWS credentials
// and region are loaded from the default chain.
func NewLambdaTransport(ctx context.Context, cfg LambdaConfig) (*LambdaTransport, error) {
	if cfg.Function == "" {
		return nil, errors.New("lambda function is required")
	}
	client := cfg.Client
	if client == nil {
		var opts []func(*config.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		client = lambda.NewFromConfig(awsCfg)
	}
	return &LambdaTransport{client: client, function: cfg.Function, target: cfg.Target}, nil
}

// Call invokes the function synchronously. The bearer token is unused; calls are IAM-signed.
func (t *LambdaTransport) Call(ctx context.Context, req Request) (*Response, error) {
	toolName := req.Tool
	if t.target != "" && LogicalName(toolName) == toolName {
		toolName = t.target + TargetSeparator + toolName
	}
	clientContext, err := encodeClientContext(toolName)
	if err != nil {
		return nil, permanent("encoding client context: %v", err)
	}

	payload := req.Arguments
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	out, err := t.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(t.function),
		InvocationType: types.InvocationTypeRequestResponse,
		ClientContext:  aws.String(clientContext),
		Payload:        payload,
	})
	if err != nil {
		return nil, classifyLambda(ctx, req.Tool, err)
	}

	if out.FunctionError != nil {
		detail := functionErrorDetail(out.Payload)
		if aws.ToString(out.FunctionError) == "Unhandled" {
			return nil, transient("%s: unhandled function error: %s", req.Tool, detail)
		}
		return nil, permanent("%s: function error: %s", req.Tool, detail)
	}

	output := json.RawMessage(out.Payload)
	if !json.Valid(output) {
		output, _ = json.Marshal(map[string]string{"text": string(out.Payload)})
	}
	return &Response{Output: output}, nil
}

func encodeClientContext(toolName string) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"custom": map[string]string{lambdaToolNameKey: toolName},
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// functionErrorDetail extracts errorType and errorMessage from a Lambda error payload.
func functionErrorDetail(payload []byte) string {
	var body struct {
		ErrorType    string `json:"errorType"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.ErrorType == "" {
		return "unknown"
	}
	if body.ErrorMessage == "" {
		return body.ErrorType
	}
	return truncate(body.ErrorType+": "+body.ErrorMessage, 200)
}

// classifyLambda maps Lambda API errors onto the tool error taxonomy. Lambda
// calls are authorized by IAM request signing, not by the bearer token, so a
// 401/403 is permanent: refreshing the M2M token cannot change the outcome.
func classifyLambda(ctx context.Context, tool string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var throttled *types.TooManyRequestsException
	if errors.As(err, &throttled) {
		return transient("%s: lambda throttled", tool)
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return permanent("%s: lambda function not found", tool)
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		switch {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return permanent("%s: lambda access denied (%d)", tool, code)
		case code == http.StatusTooManyRequests || code >= 500:
			return transient("%s: lambda returned %d", tool, code)
		default:
			return permanent("%s: lambda returned %d", tool, code)
		}
	}
	return transient("%s: %v", tool, err)
}
