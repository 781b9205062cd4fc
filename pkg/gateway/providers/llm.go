// Package providers holds the Resource Gateway's concrete external-service
// adapters: one per resourceFamily/provider pair named in the rate card.
// Each adapter is a thin wrapper over the real SDK client, grounded on
// StricklySoft-stricklysoft-core's pkg/clients/{qdrant,redis} shape (a
// small interface satisfied by the real client, OTel span per call,
// errors classified into this runtime's own Category/Code).
package providers

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

// CompletionRequest is the normalized request shape every LLM provider
// accepts, built from the Resource Gateway's requestSpec.
type CompletionRequest struct {
	Model      string
	Prompt     string
	MaxTokens  int
	ByokAPIKey string // "" = use the managed key
}

// CompletionResponse is the normalized response, carrying the provider's
// own reported usage for the Gateway's step-6 actual-cost computation.
type CompletionResponse struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// LLMProvider is satisfied by anthropicLLM and bedrockLLM.
type LLMProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

var tracer = otel.Tracer("github.com/codeready-toolchain/tarsy-runtime/pkg/gateway/providers")

// anthropicLLM calls the Anthropic Messages API directly: both the BYOK
// and managed paths go through the vendor SDK rather than an intermediate
// RPC hop (see DESIGN.md's dropped-dependency entry for
// google.golang.org/grpc).
type anthropicLLM struct {
	managedAPIKey string
}

// NewAnthropicProvider builds an LLMProvider backed by
// github.com/anthropics/anthropic-sdk-go. managedAPIKey is used whenever
// req.ByokAPIKey is empty.
func NewAnthropicProvider(managedAPIKey string) LLMProvider {
	return &anthropicLLM{managedAPIKey: managedAPIKey}
}

func (p *anthropicLLM) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, span := tracer.Start(ctx, "anthropic.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("gen_ai.system", "anthropic"), attribute.String("gen_ai.request.model", req.Model))

	key := req.ByokAPIKey
	if key == "" {
		key = p.managedAPIKey
	}
	client := anthropic.NewClient(option.WithAPIKey(key))

	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, rterrors.Wrap(rterrors.CategoryUpstream, rterrors.CodeProviderError, err, "anthropic completion failed")
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &CompletionResponse{
		Text:         text,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

// bedrockLLM calls Amazon Bedrock's InvokeModel. Used for the managed-key
// path when a hiring's provider choice is "bedrock" rather than
// "anthropic"; BYOK is not meaningful for Bedrock (credentials are IAM,
// not a per-call API key), so ByokAPIKey is ignored here.
type bedrockLLM struct {
	client *bedrockruntime.Client
}

// NewBedrockProvider loads the default AWS config (region, credentials
// from the ambient environment) and builds an LLMProvider over it.
func NewBedrockProvider(ctx context.Context, region string) (LLMProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryInfrastructure, rterrors.CodeStoreUnavailable, err, "load AWS config for bedrock")
	}
	return &bedrockLLM{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

// bedrockRequestBody and bedrockResponseBody mirror the minimal Anthropic-
// on-Bedrock wire shape used by InvokeModel's JSON body.
type bedrockRequestBody struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponseBody struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (p *bedrockLLM) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, span := tracer.Start(ctx, "bedrock.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("gen_ai.system", "bedrock"), attribute.String("gen_ai.request.model", req.Model))

	body := bedrockRequestBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        req.MaxTokens,
		Messages:         []bedrockMessage{{Role: "user", Content: req.Prompt}},
	}
	payload, err := marshalBedrockBody(body)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, err, "encode bedrock request")
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        payload,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, rterrors.Wrap(rterrors.CategoryUpstream, rterrors.CodeProviderError, err, "bedrock completion failed")
	}

	var resp bedrockResponseBody
	if err := unmarshalBedrockBody(out.Body, &resp); err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryAgentRuntime, rterrors.CodeAgentError, err, "decode bedrock response")
	}

	var text string
	for _, c := range resp.Content {
		text += c.Text
	}
	return &CompletionResponse{Text: text, InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}, nil
}

func marshalBedrockBody(body bedrockRequestBody) ([]byte, error) {
	return json.Marshal(body)
}

func unmarshalBedrockBody(raw []byte, out *bedrockResponseBody) error {
	return json.Unmarshal(raw, out)
}
