// Package openai streams chat completions from OpenAI or any backend exposing
// a compatible API (Groq, local gateways).
package openai

import (
	"context"
	"net/http"
	"os"

	"github.com/koscakluka/ema-pipeline/core/llms"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const DefaultModel = "gpt-4o"

type Client struct {
	client oai.Client
	model  string
}

type clientOptions struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

type ClientOption func(*clientOptions)

// WithAPIKey overrides the key read from OPENAI_API_KEY.
func WithAPIKey(apiKey string) ClientOption {
	return func(o *clientOptions) { o.apiKey = apiKey }
}

// WithBaseURL points the client to another OpenAI compatible endpoint, e.g.
// https://api.groq.com/openai/v1.
func WithBaseURL(baseURL string) ClientOption {
	return func(o *clientOptions) { o.baseURL = baseURL }
}

func WithModel(model string) ClientOption {
	return func(o *clientOptions) { o.model = model }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = client }
}

func NewClient(opts ...ClientOption) *Client {
	options := clientOptions{
		apiKey:     os.Getenv("OPENAI_API_KEY"),
		model:      DefaultModel,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(&options)
	}

	requestOptions := []option.RequestOption{option.WithHTTPClient(options.httpClient)}
	if options.apiKey != "" {
		requestOptions = append(requestOptions, option.WithAPIKey(options.apiKey))
	}
	if options.baseURL != "" {
		requestOptions = append(requestOptions, option.WithBaseURL(options.baseURL))
	}

	return &Client{
		client: oai.NewClient(requestOptions...),
		model:  options.model,
	}
}

func (c *Client) Model() string { return c.model }

func (c *Client) PromptWithStream(_ context.Context, messages []llms.Message, tools []llms.ToolDefinition) llms.Stream {
	return &Stream{
		client:   &c.client,
		model:    c.model,
		messages: toOpenAIMessages(messages),
		tools:    toOpenAITools(tools),
	}
}
