package provider

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/deepsearch/config"
	openai_provider "github.com/mohammad-safakhou/deepsearch/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged message in a reasoning request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System and User are shorthand constructors for prompt assembly.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message   { return Message{Role: RoleUser, Content: content} }

// Provider is the reasoning service consumed by every stage.
// Complete returns free text; CompleteStructured constrains the model to JSON
// output and decodes the response into target.
type Provider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	CompleteStructured(ctx context.Context, messages []Message, target interface{}) error
}

// NewProvider creates a new LLM client based on the provided configuration
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch Client(cfg.Type) {
	case OpenAI, "":
		if cfg.APIKey == "" {
			return nil, errors.New("llm api key not set")
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		return openAIAdapter{openai_provider.NewClient(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.MaxTokens, timeout)}, nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}

// openAIAdapter maps the provider-neutral message type onto the OpenAI client.
type openAIAdapter struct {
	c *openai_provider.Client
}

func (a openAIAdapter) Complete(ctx context.Context, messages []Message) (string, error) {
	return a.c.Complete(ctx, toOpenAI(messages))
}

func (a openAIAdapter) CompleteStructured(ctx context.Context, messages []Message, target interface{}) error {
	return a.c.CompleteStructured(ctx, toOpenAI(messages), target)
}

func toOpenAI(messages []Message) []openai_provider.Message {
	out := make([]openai_provider.Message, len(messages))
	for i, m := range messages {
		out[i] = openai_provider.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
