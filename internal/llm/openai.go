package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  openai.Client
}

// NewClient builds an openai-go client with retries disabled; callers own
// their retry policy.
func NewClient(cfg OpenAIConfig) openai.Client {
	baseURL := strings.TrimRight(defaultIfEmpty(cfg.BaseURL, DefaultOpenAIBaseURL), "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	)
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(defaultIfEmpty(cfg.BaseURL, DefaultOpenAIBaseURL), "/"),
		client:  NewClient(cfg),
	}
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	if p.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	if p.model == "" {
		return "", ErrMissingModel
	}
	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: ToOpenAIMessages(messages),
	})
	if err != nil {
		return "", fmt.Errorf("LLM request failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrNoChoices
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

// ToOpenAIMessages converts chat turns, attaching images to user turns as
// image content parts.
func ToOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			if len(msg.Images) == 0 {
				out = append(out, openai.UserMessage(msg.Content))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(msg.Content)}
			for _, image := range msg.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: image,
				}))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}
