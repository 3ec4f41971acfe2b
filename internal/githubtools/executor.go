package githubtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/llm"
)

const (
	DefaultModel         = "gpt-4o-mini"
	DefaultMaxIterations = 8
	systemPrompt         = "You are a helpful assistant that can help with GitHub operations"
)

var ErrMaxIterations = errors.New("agent stopped after reaching the iteration limit")

// HistoryMessage is one earlier turn of the conversation.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Toolset is the set of tools the model may call. *Service implements it.
type Toolset interface {
	Tools() []Tool
	Invoke(ctx context.Context, name string, args json.RawMessage) (any, error)
}

type ExecutorConfig struct {
	Model         string
	MaxIterations int
}

// Executor answers natural language requests by letting the model call
// GitHub tools until it replies without tool calls.
type Executor struct {
	client        openai.Client
	tools         Toolset
	model         string
	maxIterations int
	logger        *zap.Logger
}

func NewExecutor(client openai.Client, tools Toolset, cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Executor{
		client:        client,
		tools:         tools,
		model:         model,
		maxIterations: maxIterations,
		logger:        logger,
	}
}

func (e *Executor) Execute(ctx context.Context, input string, history []HistoryMessage) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("input is required")
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(e.model),
		Messages: buildMessages(input, history),
		Tools:    toolParams(e.tools.Tools()),
	}

	for iteration := 0; iteration < e.maxIterations; iteration++ {
		completion, err := e.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("LLM request failed: %w", err)
		}
		if len(completion.Choices) == 0 {
			return "", llm.ErrNoChoices
		}
		message := completion.Choices[0].Message
		if len(message.ToolCalls) == 0 {
			return strings.TrimSpace(message.Content), nil
		}

		params.Messages = append(params.Messages, message.ToParam())
		for _, call := range message.ToolCalls {
			output := e.runTool(ctx, call.Function.Name, call.Function.Arguments)
			params.Messages = append(params.Messages, openai.ToolMessage(output, call.ID))
		}
	}
	return "", ErrMaxIterations
}

// runTool returns the tool's JSON output. Failures are reported back to the
// model as {"error": ...} so it can correct its arguments.
func (e *Executor) runTool(ctx context.Context, name string, arguments string) string {
	e.logger.Debug("tool call", zap.String("tool", name), zap.String("arguments", arguments))
	result, err := e.tools.Invoke(ctx, name, json.RawMessage(arguments))
	if err != nil {
		encoded, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(encoded)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		encoded, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	return string(encoded)
}

func buildMessages(input string, history []HistoryMessage) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}
	for _, turn := range history {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(turn.Role)) {
		case "assistant", "ai":
			messages = append(messages, openai.AssistantMessage(content))
		case "system":
			messages = append(messages, openai.SystemMessage(content))
		default:
			messages = append(messages, openai.UserMessage(content))
		}
	}
	return append(messages, openai.UserMessage(input))
}

func toolParams(tools []Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, tool := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(tool.Parameters),
			},
		})
	}
	return out
}
