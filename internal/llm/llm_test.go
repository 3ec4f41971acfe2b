package llm

import (
	"testing"
)

func TestNewProvider_DefaultsToOpenAI(t *testing.T) {
	provider, err := NewProvider(Config{Model: "gpt-4o", APIKey: "test-key"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	openAIProvider, ok := provider.(*OpenAIProvider)
	if !ok {
		t.Fatalf("expected *OpenAIProvider, got %T", provider)
	}
	if openAIProvider.apiKey != "test-key" {
		t.Errorf("expected apiKey to be 'test-key', got %s", openAIProvider.apiKey)
	}
	if openAIProvider.model != "gpt-4o" {
		t.Errorf("expected model to be 'gpt-4o', got %s", openAIProvider.model)
	}
}

func TestNewProvider_OpenRouter(t *testing.T) {
	provider, err := NewProvider(Config{Provider: "OpenRouter", Model: "openai/gpt-4o", APIKey: "router-key"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	openAIProvider, ok := provider.(*OpenAIProvider)
	if !ok {
		t.Fatalf("expected *OpenAIProvider, got %T", provider)
	}
	if openAIProvider.baseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("expected baseURL to be 'https://openrouter.ai/api/v1', got %s", openAIProvider.baseURL)
	}
}

func TestNewProvider_OpenRouter_CustomBaseURL(t *testing.T) {
	provider, err := NewProvider(Config{
		Provider: "openrouter",
		Model:    "openai/gpt-4o",
		APIKey:   "router-key",
		BaseURL:  "https://custom.openrouter.ai/api/v1",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := provider.(*OpenAIProvider).baseURL; got != "https://custom.openrouter.ai/api/v1" {
		t.Errorf("expected baseURL to be custom URL, got %s", got)
	}
}

func TestNewProvider_Unsupported(t *testing.T) {
	provider, err := NewProvider(Config{Provider: "unsupported-provider"})
	if err == nil {
		t.Fatal("expected error for unsupported provider, got nil")
	}
	if provider != nil {
		t.Errorf("expected nil provider, got %T", provider)
	}
	errUnsupported, ok := err.(ErrUnsupportedProvider)
	if !ok {
		t.Fatalf("expected ErrUnsupportedProvider, got %T", err)
	}
	if errUnsupported.Provider != "unsupported-provider" {
		t.Errorf("expected provider name 'unsupported-provider', got %s", errUnsupported.Provider)
	}
}

func TestToOpenAIMessagesKeepsOrder(t *testing.T) {
	converted := ToOpenAIMessages([]Message{
		{Role: RoleSystem, Content: "s"},
		{Role: RoleUser, Content: "u"},
		{Role: RoleAssistant, Content: "a"},
		{Role: RoleUser, Content: "img", Images: []string{"https://x/1.png"}},
	})
	if len(converted) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(converted))
	}
	if converted[0].OfSystem == nil || converted[1].OfUser == nil || converted[2].OfAssistant == nil {
		t.Fatalf("unexpected roles: %+v", converted)
	}
	if parts := converted[3].OfUser.Content.OfArrayOfContentParts; len(parts) != 2 {
		t.Fatalf("expected text and image parts, got %d", len(parts))
	}
}

func TestDefaultIfEmpty(t *testing.T) {
	if got := defaultIfEmpty("existing-value", "fallback"); got != "existing-value" {
		t.Errorf("expected 'existing-value', got %s", got)
	}
	if got := defaultIfEmpty("", "fallback"); got != "fallback" {
		t.Errorf("expected 'fallback', got %s", got)
	}
}
