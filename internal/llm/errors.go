package llm

import (
	"errors"
	"fmt"
)

var (
	ErrMissingAPIKey = errors.New("missing API key for remote provider")
	ErrMissingModel  = errors.New("missing model for remote provider")
	ErrNoChoices     = errors.New("LLM response had no choices")
	ErrEmptyResponse = errors.New("LLM response was empty")
)

type ErrUnsupportedProvider struct {
	Provider string
}

func (e ErrUnsupportedProvider) Error() string {
	return fmt.Sprintf("unsupported LLM provider %q", e.Provider)
}
