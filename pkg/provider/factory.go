package provider

import (
	"fmt"

	"github.com/rs/zerolog"
)

// New builds a client for the named dialect.
func New(dialect string, opts Options, logger zerolog.Logger) (Client, error) {
	switch dialect {
	case "openai":
		return NewOpenAIClient(opts, logger), nil
	case "anthropic":
		return NewAnthropicClient(opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider dialect: %s", dialect)
	}
}
