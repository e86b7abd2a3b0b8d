package llm

import (
	"context"
	"fmt"
)

// Router dispatches a request to the transport matching its provider
type Router struct {
	responses Client
	chat      Client
}

// NewRouter routes openai credentials to responses and custom credentials to chat
func NewRouter(responses, chat Client) *Router {
	return &Router{responses: responses, chat: chat}
}

// NewDefaultRouter wires the two built-in transports
func NewDefaultRouter(cfg Config) *Router {
	httpClient := cfg.HTTPClient()
	return NewRouter(
		NewResponsesClient(cfg.BaseURL, httpClient),
		NewChatCompletionsClient(httpClient),
	)
}

// Stream implements Client
func (r *Router) Stream(ctx context.Context, req Request) (<-chan StreamResponse, error) {
	if req.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	switch req.Provider {
	case ProviderOpenAI, "":
		return r.responses.Stream(ctx, req)
	case ProviderCustom:
		if req.BaseURL == "" {
			return nil, fmt.Errorf("custom provider requires a base URL")
		}
		return r.chat.Stream(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", req.Provider)
	}
}
