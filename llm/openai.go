package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// ChatCompletionsClient streams from any OpenAI-compatible Chat Completions
// endpoint. It has no continuation support, so the full history is always sent.
type ChatCompletionsClient struct {
	httpClient *http.Client
}

// NewChatCompletionsClient creates a client; a nil httpClient uses http.DefaultClient
func NewChatCompletionsClient(httpClient *http.Client) *ChatCompletionsClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ChatCompletionsClient{httpClient: httpClient}
}

// Stream implements Client
func (c *ChatCompletionsClient) Stream(ctx context.Context, req Request) (<-chan StreamResponse, error) {
	if req.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	clientConfig := openai.DefaultConfig(req.APIKey)
	if req.BaseURL != "" {
		clientConfig.BaseURL = req.BaseURL
	}
	clientConfig.HTTPClient = c.httpClient
	client := openai.NewClientWithConfig(clientConfig)

	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  convertMessages(req.SystemPrompt, req.Messages),
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if AcceptsTemperature(req.Model) {
		chatReq.Temperature = wireTemperature(req.Temperature)
	}

	responseChan := make(chan StreamResponse)

	go func() {
		defer close(responseChan)

		if err := c.streamRequest(ctx, client, chatReq, responseChan); err != nil {
			send(ctx, responseChan, StreamResponse{Error: err})
		}
	}()

	return responseChan, nil
}

func (c *ChatCompletionsClient) streamRequest(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest, out chan<- StreamResponse) error {
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", translateError(err))
	}
	defer stream.Close()

	var acc accumulator
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream error: %w", translateError(err))
		}

		if len(response.Choices) == 0 {
			continue
		}
		f := frame{delta: response.Choices[0].Delta.Content}
		acc.apply(f)
		if f.delta != "" {
			if !send(ctx, out, StreamResponse{Event: Event{Type: EventDelta, Text: f.delta}}) {
				return ctx.Err()
			}
		}
	}

	if !send(ctx, out, StreamResponse{Event: acc.finalEvent()}) {
		return ctx.Err()
	}
	return nil
}

// wireTemperature keeps an explicit 0 on the wire; go-openai drops a zero
// Temperature via omitempty and the endpoint would apply its own default
func wireTemperature(t float64) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

// convertMessages maps history to Chat Completions messages with the system prompt first
func convertMessages(systemPrompt string, messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, msg := range messages {
		out = append(out, convertMessage(msg))
	}
	return out
}

// convertMessage converts our Message type to OpenAI format, handling images
func convertMessage(msg Message) openai.ChatCompletionMessage {
	hasImage := false
	for _, p := range msg.Parts {
		if p.Type == PartImage {
			hasImage = true
			break
		}
	}

	// If no images, return simple text message
	if !hasImage || msg.Role != RoleUser {
		return openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Text(),
		}
	}

	multiContent := make([]openai.ChatMessagePart, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case PartText:
			multiContent = append(multiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: p.Text,
			})
		case PartImage:
			multiContent = append(multiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    p.ImageURL,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}

	return openai.ChatCompletionMessage{
		Role:         msg.Role,
		MultiContent: multiContent,
	}
}

// translateError maps go-openai's HTTP errors onto APIError
func translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &APIError{StatusCode: reqErr.HTTPStatusCode, Body: body}
	}
	return err
}
