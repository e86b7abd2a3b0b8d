package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultBaseURL is the OpenAI API root
const DefaultBaseURL = "https://api.openai.com/v1"

// maxFrameSize bounds one SSE line; completed-response frames repeat the whole output
const maxFrameSize = 4 * 1024 * 1024

// ResponsesClient streams from the OpenAI Responses API over server-sent events
type ResponsesClient struct {
	baseURL string
	client  *http.Client
}

// NewResponsesClient creates a client. An empty baseURL uses DefaultBaseURL and
// a nil httpClient uses http.DefaultClient.
func NewResponsesClient(baseURL string, httpClient *http.Client) *ResponsesClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ResponsesClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

type inputContent struct {
	Type     string `json:"type"` // "input_text", "output_text" or "input_image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type inputMessage struct {
	Role    string         `json:"role"`
	Content []inputContent `json:"content"`
}

// responsesRequest is the body of POST /responses
type responsesRequest struct {
	Model              string         `json:"model"`
	Input              []inputMessage `json:"input"`
	Stream             bool           `json:"stream"`
	Temperature        *float64       `json:"temperature,omitempty"`
	MaxOutputTokens    int            `json:"max_output_tokens,omitempty"`
	Instructions       string         `json:"instructions,omitempty"`
	Tools              []Tool         `json:"tools,omitempty"`
	PreviousResponseID string         `json:"previous_response_id,omitempty"`
}

// buildInput converts history to structured input. System messages travel as
// instructions instead. With a continuation token only the newest user turn is sent.
func buildInput(messages []Message, previousResponseID string) []inputMessage {
	input := make([]inputMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			continue
		}

		textType := "input_text"
		if msg.Role == RoleAssistant {
			textType = "output_text"
		}

		content := make([]inputContent, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			switch p.Type {
			case PartText:
				content = append(content, inputContent{Type: textType, Text: p.Text})
			case PartImage:
				if msg.Role == RoleUser {
					content = append(content, inputContent{Type: "input_image", ImageURL: p.ImageURL})
				}
			}
		}
		input = append(input, inputMessage{Role: msg.Role, Content: content})
	}

	if previousResponseID == "" {
		return input
	}
	for i := len(input) - 1; i >= 0; i-- {
		if input[i].Role == RoleUser {
			return input[i : i+1]
		}
	}
	return []inputMessage{}
}

func (c *ResponsesClient) buildRequest(req Request) responsesRequest {
	body := responsesRequest{
		Model:              req.Model,
		Input:              buildInput(req.Messages, req.PreviousResponseID),
		Stream:             true,
		MaxOutputTokens:    req.MaxTokens,
		Instructions:       req.SystemPrompt,
		Tools:              req.Tools,
		PreviousResponseID: req.PreviousResponseID,
	}
	if AcceptsTemperature(req.Model) {
		t := req.Temperature
		body.Temperature = &t
	}
	return body
}

// Stream implements Client
func (c *ResponsesClient) Stream(ctx context.Context, req Request) (<-chan StreamResponse, error) {
	if req.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	reqBody, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	baseURL := c.baseURL
	if req.BaseURL != "" {
		baseURL = strings.TrimRight(req.BaseURL, "/")
	}

	responseChan := make(chan StreamResponse)
	go func() {
		defer close(responseChan)

		if err := c.streamRequest(ctx, baseURL, req.APIKey, reqBody, responseChan); err != nil {
			send(ctx, responseChan, StreamResponse{Error: err})
		}
	}()

	return responseChan, nil
}

// streamRequest performs the call and forwards normalized events
func (c *ResponsesClient) streamRequest(ctx context.Context, baseURL, apiKey string, reqBody []byte, out chan<- StreamResponse) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/responses", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return consumeSSE(ctx, resp.Body, out)
}

// consumeSSE reads data lines from r until the stream ends and emits
// deltas followed by exactly one final event
func consumeSSE(ctx context.Context, r io.Reader, out chan<- StreamResponse) error {
	var acc accumulator

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Text()

		// SSE format: "data: {...}"; event:, id: and comment lines carry nothing we need
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		f, err := decodeFrame([]byte(data))
		if errors.Is(err, errMalformedFrame) {
			continue
		}
		if err != nil {
			return err
		}

		acc.apply(f)
		if f.delta != "" {
			if !send(ctx, out, StreamResponse{Event: Event{Type: EventDelta, Text: f.delta}}) {
				return ctx.Err()
			}
		}
		if f.terminal {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("stream read error: %w", err)
	}

	if !send(ctx, out, StreamResponse{Event: acc.finalEvent()}) {
		return ctx.Err()
	}
	return nil
}
