package llm

import (
	"context"
	"errors"
	"fmt"
)

// Providers a credential can belong to
const (
	ProviderOpenAI = "openai"
	ProviderCustom = "custom" // any OpenAI-compatible Chat Completions endpoint
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNoAPIKey is returned when a request carries no credential
var ErrNoAPIKey = errors.New("no API key configured")

// ErrUnknownModel is returned for a model id missing from the registry
var ErrUnknownModel = errors.New("unknown model")

// APIError is a non-2xx response from the provider
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// PartType identifies the kind of a message part
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one fragment of a message: text or an inline image given as a data URL
type Part struct {
	Type     PartType
	Text     string
	ImageURL string
}

// Message represents a chat message in provider-neutral form
type Message struct {
	Role  string // "user" or "assistant" or "system"
	Parts []Part
}

// TextMessage builds a message with a single text part
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: PartText, Text: text}}}
}

// Text returns the concatenated text parts of the message
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Type == PartText {
			if s != "" {
				s += "\n"
			}
			s += p.Text
		}
	}
	return s
}

// UserLocation is an approximate location hint for the web-search tool
type UserLocation struct {
	Type     string `json:"type"`
	Country  string `json:"country,omitempty"`
	City     string `json:"city,omitempty"`
	Region   string `json:"region,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// Tool is a tool descriptor attached to a request
type Tool struct {
	Type              string        `json:"type"`
	SearchContextSize string        `json:"search_context_size,omitempty"`
	UserLocation      *UserLocation `json:"user_location,omitempty"`
}

// NewWebSearchTool builds the web-search tool descriptor. Empty location
// fields are left out, and the location is dropped entirely when nothing is set.
func NewWebSearchTool(contextSize string, loc UserLocation) Tool {
	tool := Tool{Type: "web_search_preview", SearchContextSize: contextSize}
	if loc.Country != "" || loc.City != "" || loc.Region != "" || loc.Timezone != "" {
		if loc.Type == "" {
			loc.Type = "approximate"
		}
		tool.UserLocation = &loc
	}
	return tool
}

// Request is everything needed to make one streaming call
type Request struct {
	APIKey   string
	Provider string
	BaseURL  string // optional endpoint override

	Model       string
	Temperature float64
	MaxTokens   int

	Messages           []Message
	Tools              []Tool
	SystemPrompt       string
	PreviousResponseID string // continuation token from an earlier response
}

// EventType distinguishes the two kinds of stream events
type EventType int

const (
	// EventDelta carries an incremental text fragment
	EventDelta EventType = iota
	// EventFinal carries the complete text and is always the last event
	EventFinal
)

func (t EventType) String() string {
	switch t {
	case EventDelta:
		return "delta"
	case EventFinal:
		return "final"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one normalized stream event
type Event struct {
	Type       EventType
	Text       string
	ResponseID string // set on the final event when the provider issued one
}

// StreamResponse represents one item on a stream channel: an event or an error.
// A stream ends with exactly one final event or one error, then the channel closes.
type StreamResponse struct {
	Event Event
	Error error
}

// Client starts streaming calls against a model provider
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan StreamResponse, error)
}

// send delivers r unless ctx is done first
func send(ctx context.Context, out chan<- StreamResponse, r StreamResponse) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
