package db

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType identifies the kind of a structured content part
type PartType string

const (
	PartInputText  PartType = "input_text"
	PartOutputText PartType = "output_text"
	PartInputImage PartType = "input_image"
)

// MessageStatus is a presentation hint for an assistant message that has no content yet
type MessageStatus string

const (
	StatusNone       MessageStatus = ""
	StatusThinking   MessageStatus = "thinking"
	StatusSearching  MessageStatus = "searching"
	StatusProcessing MessageStatus = "processing"
)

// Provider identifies which API family a credential belongs to
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderCustom Provider = "custom"
)

// ContentPart is one typed fragment of a structured message body
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"` // data URL for input_image
}

// Content is either a plain string or an ordered list of typed parts.
// It marshals to a JSON string or a JSON array accordingly.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent builds plain string content
func TextContent(text string) Content {
	return Content{Text: text}
}

// PartsContent builds structured content
func PartsContent(parts ...ContentPart) Content {
	return Content{Parts: parts}
}

// IsParts reports whether the content is structured
func (c Content) IsParts() bool {
	return c.Parts != nil
}

// IsEmpty reports whether there is neither text nor any part
func (c Content) IsEmpty() bool {
	return c.Text == "" && len(c.Parts) == 0
}

// PlainText returns the text of the content, joining text parts with newlines
func (c Content) PlainText() string {
	if !c.IsParts() {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == PartInputText || p.Type == PartOutputText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Images returns the input_image parts in order
func (c Content) Images() []ContentPart {
	var images []ContentPart
	for _, p := range c.Parts {
		if p.Type == PartInputImage {
			images = append(images, p)
		}
	}
	return images
}

// Clone returns a copy that shares no slice with c
func (c Content) Clone() Content {
	if c.Parts == nil {
		return Content{Text: c.Text}
	}
	parts := make([]ContentPart, len(c.Parts))
	copy(parts, c.Parts)
	return Content{Parts: parts}
}

// MarshalJSON implements json.Marshaler
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsParts() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON implements json.Unmarshaler
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}
	switch data[0] {
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("failed to decode text content: %w", err)
		}
		*c = Content{Text: text}
	case '[':
		parts := []ContentPart{}
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("failed to decode content parts: %w", err)
		}
		*c = Content{Parts: parts}
	default:
		return fmt.Errorf("unsupported content encoding: %s", string(data[:1]))
	}
	return nil
}

// Message represents a single message in a conversation
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   Content       `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Status    MessageStatus `json:"status,omitempty"` // only set while an assistant reply is in flight
}

// MessageDraft is a message before it has been assigned an id and timestamp
type MessageDraft struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Clone returns a deep copy of the message
func (m Message) Clone() Message {
	m.Content = m.Content.Clone()
	return m
}

// WebSearchLocation is an approximate user location hint for web search
type WebSearchLocation struct {
	Type     string `json:"type"` // "approximate"
	Country  string `json:"country"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Timezone string `json:"timezone"`
}

// WebSearchSettings configures the web-search tool
type WebSearchSettings struct {
	ContextSize string            `json:"contextSize"` // "low", "medium" or "high"
	Location    WebSearchLocation `json:"location"`
}

// DefaultWebSearchSettings returns the web-search defaults used before the user configures anything
func DefaultWebSearchSettings() WebSearchSettings {
	return WebSearchSettings{
		ContextSize: "medium",
		Location:    WebSearchLocation{Type: "approximate"},
	}
}

// ModelSettings are per-conversation generation parameters
type ModelSettings struct {
	Temperature       float64            `json:"temperature"`
	MaxTokens         int                `json:"maxTokens"`
	WebSearchSettings *WebSearchSettings `json:"webSearchSettings,omitempty"`
}

// Conversation represents a chat conversation together with its messages
type Conversation struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Messages         []Message     `json:"messages"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	ModelID          string        `json:"modelId"`
	ModelSettings    ModelSettings `json:"modelSettings"`
	WebSearchEnabled bool          `json:"webSearchEnabled"`
	SystemMessage    string        `json:"systemMessage,omitempty"`
	LastResponseID   string        `json:"lastResponseId,omitempty"`
}

// Clone returns a deep copy of the conversation
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	if c.ModelSettings.WebSearchSettings != nil {
		ws := *c.ModelSettings.WebSearchSettings
		out.ModelSettings.WebSearchSettings = &ws
	}
	return &out
}

// MessageIndex returns the index of the message with the given id, or -1
func (c *Conversation) MessageIndex(id string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// APIKey is a stored provider credential
type APIKey struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	Provider  Provider  `json:"provider"`
	BaseURL   string    `json:"baseUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AppConfig is the singleton application record
type AppConfig struct {
	ActiveConversationID string `json:"activeConversationId"` // empty when no conversation is active
	DefaultModelID       string `json:"defaultModelId"`
	CurrentAPIKeyID      string `json:"currentApiKeyId,omitempty"`
}

// DefaultModelID is used when no model preference has been stored
const DefaultModelID = "gpt-4o"

// DefaultConfig returns the record created on first run
func DefaultConfig() *AppConfig {
	return &AppConfig{
		ActiveConversationID: "",
		DefaultModelID:       DefaultModelID,
	}
}
