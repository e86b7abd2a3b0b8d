package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"streamwise/db"
)

// ExportFormat represents the export format
type ExportFormat string

const (
	FormatJSON     ExportFormat = "json"
	FormatMarkdown ExportFormat = "markdown"
)

// ParseExportFormat accepts "json", "markdown" or "md"
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown export format: %s", s)
	}
}

const exportVersion = "1.0"

// ConversationExport is the JSON export envelope. A file holds either one
// conversation or, for a full export, a list of them.
type ConversationExport struct {
	Version       string             `json:"exportVersion"`
	ExportedAt    time.Time          `json:"exportedAt"`
	App           string             `json:"app"`
	Conversation  *db.Conversation   `json:"conversation,omitempty"`
	Conversations []*db.Conversation `json:"conversations,omitempty"`
}

// ExportConversation writes conv to w in the given format
func ExportConversation(w io.Writer, conv *db.Conversation, format ExportFormat) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, ConversationExport{
			Version:      exportVersion,
			ExportedAt:   time.Now().UTC(),
			App:          "streamwise",
			Conversation: conv,
		})
	case FormatMarkdown:
		_, err := io.WriteString(w, ConversationMarkdown(conv))
		if err != nil {
			return fmt.Errorf("failed to write markdown: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown export format: %s", format)
	}
}

// ExportAllConversations writes every conversation to w as one JSON document
func ExportAllConversations(w io.Writer, conversations []*db.Conversation) error {
	return writeJSON(w, ConversationExport{
		Version:       exportVersion,
		ExportedAt:    time.Now().UTC(),
		App:           "streamwise",
		Conversations: conversations,
	})
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return nil
}

// ConversationMarkdown renders conv as a Markdown document
func ConversationMarkdown(conv *db.Conversation) string {
	var sb strings.Builder

	// Header
	sb.WriteString(fmt.Sprintf("# %s\n\n", conv.Title))
	sb.WriteString(fmt.Sprintf("**Model**: %s\n", conv.ModelID))
	sb.WriteString(fmt.Sprintf("**Created**: %s\n", conv.CreatedAt.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("**Updated**: %s\n\n", conv.UpdatedAt.Format("2006-01-02 15:04:05")))
	if conv.SystemMessage != "" {
		sb.WriteString(fmt.Sprintf("> %s\n\n", strings.ReplaceAll(conv.SystemMessage, "\n", "\n> ")))
	}
	sb.WriteString("---\n\n")

	for i, msg := range conv.Messages {
		roleName := "User"
		switch msg.Role {
		case db.RoleAssistant:
			roleName = "Assistant"
		case db.RoleSystem:
			roleName = "System"
		}
		sb.WriteString(fmt.Sprintf("## %s\n\n", roleName))

		if msg.Content.IsParts() {
			for _, p := range msg.Content.Parts {
				switch p.Type {
				case db.PartInputImage:
					sb.WriteString("*[image]*\n\n")
				default:
					sb.WriteString(p.Text)
					sb.WriteString("\n\n")
				}
			}
		} else {
			sb.WriteString(msg.Content.Text)
			sb.WriteString("\n\n")
		}

		// Separator (except for last message)
		if i < len(conv.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	return sb.String()
}

// DecodeExport reads a JSON export and returns the conversations it holds
func DecodeExport(r io.Reader) ([]*db.Conversation, error) {
	var export ConversationExport
	if err := json.NewDecoder(r).Decode(&export); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	var conversations []*db.Conversation
	if export.Conversation != nil {
		conversations = append(conversations, export.Conversation)
	}
	conversations = append(conversations, export.Conversations...)

	if len(conversations) == 0 {
		return nil, fmt.Errorf("invalid export: no conversations")
	}
	for _, conv := range conversations {
		if conv.Messages == nil {
			conv.Messages = []db.Message{}
		}
	}
	return conversations, nil
}

// WriteFile creates path and fills it with write
func WriteFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// GenerateExportFilename generates a filename for export
func GenerateExportFilename(title string, format ExportFormat) string {
	// Sanitize title for filename
	sanitized := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|' || r == '\n' {
			return '_'
		}
		return r
	}, title)

	// Truncate if too long
	if runes := []rune(sanitized); len(runes) > 50 {
		sanitized = string(runes[:50])
	}

	// Add timestamp and extension
	timestamp := time.Now().Format("20060102_150405")
	ext := string(format)
	if format == FormatMarkdown {
		ext = "md"
	}

	return fmt.Sprintf("%s_%s.%s", sanitized, timestamp, ext)
}
