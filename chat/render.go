package chat

import (
	"bytes"
	"image"

	// Registered for image.DecodeConfig
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"streamwise/db"
	"streamwise/utils"
)

// DisplayPart is one renderable fragment of a message
type DisplayPart struct {
	Type db.PartType `json:"type"`
	Text string      `json:"text,omitempty"`

	// Set for images that decoded
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"-"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`

	// Unavailable marks an image part whose payload could not be decoded
	Unavailable bool `json:"unavailable,omitempty"`
}

// Rendered is a message prepared for display
type Rendered struct {
	Message db.Message       `json:"message"`
	Parts   []DisplayPart    `json:"parts"`
	Status  db.MessageStatus `json:"status,omitempty"` // only while the reply has no content yet
}

// RenderMessage materializes msg for display. A broken image affects only its own part.
func RenderMessage(msg db.Message) Rendered {
	out := Rendered{Message: msg}
	if msg.Content.IsEmpty() {
		out.Status = msg.Status
		return out
	}

	if !msg.Content.IsParts() {
		typ := db.PartInputText
		if msg.Role == db.RoleAssistant {
			typ = db.PartOutputText
		}
		out.Parts = []DisplayPart{{Type: typ, Text: msg.Content.Text}}
		return out
	}

	for _, p := range msg.Content.Parts {
		if p.Type != db.PartInputImage {
			out.Parts = append(out.Parts, DisplayPart{Type: p.Type, Text: p.Text})
			continue
		}
		out.Parts = append(out.Parts, renderImage(p.ImageURL))
	}
	return out
}

func renderImage(url string) DisplayPart {
	part := DisplayPart{Type: db.PartInputImage}

	mimeType, data, err := utils.ParseDataURL(url)
	if err != nil || len(data) == 0 {
		part.Unavailable = true
		return part
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		part.Unavailable = true
		return part
	}

	part.MimeType = mimeType
	part.Data = data
	part.Width = cfg.Width
	part.Height = cfg.Height
	return part
}

// StatusLabel is the text shown for an assistant message that has no content yet
func StatusLabel(status db.MessageStatus) string {
	switch status {
	case db.StatusThinking:
		return "Thinking..."
	case db.StatusSearching:
		return "Searching the web..."
	case db.StatusProcessing:
		return "Processing..."
	default:
		return ""
	}
}
