package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// wireShape enumerates every event envelope the provider is known to emit
type wireShape int

const (
	shapeUnknown           wireShape = iota
	shapeStreamEnd                   // data: [DONE]
	shapeOutputTextDelta             // {"type":"response.output_text.delta","delta":"..."}
	shapeOutputTextDone              // {"type":"response.output_text.done","text":"..."}
	shapeResponseCompleted           // {"type":"response.completed","response":{...}}
	shapeResponseLifecycle           // any other response.* event, may carry response.id
	shapeFailure                     // {"type":"response.failed"} or {"type":"error"} or {"error":{...}}
	shapeChoiceDelta                 // {"choices":[{"delta":{"content":"..."}}]}
	shapeBareDelta                   // {"delta":"..."}
	shapeContent                     // {"content":"..."}
	shapeDoneMarker                  // {"done":true,"text":"..."} carrying the full text
	shapeOutputText                  // {"output_text":"..."} or {"text":"..."}

	shapeCount // keep last
)

var shapeNames = [...]string{
	shapeUnknown:           "unknown",
	shapeStreamEnd:         "stream-end",
	shapeOutputTextDelta:   "output-text-delta",
	shapeOutputTextDone:    "output-text-done",
	shapeResponseCompleted: "response-completed",
	shapeResponseLifecycle: "response-lifecycle",
	shapeFailure:           "failure",
	shapeChoiceDelta:       "choice-delta",
	shapeBareDelta:         "bare-delta",
	shapeContent:           "content",
	shapeDoneMarker:        "done-marker",
	shapeOutputText:        "output-text",
}

// Adding a shape without naming it fails to compile
var _ = [1]struct{}{}[len(shapeNames)-int(shapeCount)]

func (s wireShape) String() string {
	if s >= 0 && s < shapeCount {
		return shapeNames[s]
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

// errMalformedFrame marks a data line that is not valid JSON; such lines are skipped
var errMalformedFrame = errors.New("malformed stream frame")

// frame is the normalized meaning of one wire event
type frame struct {
	delta      string // fragment to append
	final      string // authoritative full text, valid when hasFinal
	hasFinal   bool
	terminal   bool // no further events follow
	responseID string
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Error *wireError `json:"error"`
}

type wireEvent struct {
	Type       string          `json:"type"`
	Delta      json.RawMessage `json:"delta"`
	Text       *string         `json:"text"`
	OutputText *string         `json:"output_text"`
	Content    json.RawMessage `json:"content"`
	Done       bool            `json:"done"`
	Response   *wireResponse   `json:"response"`
	Error      json.RawMessage `json:"error"`
	Message    string          `json:"message"`
	Choices    []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// rawString decodes raw as a JSON string
func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// classify maps a parsed event to its wire shape
func classify(ev *wireEvent) wireShape {
	switch {
	case ev.Type == "response.output_text.delta":
		return shapeOutputTextDelta
	case ev.Type == "response.output_text.done":
		return shapeOutputTextDone
	case ev.Type == "response.completed" || ev.Type == "response.incomplete":
		return shapeResponseCompleted
	case ev.Type == "response.failed" || ev.Type == "error":
		return shapeFailure
	case strings.HasPrefix(ev.Type, "response."):
		return shapeResponseLifecycle
	case len(ev.Error) > 0 && !bytes.Equal(ev.Error, []byte("null")):
		return shapeFailure
	case len(ev.Choices) > 0:
		return shapeChoiceDelta
	case ev.Done:
		return shapeDoneMarker
	}
	if _, ok := rawString(ev.Delta); ok {
		return shapeBareDelta
	}
	if _, ok := rawString(ev.Content); ok {
		return shapeContent
	}
	if ev.OutputText != nil || ev.Text != nil {
		return shapeOutputText
	}
	return shapeUnknown
}

// decodeFrame turns one SSE data payload into a frame
func decodeFrame(data []byte) (frame, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("[DONE]")) {
		return normalize(shapeStreamEnd, nil)
	}

	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return frame{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	return normalize(classify(&ev), &ev)
}

// normalize converts an event of a known shape into a frame. Every shape
// must have a case; the default branch reports a shape nobody handled.
func normalize(shape wireShape, ev *wireEvent) (frame, error) {
	switch shape {
	case shapeUnknown:
		return frame{}, nil

	case shapeStreamEnd:
		return frame{terminal: true}, nil

	case shapeOutputTextDelta, shapeBareDelta:
		delta, _ := rawString(ev.Delta)
		return frame{delta: delta}, nil

	case shapeOutputTextDone:
		if ev.Text == nil {
			return frame{}, nil
		}
		return frame{final: *ev.Text, hasFinal: true}, nil

	case shapeResponseCompleted:
		f := frame{terminal: true}
		if ev.Response != nil {
			f.responseID = ev.Response.ID
			if text, ok := responseText(ev.Response); ok {
				f.final = text
				f.hasFinal = true
			}
		}
		return f, nil

	case shapeResponseLifecycle:
		var f frame
		if ev.Response != nil {
			f.responseID = ev.Response.ID
		}
		return f, nil

	case shapeFailure:
		return frame{}, failureError(ev)

	case shapeChoiceDelta:
		return frame{delta: ev.Choices[0].Delta.Content}, nil

	case shapeContent:
		content, _ := rawString(ev.Content)
		return frame{delta: content}, nil

	case shapeDoneMarker:
		f := frame{terminal: true}
		switch {
		case ev.Text != nil:
			f.final, f.hasFinal = *ev.Text, true
		case ev.OutputText != nil:
			f.final, f.hasFinal = *ev.OutputText, true
		default:
			if content, ok := rawString(ev.Content); ok {
				f.final, f.hasFinal = content, true
			}
		}
		return f, nil

	case shapeOutputText:
		if ev.OutputText != nil {
			return frame{delta: *ev.OutputText}, nil
		}
		return frame{delta: *ev.Text}, nil

	default:
		return frame{}, fmt.Errorf("unhandled wire shape %s", shape)
	}
}

// responseText collects the output_text parts of a completed response
func responseText(resp *wireResponse) (string, bool) {
	var sb strings.Builder
	found := false
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				sb.WriteString(c.Text)
				found = true
			}
		}
	}
	return sb.String(), found
}

func failureError(ev *wireEvent) error {
	if ev.Response != nil && ev.Response.Error != nil {
		return fmt.Errorf("stream error: %s", ev.Response.Error.Message)
	}
	var we wireError
	if len(ev.Error) > 0 && json.Unmarshal(ev.Error, &we) == nil && we.Message != "" {
		return fmt.Errorf("stream error: %s", we.Message)
	}
	if msg, ok := rawString(ev.Error); ok {
		return fmt.Errorf("stream error: %s", msg)
	}
	if ev.Message != "" {
		return fmt.Errorf("stream error: %s", ev.Message)
	}
	return errors.New("stream error: provider reported a failure")
}

// accumulator folds frames into the text a stream will finally report
type accumulator struct {
	text       strings.Builder
	final      string
	hasFinal   bool
	responseID string
}

func (a *accumulator) apply(f frame) {
	if a.responseID == "" && f.responseID != "" {
		a.responseID = f.responseID
	}
	a.text.WriteString(f.delta)
	if f.hasFinal {
		a.final = f.final
		a.hasFinal = true
	}
}

func (a *accumulator) finalEvent() Event {
	text := a.text.String()
	if a.hasFinal {
		text = a.final
	}
	return Event{Type: EventFinal, Text: text, ResponseID: a.responseID}
}
