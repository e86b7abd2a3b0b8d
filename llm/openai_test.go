package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, chunks []string) (*httptest.Server, func() map[string]interface{}) {
	t.Helper()
	var (
		mu   sync.Mutex
		body map[string]interface{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		assert.NoError(t, json.Unmarshal(data, &body))
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, func() map[string]interface{} {
		mu.Lock()
		defer mu.Unlock()
		return body
	}
}

func chunk(content string) string {
	return fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"local","choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`, content)
}

func TestChatCompletionsStream(t *testing.T) {
	srv, body := chatServer(t, []string{chunk("Hel"), chunk("lo"), chunk("!")})

	req := baseRequest()
	req.Provider = ProviderCustom
	req.BaseURL = srv.URL + "/v1"
	req.Model = "llama3"
	req.SystemPrompt = "Be brief."
	req.PreviousResponseID = "ignored"

	ch, err := NewChatCompletionsClient(srv.Client()).Stream(context.Background(), req)
	require.NoError(t, err)

	events, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []Event{
		{Type: EventDelta, Text: "Hel"},
		{Type: EventDelta, Text: "lo"},
		{Type: EventDelta, Text: "!"},
		{Type: EventFinal, Text: "Hello!"},
	}, events)

	sent := body()
	assert.Equal(t, "llama3", sent["model"])
	messages := sent["messages"].([]interface{})
	// system prompt first, then the full history including the original system message
	require.Len(t, messages, 5)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
	assert.Equal(t, "Be brief.", messages[0].(map[string]interface{})["content"])
	assert.NotContains(t, sent, "tools")
}

func TestChatCompletionsTemperature(t *testing.T) {
	tests := []struct {
		name        string
		model       string
		temperature float64
		wantSent    bool
		want        float64
	}{
		{name: "zero is kept", model: "gpt-4o", temperature: 0, wantSent: true, want: 0},
		{name: "regular value", model: "gpt-4o", temperature: 0.7, wantSent: true, want: 0.7},
		{name: "reasoning model omits it", model: "o3-mini", temperature: 0.7, wantSent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, body := chatServer(t, []string{chunk("ok")})

			req := baseRequest()
			req.Provider = ProviderCustom
			req.BaseURL = srv.URL + "/v1"
			req.Model = tt.model
			req.Temperature = tt.temperature

			ch, err := NewChatCompletionsClient(srv.Client()).Stream(context.Background(), req)
			require.NoError(t, err)
			_, err = collect(t, ch)
			require.NoError(t, err)

			sent := body()
			got, ok := sent["temperature"]
			require.Equal(t, tt.wantSent, ok, "temperature present")
			if tt.wantSent {
				assert.InDelta(t, tt.want, got.(float64), 1e-6)
			}
		})
	}
}

func TestChatCompletionsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"requests"}}`)
	}))
	defer srv.Close()

	req := baseRequest()
	req.Provider = ProviderCustom
	req.BaseURL = srv.URL + "/v1"

	ch, err := NewChatCompletionsClient(srv.Client()).Stream(context.Background(), req)
	require.NoError(t, err)

	_, err = collect(t, ch)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
}

func TestConvertMessage(t *testing.T) {
	text := convertMessage(TextMessage(RoleAssistant, "hi"))
	assert.Equal(t, "hi", text.Content)
	assert.Empty(t, text.MultiContent)

	multi := convertMessage(Message{Role: RoleUser, Parts: []Part{
		{Type: PartText, Text: "look"},
		{Type: PartImage, ImageURL: "data:image/png;base64,AAAA"},
	}})
	assert.Empty(t, multi.Content)
	require.Len(t, multi.MultiContent, 2)
	assert.Equal(t, "data:image/png;base64,AAAA", multi.MultiContent[1].ImageURL.URL)
}

type fakeClient struct {
	calls int
}

func (f *fakeClient) Stream(ctx context.Context, req Request) (<-chan StreamResponse, error) {
	f.calls++
	ch := make(chan StreamResponse, 1)
	ch <- StreamResponse{Event: Event{Type: EventFinal, Text: req.Provider}}
	close(ch)
	return ch, nil
}

func TestRouter(t *testing.T) {
	responses, chat := &fakeClient{}, &fakeClient{}
	router := NewRouter(responses, chat)
	ctx := context.Background()

	req := baseRequest()
	_, err := router.Stream(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, responses.calls)

	req.Provider = ProviderCustom
	_, err = router.Stream(ctx, req)
	assert.Error(t, err, "custom without base URL")

	req.BaseURL = "http://localhost:11434/v1"
	_, err = router.Stream(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, chat.calls)

	req.Provider = "anthropic"
	_, err = router.Stream(ctx, req)
	assert.Error(t, err)

	req.APIKey = ""
	_, err = router.Stream(ctx, req)
	assert.ErrorIs(t, err, ErrNoAPIKey)
	assert.Equal(t, 1, responses.calls)
	assert.Equal(t, 1, chat.calls)
}

func TestModelRegistry(t *testing.T) {
	assert.Equal(t, "gpt-4o", DefaultModel().ID)

	m, ok := FindModel("gpt-3.5-turbo")
	require.True(t, ok)
	assert.False(t, m.SupportsWebSearch)

	_, ok = FindModel("does-not-exist")
	assert.False(t, ok)

	gpt4o, _ := FindModel("gpt-4o")
	temp, tokens := gpt4o.Clamp(1.5, 10000)
	assert.Equal(t, 1.0, temp)
	assert.Equal(t, 4096, tokens)
	temp, tokens = gpt4o.Clamp(-0.2, 0)
	assert.Equal(t, 0.0, temp)
	assert.Equal(t, 1, tokens)

	assert.True(t, AcceptsTemperature("gpt-4o"))
	assert.False(t, AcceptsTemperature("o3-mini"))
	assert.False(t, AcceptsTemperature("o1-preview"))

	models := Models()
	models[0].ID = "mutated"
	assert.Equal(t, "gpt-4o", DefaultModel().ID)
}
