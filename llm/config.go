package llm

import (
	"net/http"
	"time"
)

// Config represents transport configuration
type Config struct {
	BaseURL string // Responses API root; empty means DefaultBaseURL
	Timeout int    // seconds to wait for response headers; 0 waits indefinitely
}

// HTTPClient builds the http.Client shared by both transports. The timeout
// bounds only the wait for response headers; a streaming body runs until it
// ends or the request context is cancelled.
func (c Config) HTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = time.Duration(c.Timeout) * time.Second
	return &http.Client{Transport: transport}
}
