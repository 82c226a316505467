// Package llm implements the gateway to an OpenAI-compatible chat
// completion service. The service itself is opaque; this package only
// knows how to send a message list and read back text, either as one
// blocking response or as an SSE stream of fragments.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTimeout is the default HTTP client timeout for blocking calls
	DefaultTimeout = 2 * time.Minute
	// DefaultDialTimeout is the timeout for establishing TCP connections
	DefaultDialTimeout = 10 * time.Second
	// DefaultTLSTimeout is the timeout for TLS handshake
	DefaultTLSTimeout = 10 * time.Second
	// DefaultHeaderTimeout is the timeout for waiting for response headers
	DefaultHeaderTimeout = 30 * time.Second
)

// Message is one role/content pair sent to the completion service
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Streamer is the interface the orchestration engine consumes. Stream
// invokes the completion service and feeds each text fragment to callback
// in arrival order; it returns once the upstream stream ends or fails.
type Streamer interface {
	Stream(ctx context.Context, messages []Message, callback func(chunk string) error) error
}

// Config holds configuration for the completion client
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client talks to an OpenAI-compatible /chat/completions endpoint
type Client struct {
	baseURL         string
	apiKey          string
	model           string
	httpClient      *http.Client // For blocking calls
	streamingClient *http.Client // For streaming requests (no client-level timeout)
}

// NewClient creates a new completion client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	// Streaming transport with timeouts on connection establishment only.
	// A client-level Timeout would kill long-running streams mid-body.
	streamingTransport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: 90 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSTimeout,
		ResponseHeaderTimeout: DefaultHeaderTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		model:   config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		streamingClient: &http.Client{
			Transport: streamingTransport,
		},
	}
}

type chatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type streamChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type streamChunkChoice struct {
	Index        int              `json:"index"`
	Delta        streamChunkDelta `json:"delta"`
	FinishReason string           `json:"finish_reason,omitempty"`
}

type streamChunk struct {
	ID      string              `json:"id"`
	Model   string              `json:"model"`
	Choices []streamChunkChoice `json:"choices"`
}

func (c *streamChunk) content() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// Stream creates a streaming chat completion and feeds each non-empty
// content fragment to callback. A callback error aborts the stream.
func (c *Client) Stream(ctx context.Context, messages []Message, callback func(chunk string) error) error {
	endpoint := c.baseURL + "/chat/completions"

	jsonBody, err := json.Marshal(chatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamingClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("streaming failed with status %d: %s", resp.StatusCode, string(body))
	}

	// Read SSE stream
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")

			if data == "[DONE]" {
				break
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// Malformed chunk, keep reading
				continue
			}

			if content := chunk.content(); content != "" {
				if err := callback(content); err != nil {
					return fmt.Errorf("callback error: %w", err)
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream reading error: %w", err)
	}

	return nil
}

// Complete runs a blocking completion by consuming the stream to the end
// and returning the concatenated content plus the observed latency.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, int, error) {
	start := time.Now()

	var sb strings.Builder
	err := c.Stream(ctx, messages, func(chunk string) error {
		sb.WriteString(chunk)
		return nil
	})

	latencyMs := int(time.Since(start).Milliseconds())
	if err != nil {
		return "", latencyMs, err
	}
	return sb.String(), latencyMs, nil
}

// IsTimeoutError checks if the error is a timeout-related error
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "i/o timeout")
}
