// Package sse implements the data-only server-sent-event framing used by
// the streaming chat endpoint: every frame is "data: <payload>\n\n" and the
// stream always ends with "data: [DONE]\n\n", even on failure.
package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
)

// Event types pushed during a streaming chat turn
const (
	EventMeta  = "meta"
	EventChunk = "chunk"
	EventError = "error"
)

// MetaEvent is sent once, as soon as the turn is admitted
type MetaEvent struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	SessionTitle string `json:"session_title"`
	MessageID    string `json:"message_id"`
}

// ChunkEvent carries one incremental text fragment
type ChunkEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ErrorEvent terminates a failed stream (followed by [DONE])
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SendJSON writes one data frame with a JSON payload and flushes immediately
func SendJSON(w *bufio.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event data: %w", err)
	}
	return w.Flush()
}

// SendMeta sends the meta event for an admitted turn
func SendMeta(w *bufio.Writer, sessionID, sessionTitle, messageID string) error {
	return SendJSON(w, MetaEvent{
		Type:         EventMeta,
		SessionID:    sessionID,
		SessionTitle: sessionTitle,
		MessageID:    messageID,
	})
}

// SendChunk sends one incremental content fragment
func SendChunk(w *bufio.Writer, content string) error {
	return SendJSON(w, ChunkEvent{Type: EventChunk, Content: content})
}

// SendError sends a terminal error event
func SendError(w *bufio.Writer, message string) error {
	return SendJSON(w, ErrorEvent{Type: EventError, Message: message})
}

// SendDone writes the stream terminator so clients can reliably detect end of stream
func SendDone(w *bufio.Writer) error {
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("failed to write done marker: %w", err)
	}
	return w.Flush()
}

// SendKeepAlive sends a comment (: ping) to keep the connection alive
// Useful for long-running operations to prevent proxy timeouts
func SendKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
		return fmt.Errorf("failed to write keepalive: %w", err)
	}
	return w.Flush()
}
