package chat

import (
	"bufio"
	"context"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/obsidianmentor/mentor-api/utils/response"
	"github.com/obsidianmentor/mentor-api/utils/sse"
)

// sseEmitter pushes workflow events to the SSE writer. Write failures
// mean the client disconnected; the workflow stops emitting but still
// finishes the turn server side.
type sseEmitter struct {
	w *bufio.Writer
}

func (e *sseEmitter) Meta(sessionID, sessionTitle, messageID string) error {
	return sse.SendMeta(e.w, sessionID, sessionTitle, messageID)
}

func (e *sseEmitter) Chunk(content string) error {
	return sse.SendChunk(e.w, content)
}

func (e *sseEmitter) Error(message string) error {
	return sse.SendError(e.w, message)
}

// QueryStream handles POST /api/v1/chat/query/stream
func (h *ChatHandler) QueryStream(c *fiber.Ctx) error {
	var req QueryRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	input, errResp := h.buildInput(c, &req)
	if input == nil {
		return errResp
	}

	// Set headers for SSE; intermediary buffering would delay chunks
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		// The Fiber context is not valid inside the stream writer; the
		// workflow detects disconnects through emitter write errors
		ctx := context.Background()

		emitter := &sseEmitter{w: w}
		if err := h.workflow.HandleQueryStream(ctx, input, emitter); err != nil {
			log.Printf("Streaming chat turn failed: %v", err)
		}

		// Always terminate the stream so clients can detect the end
		if err := sse.SendDone(w); err != nil {
			log.Printf("Failed to send stream terminator: %v", err)
		}
	})

	return nil
}
