package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/obsidianmentor/mentor-api/model"
	"github.com/obsidianmentor/mentor-api/services/llm"
	"github.com/obsidianmentor/mentor-api/services/prompt"
)

// MaxQueryLength is the upper bound on inbound query text
const MaxQueryLength = 5000

const defaultHistoryFetchLimit = 200

// QueryInput carries one inbound chat query
type QueryInput struct {
	UserID          uuid.UUID
	Query           string
	SessionID       *uuid.UUID
	KBID            *uuid.UUID
	ClientRequestID *string
}

// QueryResult is the blocking-path response
type QueryResult struct {
	SessionID    uuid.UUID
	SessionTitle string
	Answer       *model.ChatMessage
}

// StreamEmitter receives the events of one streaming turn. Implemented
// over the SSE writer by the handler layer and by fakes in tests. An
// emitter error means the consumer is gone; the workflow stops emitting
// but still drives the turn to a terminal state.
type StreamEmitter interface {
	Meta(sessionID, sessionTitle, messageID string) error
	Chunk(content string) error
	Error(message string) error
}

// WorkflowConfig holds orchestrator tunables
type WorkflowConfig struct {
	ModelName         string
	StreamTimeout     time.Duration
	HistoryFetchLimit int
}

// ChatWorkflow coordinates one conversation turn end to end: idempotency
// claim, quota check, session resolution, message bookkeeping, prompt
// assembly, the governed completion call and final accounting.
type ChatWorkflow struct {
	store     ChatStore
	sessions  *SessionManager
	updater   *MessageUpdater
	guard     *IdempotencyGuard
	gates     *Gates
	assembler *prompt.Assembler
	streamer  llm.Streamer
	cfg       WorkflowConfig
}

// NewChatWorkflow wires the orchestrator. Both admission gates arrive
// already sized from configuration; nothing here is lazily initialized.
func NewChatWorkflow(store ChatStore, guard *IdempotencyGuard, gates *Gates, assembler *prompt.Assembler, streamer llm.Streamer, cfg WorkflowConfig) *ChatWorkflow {
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 5 * time.Minute
	}
	if cfg.HistoryFetchLimit <= 0 {
		cfg.HistoryFetchLimit = defaultHistoryFetchLimit
	}
	return &ChatWorkflow{
		store:     store,
		sessions:  NewSessionManager(store),
		updater:   NewMessageUpdater(store),
		guard:     guard,
		gates:     gates,
		assembler: assembler,
		streamer:  streamer,
		cfg:       cfg,
	}
}

// withDBGate runs fn while holding the persistence admission gate. The
// gate is held per operation, never across the completion call.
func (w *ChatWorkflow) withDBGate(ctx context.Context, fn func() error) error {
	if err := w.gates.DB.Acquire(ctx); err != nil {
		return err
	}
	defer w.gates.DB.Release()
	return fn()
}

func validateQuery(query string) (string, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "", fmt.Errorf("%w: query must not be blank", ErrValidation)
	}
	if len(query) > MaxQueryLength {
		return "", fmt.Errorf("%w: query exceeds %d characters", ErrValidation, MaxQueryLength)
	}
	return trimmed, nil
}

// claimIdempotency resolves the idempotency state for this input. The
// returned result is nil when no client request ID was supplied.
func (w *ChatWorkflow) claimIdempotency(ctx context.Context, input *QueryInput) (*ClaimResult, error) {
	if input.ClientRequestID == nil || *input.ClientRequestID == "" {
		return nil, nil
	}
	return w.guard.Claim(ctx, *input.ClientRequestID)
}

// replayResolved returns the terminal message a prior attempt produced
// for the same client request ID, without re-invoking the completion
// service.
func (w *ChatWorkflow) replayResolved(ctx context.Context, messageID string) (*QueryResult, error) {
	id, err := uuid.Parse(messageID)
	if err != nil {
		return nil, fmt.Errorf("corrupt idempotency record: %w", err)
	}

	var message *model.ChatMessage
	var session *model.ChatSession
	err = w.withDBGate(ctx, func() error {
		var inner error
		if message, inner = w.store.GetMessage(ctx, id); inner != nil {
			return inner
		}
		if message == nil {
			return ErrMessageNotFound
		}
		if session, inner = w.store.GetSession(ctx, message.SessionID); inner != nil {
			return inner
		}
		if session == nil {
			return ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &QueryResult{
		SessionID:    session.ID,
		SessionTitle: session.Title,
		Answer:       message,
	}, nil
}

// replayFromStore recovers a completed turn whose cached idempotency
// record has already expired. The correlation ID indexed on the
// assistant message makes replay durable beyond the cache TTL; a hit
// re-resolves the cache record for subsequent retries. Returns nil when
// no finished answer exists for this client request ID.
func (w *ChatWorkflow) replayFromStore(ctx context.Context, input *QueryInput) (*QueryResult, error) {
	var message *model.ChatMessage
	var session *model.ChatSession
	err := w.withDBGate(ctx, func() error {
		var inner error
		if message, inner = w.store.GetMessageByClientRequestID(ctx, *input.ClientRequestID); inner != nil {
			return inner
		}
		if message == nil || message.Status != model.MessageStatusSuccess {
			// Failed or unfinished attempts are not replayed; the turn
			// runs fresh
			message = nil
			return nil
		}
		if session, inner = w.store.GetSession(ctx, message.SessionID); inner != nil {
			return inner
		}
		if session == nil {
			return ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if message == nil {
		return nil, nil
	}

	if err := w.guard.Resolve(ctx, *input.ClientRequestID, message.ID.String()); err != nil {
		log.Printf("WARN: failed to re-resolve idempotency key %s: %v", *input.ClientRequestID, err)
	}

	return &QueryResult{
		SessionID:    session.ID,
		SessionTitle: session.Title,
		Answer:       message,
	}, nil
}

// checkQuota rejects the turn before any message exists once the user's
// token balance is depleted
func (w *ChatWorkflow) checkQuota(ctx context.Context, userID uuid.UUID) error {
	return w.withDBGate(ctx, func() error {
		user, err := w.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("%w: unknown user", ErrValidation)
		}
		if user.QuotaExhausted() {
			return fmt.Errorf("%w: used %d of %d tokens", ErrQuotaExceeded, user.UsedTokens, user.MaxTokens)
		}
		return nil
	})
}

// turnState carries the records one admitted turn operates on
type turnState struct {
	session   *model.ChatSession
	userMsg   *model.ChatMessage
	assistant *model.ChatMessage
	assembled *prompt.Assembled
	startedAt time.Time
}

// admitTurn runs the pre-completion steps shared by both call paths:
// session resolution, user message persistence, placeholder creation,
// history fetch and prompt assembly.
func (w *ChatWorkflow) admitTurn(ctx context.Context, input *QueryInput, query string) (*turnState, error) {
	state := &turnState{startedAt: time.Now()}

	err := w.withDBGate(ctx, func() error {
		session, err := w.sessions.EnsureSession(ctx, input.UserID, input.SessionID, query, input.KBID)
		if err != nil {
			return err
		}
		state.session = session

		userMsg, err := w.sessions.CreateUserMessage(ctx, session.ID, query)
		if err != nil {
			return err
		}
		state.userMsg = userMsg

		assistant, err := w.sessions.CreateAssistantPlaceholder(ctx, session.ID, input.ClientRequestID)
		if err != nil {
			return err
		}
		state.assistant = assistant
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The current turn's own records are excluded; the query is passed to
	// the assembler separately
	var history []model.ChatMessage
	err = w.withDBGate(ctx, func() error {
		var inner error
		history, inner = w.sessions.History(ctx, state.session.ID, w.cfg.HistoryFetchLimit, state.userMsg.ID, state.assistant.ID)
		return inner
	})
	if err != nil {
		return state, err
	}

	promptHistory := make([]prompt.Message, 0, len(history))
	for _, msg := range history {
		promptHistory = append(promptHistory, prompt.Message{Role: string(msg.Role), Content: msg.Content})
	}

	assembled, err := w.assembler.Assemble(promptHistory, query)
	if err != nil {
		return state, err
	}
	state.assembled = assembled
	return state, nil
}

// failTurn drives the assistant message to failed on a detached context
// so a disconnected client cannot leave it non-terminal. A double
// failure is logged and the original error surfaces.
func (w *ChatWorkflow) failTurn(state *turnState, userMessage string) {
	if state == nil || state.assistant == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	latency := int(time.Since(state.startedAt).Milliseconds())
	err := w.withDBGate(ctx, func() error {
		_, inner := w.updater.MarkFailed(ctx, state.assistant.ID, userMessage, latency)
		return inner
	})
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		log.Printf("ERROR: failed to mark message %s as failed: %v", state.assistant.ID, err)
	}
}

// markStreaming moves the assistant message into the streaming state
// once content starts arriving. Best effort; the terminal transition
// carries the full content either way.
func (w *ChatWorkflow) markStreaming(state *turnState, firstChunk string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.withDBGate(ctx, func() error {
		_, inner := w.updater.MarkStreaming(ctx, state.assistant.ID, firstChunk)
		return inner
	})
	if err != nil {
		log.Printf("WARN: failed to mark message %s as streaming: %v", state.assistant.ID, err)
	}
}

// clearClaim releases an acquired idempotency claim after a failed turn
func (w *ChatWorkflow) clearClaim(input *QueryInput) {
	if input.ClientRequestID == nil || *input.ClientRequestID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.guard.Clear(ctx, *input.ClientRequestID); err != nil {
		log.Printf("WARN: failed to clear idempotency key %s: %v", *input.ClientRequestID, err)
	}
}

// finishSuccess finalizes the assistant message, bills the user's quota
// and resolves the idempotency record. Runs on a detached context.
func (w *ChatWorkflow) finishSuccess(input *QueryInput, state *turnState, content string, latencyMs int) (*model.ChatMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tokensOutput := prompt.CountTokens(content, w.cfg.ModelName)
	tokensInput := state.assembled.TotalTokens

	var final *model.ChatMessage
	err := w.withDBGate(ctx, func() error {
		var inner error
		final, inner = w.updater.MarkSuccess(ctx, state.assistant.ID, content, latencyMs, tokensInput, tokensOutput)
		if inner != nil {
			return inner
		}
		if inner = w.store.IncrementUsedTokens(ctx, input.UserID, tokensInput+tokensOutput); inner != nil {
			return inner
		}
		return w.store.TouchSession(ctx, state.session.ID)
	})
	if err != nil {
		return nil, err
	}

	if input.ClientRequestID != nil && *input.ClientRequestID != "" {
		if err := w.guard.Resolve(ctx, *input.ClientRequestID, final.ID.String()); err != nil {
			log.Printf("WARN: failed to resolve idempotency key %s: %v", *input.ClientRequestID, err)
		}
	}
	return final, nil
}

// HandleQuery runs one blocking conversation turn
func (w *ChatWorkflow) HandleQuery(ctx context.Context, input *QueryInput) (*QueryResult, error) {
	query, err := validateQuery(input.Query)
	if err != nil {
		return nil, err
	}

	claim, err := w.claimIdempotency(ctx, input)
	if err != nil {
		return nil, err
	}
	if claim != nil && claim.ResolvedMessageID != "" {
		return w.replayResolved(ctx, claim.ResolvedMessageID)
	}
	claimed := claim != nil && claim.Acquired

	// A freshly acquired claim may still be a retry of a turn whose
	// cached record lapsed; the message store is the durable record
	if claimed {
		replay, err := w.replayFromStore(ctx, input)
		if err != nil {
			w.clearClaim(input)
			return nil, err
		}
		if replay != nil {
			return replay, nil
		}
	}

	if err := w.checkQuota(ctx, input.UserID); err != nil {
		if claimed {
			w.clearClaim(input)
		}
		return nil, err
	}

	state, err := w.admitTurn(ctx, input, query)
	if err != nil {
		w.failTurn(state, publicErrorMessage(err))
		if claimed {
			w.clearClaim(input)
		}
		return nil, err
	}

	content, latencyMs, err := w.invokeCompletion(ctx, state, nil)
	if err != nil {
		w.failTurn(state, publicErrorMessage(err))
		if claimed {
			w.clearClaim(input)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	final, err := w.finishSuccess(input, state, content, latencyMs)
	if err != nil {
		w.failTurn(state, "Internal error while finalizing the response.")
		if claimed {
			w.clearClaim(input)
		}
		return nil, err
	}

	return &QueryResult{
		SessionID:    state.session.ID,
		SessionTitle: state.session.Title,
		Answer:       final,
	}, nil
}

// invokeCompletion calls the completion service under the LLM admission
// gate. Gate acquisition honors the caller's context; the call itself
// runs on a detached deadline so a client disconnect never aborts an
// in-flight turn.
func (w *ChatWorkflow) invokeCompletion(ctx context.Context, state *turnState, onChunk func(chunk string)) (string, int, error) {
	if err := w.gates.LLM.Acquire(ctx); err != nil {
		return "", 0, err
	}
	defer w.gates.LLM.Release()

	callCtx, cancel := context.WithTimeout(context.Background(), w.cfg.StreamTimeout)
	defer cancel()

	messages := make([]llm.Message, len(state.assembled.Messages))
	for i, m := range state.assembled.Messages {
		messages[i] = llm.Message{Role: m.Role, Content: m.Content}
	}

	start := time.Now()
	var sb strings.Builder
	err := w.streamer.Stream(callCtx, messages, func(chunk string) error {
		sb.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
		return nil
	})
	latencyMs := int(time.Since(start).Milliseconds())
	if err != nil {
		return "", latencyMs, err
	}
	return sb.String(), latencyMs, nil
}

// HandleQueryStream runs one streaming conversation turn, pushing
// events to the emitter as the turn progresses. The terminal [DONE]
// frame is the transport layer's responsibility; this method guarantees
// at most one meta event, the chunk sequence and at most one error
// event, in order.
func (w *ChatWorkflow) HandleQueryStream(ctx context.Context, input *QueryInput, emitter StreamEmitter) error {
	emit := &guardedEmitter{inner: emitter}

	query, err := validateQuery(input.Query)
	if err != nil {
		emit.Error(publicErrorMessage(err))
		return err
	}

	claim, err := w.claimIdempotency(ctx, input)
	if err != nil {
		emit.Error(publicErrorMessage(err))
		return err
	}
	if claim != nil && claim.ResolvedMessageID != "" {
		return w.replayResolvedStream(ctx, claim.ResolvedMessageID, emit)
	}
	claimed := claim != nil && claim.Acquired

	if claimed {
		replay, err := w.replayFromStore(ctx, input)
		if err != nil {
			w.clearClaim(input)
			emit.Error(publicErrorMessage(err))
			return err
		}
		if replay != nil {
			emit.Meta(replay.SessionID.String(), replay.SessionTitle, replay.Answer.ID.String())
			emit.Chunk(replay.Answer.Content)
			return nil
		}
	}

	fail := func(origErr error) error {
		emit.Error(publicErrorMessage(origErr))
		if claimed {
			w.clearClaim(input)
		}
		return origErr
	}

	if err := w.checkQuota(ctx, input.UserID); err != nil {
		return fail(err)
	}

	state, err := w.admitTurn(ctx, input, query)
	if err != nil {
		w.failTurn(state, publicErrorMessage(err))
		return fail(err)
	}

	// The turn is admitted; the consumer learns its identifiers before
	// any content arrives
	emit.Meta(state.session.ID.String(), state.session.Title, state.assistant.ID.String())

	var streamingMarked bool
	content, latencyMs, err := w.invokeCompletion(ctx, state, func(chunk string) {
		if !streamingMarked {
			streamingMarked = true
			w.markStreaming(state, chunk)
		}
		emit.Chunk(chunk)
	})
	if err != nil {
		w.failTurn(state, publicErrorMessage(fmt.Errorf("%w: %v", ErrUpstream, err)))
		return fail(fmt.Errorf("%w: %v", ErrUpstream, err))
	}

	if _, err := w.finishSuccess(input, state, content, latencyMs); err != nil {
		w.failTurn(state, "Internal error while finalizing the response.")
		return fail(err)
	}
	return nil
}

// replayResolvedStream replays an already-completed turn as a stream:
// meta, the full content as one chunk, then the caller's [DONE].
func (w *ChatWorkflow) replayResolvedStream(ctx context.Context, messageID string, emit *guardedEmitter) error {
	result, err := w.replayResolved(ctx, messageID)
	if err != nil {
		emit.Error(publicErrorMessage(err))
		return err
	}

	emit.Meta(result.SessionID.String(), result.SessionTitle, result.Answer.ID.String())
	if result.Answer.Status == model.MessageStatusFailed {
		emit.Error(result.Answer.Content)
		return nil
	}
	emit.Chunk(result.Answer.Content)
	return nil
}

// guardedEmitter stops forwarding events once the consumer is gone
// while letting the turn run to completion server side
type guardedEmitter struct {
	inner StreamEmitter
	gone  bool
}

func (g *guardedEmitter) Meta(sessionID, sessionTitle, messageID string) {
	if g.gone {
		return
	}
	if err := g.inner.Meta(sessionID, sessionTitle, messageID); err != nil {
		g.gone = true
	}
}

func (g *guardedEmitter) Chunk(content string) {
	if g.gone {
		return
	}
	if err := g.inner.Chunk(content); err != nil {
		g.gone = true
	}
}

func (g *guardedEmitter) Error(message string) {
	if g.gone {
		return
	}
	if err := g.inner.Error(message); err != nil {
		g.gone = true
	}
}

// publicErrorMessage maps an internal error to the string stored on a
// failed message and sent to streaming consumers
func publicErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return err.Error()
	case errors.Is(err, ErrQuotaExceeded):
		return "You have reached your token quota. Please try again later."
	case errors.Is(err, ErrSessionNotFound):
		return "Session not found."
	case errors.Is(err, ErrSessionForbidden):
		return "You do not have access to this session."
	case errors.Is(err, prompt.ErrBudgetExceeded):
		return "Your request is too large for the model's context window."
	case errors.Is(err, ErrRequestInFlight):
		return "This request is still being processed. Please retry shortly."
	case errors.Is(err, ErrUpstream), llm.IsTimeoutError(err):
		return "The assistant failed to generate a response. Please try again."
	default:
		return "An internal error occurred. Please try again."
	}
}
