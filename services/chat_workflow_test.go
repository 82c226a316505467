package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/obsidianmentor/mentor-api/model"
	"github.com/obsidianmentor/mentor-api/services/llm"
	"github.com/obsidianmentor/mentor-api/services/prompt"
)

// fakeStore is an in-memory ChatStore
type fakeStore struct {
	mu          sync.Mutex
	users       map[uuid.UUID]*model.User
	sessions    map[uuid.UUID]*model.ChatSession
	messages    []*model.ChatMessage
	increments  []int
	transitions []model.MessageStatus
	seq         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[uuid.UUID]*model.User),
		sessions: make(map[uuid.UUID]*model.ChatSession),
	}
}

func (s *fakeStore) addUser(used, max int) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.users[id] = &model.User{ID: id, Email: fmt.Sprintf("%s@test", id), UsedTokens: used, MaxTokens: max}
	return id
}

func (s *fakeStore) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	copied := *user
	return &copied, nil
}

func (s *fakeStore) IncrementUsedTokens(ctx context.Context, userID uuid.UUID, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return errors.New("unknown user")
	}
	user.UsedTokens += amount
	s.increments = append(s.increments, amount)
	return nil
}

func (s *fakeStore) GetSession(ctx context.Context, id uuid.UUID) (*model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

func (s *fakeStore) CreateSession(ctx context.Context, session *model.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	session.CreatedAt = time.Now()
	session.UpdatedAt = session.CreatedAt
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *fakeStore) ListSessions(ctx context.Context, userID uuid.UUID, skip, limit int) ([]model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ChatSession
	for _, session := range s.sessions {
		if session.UserID == userID {
			out = append(out, *session)
		}
	}
	return out, nil
}

func (s *fakeStore) TouchSession(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.UpdatedAt = time.Now()
	}
	return nil
}

func (s *fakeStore) CreateMessage(ctx context.Context, message *model.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	s.seq++
	message.CreatedAt = time.Unix(int64(s.seq), 0)
	message.UpdatedAt = message.CreatedAt
	copied := *message
	s.messages = append(s.messages, &copied)
	return nil
}

func (s *fakeStore) ListMessages(ctx context.Context, sessionID uuid.UUID, skip, limit int) ([]model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ChatMessage
	for _, msg := range s.messages {
		if msg.SessionID == sessionID {
			out = append(out, *msg)
		}
	}
	if skip < len(out) {
		out = out[skip:]
	} else {
		out = nil
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) GetMessage(ctx context.Context, id uuid.UUID) (*model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.ID == id {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetMessageByClientRequestID(ctx context.Context, clientRequestID string) (*model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.ClientRequestID != nil && *msg.ClientRequestID == clientRequestID {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpdateMessageStatus(ctx context.Context, update MessageUpdate) (*model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.ID != update.MessageID {
			continue
		}
		if !msg.Status.CanTransitionTo(update.Status) {
			return nil, ErrInvalidTransition
		}
		s.transitions = append(s.transitions, update.Status)
		msg.Status = update.Status
		msg.Content = update.Content
		if update.LatencyMs != nil {
			latency := *update.LatencyMs
			msg.LatencyMs = &latency
		}
		if update.TokensInput > 0 {
			msg.TokensInput = update.TokensInput
		}
		if update.TokensOutput > 0 {
			msg.TokensOutput = update.TokensOutput
		}
		msg.UpdatedAt = time.Now()
		copied := *msg
		return &copied, nil
	}
	return nil, ErrMessageNotFound
}

// assistantMessage returns the single assistant message in the store
func (s *fakeStore) assistantMessage(t *testing.T) *model.ChatMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *model.ChatMessage
	for _, msg := range s.messages {
		if msg.Role == model.MessageRoleAssistant {
			if found != nil {
				t.Fatal("expected exactly one assistant message")
			}
			found = msg
		}
	}
	if found == nil {
		t.Fatal("no assistant message in store")
	}
	copied := *found
	return &copied
}

// fakeStreamer plays back configured chunks, then optionally fails
type fakeStreamer struct {
	chunks []string
	err    error
	calls  int32
}

func (f *fakeStreamer) Stream(ctx context.Context, messages []llm.Message, callback func(chunk string) error) error {
	atomic.AddInt32(&f.calls, 1)
	for _, chunk := range f.chunks {
		if err := callback(chunk); err != nil {
			return err
		}
	}
	return f.err
}

// recordingEmitter records the event sequence; failAfter simulates a
// client disconnect after that many successful writes
type recordingEmitter struct {
	mu        sync.Mutex
	events    []string
	failAfter int
	writes    int
}

func (e *recordingEmitter) record(event string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAfter > 0 && e.writes >= e.failAfter {
		return errors.New("client gone")
	}
	e.writes++
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) Meta(sessionID, sessionTitle, messageID string) error {
	return e.record("meta")
}

func (e *recordingEmitter) Chunk(content string) error {
	return e.record("chunk:" + content)
}

func (e *recordingEmitter) Error(message string) error {
	return e.record("error")
}

func (e *recordingEmitter) recorded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.events...)
}

var workflowTestTemplate = template.Must(template.New("system").Parse("You are a helpful mentor."))

func newTestWorkflow(store *fakeStore, c Cache, streamer llm.Streamer) *ChatWorkflow {
	assembler := prompt.NewAssembler(prompt.Config{
		SystemTemplate:         workflowTestTemplate,
		MaxContextTokens:       100000,
		MaxHistoryRounds:       20,
		ReservedResponseTokens: 100,
		ModelName:              "gpt-4",
	})
	return NewChatWorkflow(store, NewIdempotencyGuard(c), NewGates(2, 4), assembler, streamer, WorkflowConfig{
		ModelName:     "gpt-4",
		StreamTimeout: 30 * time.Second,
	})
}

func TestHandleQueryNewSession(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	streamer := &fakeStreamer{chunks: []string{"Hi", " there"}}
	w := newTestWorkflow(store, newFakeCache(), streamer)

	result, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.SessionTitle != "hello" {
		t.Errorf("expected session title %q, got %q", "hello", result.SessionTitle)
	}
	if result.SessionID == uuid.Nil {
		t.Error("expected a new session id")
	}
	if result.Answer.Status != model.MessageStatusSuccess {
		t.Errorf("expected success status, got %s", result.Answer.Status)
	}
	if result.Answer.Content != "Hi there" {
		t.Errorf("expected concatenated content, got %q", result.Answer.Content)
	}
	if result.Answer.LatencyMs == nil {
		t.Error("terminal message must record latency")
	}
	if result.Answer.TokensInput <= 0 || result.Answer.TokensOutput <= 0 {
		t.Errorf("expected token counts recorded, got in=%d out=%d", result.Answer.TokensInput, result.Answer.TokensOutput)
	}

	user, _ := store.GetUser(context.Background(), userID)
	want := result.Answer.TokensInput + result.Answer.TokensOutput
	if user.UsedTokens != want {
		t.Errorf("expected used_tokens %d, got %d", want, user.UsedTokens)
	}
}

func TestHandleQueryBlankQueryRejected(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	w := newTestWorkflow(store, newFakeCache(), &fakeStreamer{})

	_, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "   "})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(store.messages) != 0 {
		t.Error("validation failures must not persist any message")
	}
}

func TestHandleQueryQuotaExhausted(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(1000, 1000)
	streamer := &fakeStreamer{chunks: []string{"never"}}
	w := newTestWorkflow(store, newFakeCache(), streamer)

	_, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "hello"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if len(store.messages) != 0 {
		t.Error("quota rejection must happen before any message is created")
	}
	if atomic.LoadInt32(&streamer.calls) != 0 {
		t.Error("quota rejection must not invoke the completion service")
	}
}

func TestHandleQuerySessionOwnership(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	otherID := store.addUser(0, 1000)

	session := &model.ChatSession{UserID: otherID, Title: "theirs"}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatal(err)
	}

	w := newTestWorkflow(store, newFakeCache(), &fakeStreamer{})
	_, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "hello", SessionID: &session.ID})
	if !errors.Is(err, ErrSessionForbidden) {
		t.Fatalf("expected ErrSessionForbidden, got %v", err)
	}
}

func TestHandleQuerySessionNotFound(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	missing := uuid.New()

	w := newTestWorkflow(store, newFakeCache(), &fakeStreamer{})
	_, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "hello", SessionID: &missing})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestHandleQueryUpstreamFailure(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	streamer := &fakeStreamer{err: errors.New("connection reset")}
	cacheFake := newFakeCache()
	w := newTestWorkflow(store, cacheFake, streamer)

	reqID := "retry-me"
	_, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "hello", ClientRequestID: &reqID})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}

	assistant := store.assistantMessage(t)
	if assistant.Status != model.MessageStatusFailed {
		t.Errorf("expected failed status, got %s", assistant.Status)
	}
	if assistant.LatencyMs == nil {
		t.Error("failed message must record latency")
	}
	if len(store.increments) != 0 {
		t.Error("failed turns must not bill the quota")
	}

	// The claim is released so a legitimate retry is not blocked
	if _, exists := cacheFake.data["chat:request:retry-me"]; exists {
		t.Error("idempotency key must be cleared after a failed turn")
	}
}

func TestHandleQueryDuplicateInFlight(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	streamer := &fakeStreamer{chunks: []string{"x"}}
	cacheFake := newFakeCache()
	cacheFake.data["chat:request:dup"] = "PROCESSING"

	w := newTestWorkflow(store, cacheFake, streamer)
	reqID := "dup"
	_, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "hello", ClientRequestID: &reqID})
	if !errors.Is(err, ErrRequestInFlight) {
		t.Fatalf("expected ErrRequestInFlight, got %v", err)
	}
	if atomic.LoadInt32(&streamer.calls) != 0 {
		t.Error("in-flight duplicate must not invoke the completion service")
	}
}

func TestHandleQueryIdempotentReplay(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	streamer := &fakeStreamer{chunks: []string{"answer"}}
	w := newTestWorkflow(store, newFakeCache(), streamer)

	reqID := "once"
	first, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "hello", ClientRequestID: &reqID})
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	second, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "hello", ClientRequestID: &reqID})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if first.Answer.ID != second.Answer.ID {
		t.Error("replay must return the original terminal message")
	}
	if got := atomic.LoadInt32(&streamer.calls); got != 1 {
		t.Errorf("expected exactly one completion invocation, got %d", got)
	}
}

func TestHandleQueryReplaySurvivesCacheExpiry(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	streamer := &fakeStreamer{chunks: []string{"answer"}}
	cacheFake := newFakeCache()
	w := newTestWorkflow(store, cacheFake, streamer)

	reqID := "expired"
	first, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "hello", ClientRequestID: &reqID})
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if first.Answer.ClientRequestID == nil || *first.Answer.ClientRequestID != reqID {
		t.Fatal("the assistant message must carry the client request ID")
	}

	// The resolved cache record lapses; the message store remains
	delete(cacheFake.data, "chat:request:expired")

	second, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "hello", ClientRequestID: &reqID})
	if err != nil {
		t.Fatalf("retry after expiry failed: %v", err)
	}
	if second.Answer.ID != first.Answer.ID {
		t.Error("retry after cache expiry must return the original answer")
	}
	if second.Answer.Role != model.MessageRoleAssistant {
		t.Errorf("replay must return the assistant message, got role %s", second.Answer.Role)
	}
	if got := atomic.LoadInt32(&streamer.calls); got != 1 {
		t.Errorf("expected exactly one completion invocation, got %d", got)
	}
	if cacheFake.data["chat:request:expired"] != first.Answer.ID.String() {
		t.Error("a store replay must re-resolve the cache record")
	}
}

func TestHandleQueryStreamReplaySurvivesCacheExpiry(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	streamer := &fakeStreamer{chunks: []string{"original"}}
	cacheFake := newFakeCache()
	w := newTestWorkflow(store, cacheFake, streamer)

	reqID := "stream-expired"
	first, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "hello", ClientRequestID: &reqID})
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	delete(cacheFake.data, "chat:request:stream-expired")

	emitter := &recordingEmitter{}
	if err := w.HandleQueryStream(context.Background(), &QueryInput{UserID: userID, Query: "hello", ClientRequestID: &reqID}, emitter); err != nil {
		t.Fatalf("stream retry after expiry failed: %v", err)
	}

	got := emitter.recorded()
	want := []string{"meta", "chunk:" + first.Answer.Content}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	if atomic.LoadInt32(&streamer.calls) != 1 {
		t.Error("replay must not re-invoke the completion service")
	}
}

func TestHandleQueryHistoryAccumulates(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 100000)
	streamer := &fakeStreamer{chunks: []string{"reply"}}
	w := newTestWorkflow(store, newFakeCache(), streamer)

	first, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "first question"})
	if err != nil {
		t.Fatalf("first turn failed: %v", err)
	}

	_, err = w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "second question", SessionID: &first.SessionID})
	if err != nil {
		t.Fatalf("second turn failed: %v", err)
	}

	messages, _ := store.ListMessages(context.Background(), first.SessionID, 0, 100)
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages after two turns, got %d", len(messages))
	}
}

func TestHandleQueryStreamEventOrder(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	streamer := &fakeStreamer{chunks: []string{"a", "b"}}
	w := newTestWorkflow(store, newFakeCache(), streamer)

	emitter := &recordingEmitter{}
	if err := w.HandleQueryStream(context.Background(), &QueryInput{UserID: userID, Query: "hello"}, emitter); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"meta", "chunk:a", "chunk:b"}
	got := emitter.recorded()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}

	assistant := store.assistantMessage(t)
	if assistant.Status != model.MessageStatusSuccess {
		t.Errorf("expected success status, got %s", assistant.Status)
	}
}

func TestHandleQueryStreamTransitionsThroughStreaming(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	streamer := &fakeStreamer{chunks: []string{"a", "b"}}
	w := newTestWorkflow(store, newFakeCache(), streamer)

	if err := w.HandleQueryStream(context.Background(), &QueryInput{UserID: userID, Query: "hello"}, &recordingEmitter{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One streaming transition on the first chunk, then the terminal one
	want := []model.MessageStatus{model.MessageStatusStreaming, model.MessageStatusSuccess}
	if len(store.transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, store.transitions)
	}
	for i := range want {
		if store.transitions[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, store.transitions)
		}
	}
}

func TestHandleQueryStreamMidStreamFailure(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	streamer := &fakeStreamer{chunks: []string{"a", "b"}, err: errors.New("upstream died")}
	w := newTestWorkflow(store, newFakeCache(), streamer)

	emitter := &recordingEmitter{}
	err := w.HandleQueryStream(context.Background(), &QueryInput{UserID: userID, Query: "hello"}, emitter)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}

	got := emitter.recorded()
	want := []string{"meta", "chunk:a", "chunk:b", "error"}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}

	assistant := store.assistantMessage(t)
	if assistant.Status != model.MessageStatusFailed {
		t.Errorf("expected failed status, got %s", assistant.Status)
	}
	if len(store.increments) != 0 {
		t.Error("failed turns must not bill the quota")
	}
}

func TestHandleQueryStreamQuotaError(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(1000, 1000)
	w := newTestWorkflow(store, newFakeCache(), &fakeStreamer{})

	emitter := &recordingEmitter{}
	err := w.HandleQueryStream(context.Background(), &QueryInput{UserID: userID, Query: "hello"}, emitter)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	got := emitter.recorded()
	if len(got) != 1 || got[0] != "error" {
		t.Fatalf("expected a single error event, got %v", got)
	}
}

func TestHandleQueryStreamClientDisconnect(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	streamer := &fakeStreamer{chunks: []string{"a", "b", "c"}}
	w := newTestWorkflow(store, newFakeCache(), streamer)

	// Client vanishes after the meta event and the first chunk
	emitter := &recordingEmitter{failAfter: 2}
	if err := w.HandleQueryStream(context.Background(), &QueryInput{UserID: userID, Query: "hello"}, emitter); err != nil {
		t.Fatalf("disconnect must not fail the turn: %v", err)
	}

	// The persisted message still reaches a terminal state with the full content
	assistant := store.assistantMessage(t)
	if assistant.Status != model.MessageStatusSuccess {
		t.Errorf("expected success status after disconnect, got %s", assistant.Status)
	}
	if !strings.Contains(assistant.Content, "abc") {
		t.Errorf("expected full content persisted, got %q", assistant.Content)
	}
	if len(store.increments) != 1 {
		t.Error("quota must still be billed after a disconnect")
	}
}

func TestHandleQueryStreamReplay(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(0, 1000)
	streamer := &fakeStreamer{chunks: []string{"original"}}
	cacheFake := newFakeCache()
	w := newTestWorkflow(store, cacheFake, streamer)

	reqID := "stream-once"
	first, err := w.HandleQuery(context.Background(), &QueryInput{UserID: userID, Query: "hello", ClientRequestID: &reqID})
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	emitter := &recordingEmitter{}
	if err := w.HandleQueryStream(context.Background(), &QueryInput{UserID: userID, Query: "hello", ClientRequestID: &reqID}, emitter); err != nil {
		t.Fatalf("stream replay failed: %v", err)
	}

	got := emitter.recorded()
	want := []string{"meta", "chunk:" + first.Answer.Content}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	if atomic.LoadInt32(&streamer.calls) != 1 {
		t.Error("replay must not re-invoke the completion service")
	}
}
