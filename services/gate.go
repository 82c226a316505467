package services

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate bounds concurrent access to a downstream resource. Acquisition
// respects the caller's context so a disconnected client stops waiting
// in line instead of holding a queue slot.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates a gate admitting at most limit concurrent holders.
// A non-positive limit falls back to 1.
func NewGate(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(limit))}
}

// Acquire blocks until a slot is free or ctx is done
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns a slot. Must be called exactly once per successful
// Acquire; callers defer it immediately.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// TryAcquire grabs a slot without blocking
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Gates groups the two admission gates the chat workflow holds while
// talking to the completion service and while running heavy DB work.
type Gates struct {
	LLM *Gate
	DB  *Gate
}

// NewGates sizes both gates from configuration at construction time
func NewGates(llmLimit, dbLimit int) *Gates {
	return &Gates{
		LLM: NewGate(llmLimit),
		DB:  NewGate(dbLimit),
	}
}
