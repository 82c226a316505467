package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/obsidianmentor/mentor-api/utils/cache"
)

const (
	processingSentinel = "PROCESSING"

	// A processing claim self-expires so a crashed worker cannot block
	// retries of the same client_request_id forever
	processingTTL = 5 * time.Minute

	// Resolved request IDs stay cached long enough for client retry
	// windows, then fall back to the DB index lookup
	resolvedTTL = time.Hour
)

// Cache is the subset of cache operations the guard needs; satisfied by
// utils/cache.RedisCache and by test fakes.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// ClaimResult reports the outcome of an idempotency claim attempt
type ClaimResult struct {
	// Acquired is true when this request won the claim and must run the
	// turn (and later call Resolve or Clear)
	Acquired bool

	// ResolvedMessageID is set when a previous request already completed
	// this client_request_id
	ResolvedMessageID string
}

// IdempotencyGuard deduplicates retried chat requests by
// client_request_id using a single conditional write per claim.
type IdempotencyGuard struct {
	cache Cache
}

// NewIdempotencyGuard creates a guard over the given cache
func NewIdempotencyGuard(c Cache) *IdempotencyGuard {
	return &IdempotencyGuard{cache: c}
}

func idempotencyKey(clientRequestID string) string {
	return fmt.Sprintf("chat:request:%s", clientRequestID)
}

// Claim attempts to take ownership of a client_request_id. Exactly one
// of three outcomes: the claim is acquired, the request is already
// resolved to a message ID, or ErrRequestInFlight.
func (g *IdempotencyGuard) Claim(ctx context.Context, clientRequestID string) (*ClaimResult, error) {
	key := idempotencyKey(clientRequestID)

	ok, err := g.cache.SetNX(ctx, key, processingSentinel, processingTTL)
	if err != nil {
		return nil, err
	}
	if ok {
		return &ClaimResult{Acquired: true}, nil
	}

	val, err := g.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			// Key expired between SetNX and Get; treat as in flight and
			// let the client retry
			return nil, ErrRequestInFlight
		}
		return nil, err
	}
	if val == processingSentinel {
		return nil, ErrRequestInFlight
	}
	return &ClaimResult{ResolvedMessageID: val}, nil
}

// Resolve overwrites the processing sentinel with the completed
// message ID so later retries return the original answer
func (g *IdempotencyGuard) Resolve(ctx context.Context, clientRequestID, messageID string) error {
	return g.cache.Set(ctx, idempotencyKey(clientRequestID), messageID, resolvedTTL)
}

// Clear releases a claim after a failed turn so the client can retry
func (g *IdempotencyGuard) Clear(ctx context.Context, clientRequestID string) error {
	return g.cache.Delete(ctx, idempotencyKey(clientRequestID))
}
