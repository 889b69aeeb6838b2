// Package idempotency prevents an outbound message from being delivered twice
// when the queue redelivers it.
//
// A correlation id moves through two states in the backing Store: an in-flight
// lease taken before delivery, and a sent record written once the mail
// provider accepted the message. Claim is a single atomic conditional write in
// every implementation, so two workers racing on the same id cannot both win.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"mailflow/internal/types"
)

// DefaultTTL is how long a sent record suppresses redeliveries.
const DefaultTTL = 24 * time.Hour

// DefaultLease bounds how long a crashed worker blocks its correlation id.
const DefaultLease = 5 * time.Minute

// ClaimResult is the outcome of Store.Claim.
type ClaimResult int

const (
	// Claimed means the id was unseen (or its lease expired) and the caller now
	// holds the lease.
	Claimed ClaimResult = iota
	// AlreadySent means a sent record exists.
	AlreadySent
	// InFlight means another worker holds an unexpired lease.
	InFlight
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case AlreadySent:
		return "already_sent"
	case InFlight:
		return "in_flight"
	default:
		return fmt.Sprintf("ClaimResult(%d)", int(r))
	}
}

// Store persists idempotency state.
type Store interface {
	Claim(ctx context.Context, key string, lease time.Duration) (ClaimResult, error)
	MarkSent(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// Outcome is what the orchestrator does with a message.
type Outcome int

const (
	FirstSeen Outcome = iota
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "first_seen"
}

// Guard applies the lease protocol on top of a Store.
type Guard struct {
	store  Store
	logger types.Logger
}

// NewGuard creates a Guard.
func NewGuard(store Store, logger types.Logger) *Guard {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Guard{store: store, logger: logger}
}

// CheckAndRecord claims correlationID for lease. An id that is held by another
// worker yields a retriable ErrCodeIdempotencyInFlight; a store failure yields
// a retriable ErrCodeIdempotencyStore so nothing is sent without a claim.
func (g *Guard) CheckAndRecord(ctx context.Context, correlationID string, lease time.Duration) (Outcome, error) {
	if correlationID == "" {
		return FirstSeen, types.NewAppError(types.ErrCodeValidationSchema, "correlation_id is required", nil)
	}
	if lease <= 0 {
		lease = DefaultLease
	}

	res, err := g.store.Claim(ctx, correlationID, lease)
	if err != nil {
		return FirstSeen, types.NewAppError(types.ErrCodeIdempotencyStore,
			"idempotency store unavailable", err)
	}

	switch res {
	case Claimed:
		return FirstSeen, nil
	case AlreadySent:
		g.logger.Info("Duplicate message skipped", "correlation_id", correlationID)
		return Duplicate, nil
	default:
		return FirstSeen, types.NewAppError(types.ErrCodeIdempotencyInFlight,
			fmt.Sprintf("correlation id %s is being processed by another worker", correlationID), nil)
	}
}

// Complete records a successful delivery.
func (g *Guard) Complete(ctx context.Context, correlationID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := g.store.MarkSent(ctx, correlationID, ttl); err != nil {
		return types.NewAppError(types.ErrCodeIdempotencyStore, "failed to record delivery", err)
	}
	return nil
}

// Abandon drops the lease after a failed delivery so a redelivery can retry.
// Errors are logged; the lease expires on its own.
func (g *Guard) Abandon(ctx context.Context, correlationID string) {
	if err := g.store.Release(ctx, correlationID); err != nil {
		g.logger.Warn("Failed to release idempotency lease", "correlation_id", correlationID, "error", err)
	}
}
