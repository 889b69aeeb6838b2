package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mailflow/internal/idempotency"
	"mailflow/internal/types"
)

// IdempotencySchema creates the idempotency table. Deployments run it as a
// migration; local mode applies it on start.
const IdempotencySchema = `CREATE TABLE IF NOT EXISTS idempotency_keys (
	correlation_id TEXT PRIMARY KEY,
	state          TEXT NOT NULL,
	recorded_at    TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_keys_expires_at_idx ON idempotency_keys (expires_at);`

const (
	stateInFlight = "in_flight"
	stateSent     = "sent"
	stateClaimed  = "claimed"
)

// claimSQL takes the lease in one statement. The insert succeeds for a new id
// and the conditional update succeeds only for an expired row; otherwise the
// second branch reports the state of the live row.
const claimSQL = `
WITH claimed AS (
	INSERT INTO idempotency_keys (correlation_id, state, recorded_at, expires_at)
	VALUES ($1, 'in_flight', $2, $3)
	ON CONFLICT (correlation_id) DO UPDATE
		SET state = 'in_flight', recorded_at = EXCLUDED.recorded_at, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at < EXCLUDED.recorded_at
	RETURNING 'claimed'::text AS outcome
)
SELECT outcome FROM claimed
UNION ALL
SELECT state FROM idempotency_keys
WHERE correlation_id = $1 AND NOT EXISTS (SELECT 1 FROM claimed)`

// IdempotencyRepository implements idempotency.Store on the
// idempotency_keys table.
type IdempotencyRepository struct {
	db    DBTX
	clock types.Clock
}

// NewIdempotencyRepository creates a repository backed by the given
// database connection (pool or transaction).
func NewIdempotencyRepository(db DBTX) *IdempotencyRepository {
	return &IdempotencyRepository{db: db, clock: types.RealClock{}}
}

// EnsureSchema applies IdempotencySchema.
func (r *IdempotencyRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, IdempotencySchema); err != nil {
		return types.NewAppError(types.ErrCodeIdempotencyStore, "failed to create idempotency schema", err)
	}
	return nil
}

// Claim implements idempotency.Store.
func (r *IdempotencyRepository) Claim(ctx context.Context, key string, lease time.Duration) (idempotency.ClaimResult, error) {
	now := r.clock.Now()

	var outcome string
	err := r.db.QueryRow(ctx, claimSQL, key, now, now.Add(lease)).Scan(&outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		// The row was deleted between the two branches; let the caller retry.
		return idempotency.InFlight, nil
	}
	if err != nil {
		return idempotency.InFlight, types.NewAppError(types.ErrCodeIdempotencyStore,
			"failed to claim idempotency key", err)
	}

	switch outcome {
	case stateClaimed:
		return idempotency.Claimed, nil
	case stateSent:
		return idempotency.AlreadySent, nil
	case stateInFlight:
		return idempotency.InFlight, nil
	default:
		return idempotency.InFlight, types.NewAppError(types.ErrCodeIdempotencyStore,
			fmt.Sprintf("unexpected idempotency state %q", outcome), nil)
	}
}

// MarkSent implements idempotency.Store. It upserts so a lease that expired
// during a slow delivery still ends up recorded.
func (r *IdempotencyRepository) MarkSent(ctx context.Context, key string, ttl time.Duration) error {
	now := r.clock.Now()
	_, err := r.db.Exec(ctx,
		`INSERT INTO idempotency_keys (correlation_id, state, recorded_at, expires_at)
		 VALUES ($1, 'sent', $2, $3)
		 ON CONFLICT (correlation_id) DO UPDATE
		 	SET state = 'sent', recorded_at = EXCLUDED.recorded_at, expires_at = EXCLUDED.expires_at`,
		key, now, now.Add(ttl),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeIdempotencyStore, "failed to record delivery", err)
	}
	return nil
}

// Release implements idempotency.Store. Sent records are never removed.
func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE correlation_id = $1 AND state = 'in_flight'`,
		key,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeIdempotencyStore, "failed to release idempotency lease", err)
	}
	return nil
}

// DeleteExpired removes rows whose TTL passed before now and returns how many
// were deleted.
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, now)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeIdempotencyStore, "failed to purge idempotency keys", err)
	}
	return tag.RowsAffected(), nil
}

var _ idempotency.Store = (*IdempotencyRepository)(nil)
