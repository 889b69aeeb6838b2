package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailflow/internal/config"
	"mailflow/internal/idempotency"
	"mailflow/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

func outcomeRow(outcome string) *mockRow {
	return &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*string) = outcome
		return nil
	}}
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestRepo(db DBTX) *IdempotencyRepository {
	repo := NewIdempotencyRepository(db)
	repo.clock = fixedClock{testNow}
	return repo
}

// ============================================================
// Claim Tests
// ============================================================

func TestIdempotencyRepository_Claim(t *testing.T) {
	tests := []struct {
		name    string
		outcome string
		want    idempotency.ClaimResult
	}{
		{"new key", "claimed", idempotency.Claimed},
		{"already sent", "sent", idempotency.AlreadySent},
		{"live lease", "in_flight", idempotency.InFlight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := newTestRepo(db)
			ctx := context.Background()

			db.On("QueryRow", ctx, mock.MatchedBy(func(sql string) bool {
				return strings.Contains(sql, "ON CONFLICT (correlation_id) DO UPDATE") &&
					strings.Contains(sql, "WHERE idempotency_keys.expires_at < EXCLUDED.recorded_at")
			}), []any{"corr-1", testNow, testNow.Add(5 * time.Minute)}).
				Return(outcomeRow(tt.outcome))

			got, err := repo.Claim(ctx, "corr-1", 5*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			db.AssertExpectations(t)
		})
	}
}

func TestIdempotencyRepository_Claim_NoRows(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestRepo(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	got, err := repo.Claim(ctx, "corr-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, idempotency.InFlight, got)
}

func TestIdempotencyRepository_Claim_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestRepo(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection refused")})

	_, err := repo.Claim(ctx, "corr-1", time.Minute)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeIdempotencyStore, appErr.Code)
	assert.True(t, types.IsRetriable(err))
}

func TestIdempotencyRepository_Claim_UnknownState(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestRepo(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(outcomeRow("bogus"))

	_, err := repo.Claim(ctx, "corr-1", time.Minute)
	assert.Equal(t, types.ErrCodeIdempotencyStore, types.CodeOf(err))
}

// ============================================================
// MarkSent / Release / DeleteExpired Tests
// ============================================================

func TestIdempotencyRepository_MarkSent(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestRepo(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "'sent'")
	}), []any{"corr-1", testNow, testNow.Add(24 * time.Hour)}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.MarkSent(ctx, "corr-1", 24*time.Hour))
	db.AssertExpectations(t)
}

func TestIdempotencyRepository_MarkSent_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestRepo(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.MarkSent(ctx, "corr-1", time.Hour)
	assert.Equal(t, types.ErrCodeIdempotencyStore, types.CodeOf(err))
}

func TestIdempotencyRepository_Release_OnlyDeletesLeases(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestRepo(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "DELETE") && strings.Contains(sql, "state = 'in_flight'")
	}), []any{"corr-1"}).
		Return(pgconn.NewCommandTag("DELETE 1"), nil)

	require.NoError(t, repo.Release(ctx, "corr-1"))
	db.AssertExpectations(t)
}

func TestIdempotencyRepository_DeleteExpired(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestRepo(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "expires_at < $1")
	}), []any{testNow}).
		Return(pgconn.NewCommandTag("DELETE 42"), nil)

	n, err := repo.DeleteExpired(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestIdempotencyRepository_WithGuard(t *testing.T) {
	db := new(mockDBTX)
	repo := newTestRepo(db)
	guard := idempotency.NewGuard(repo, nil)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(outcomeRow("sent"))

	out, err := guard.CheckAndRecord(ctx, "corr-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Duplicate, out)
}

// ============================================================
// Connection helpers
// ============================================================

func TestConnect_RequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), config.DatabaseConfig{})
	require.Error(t, err)
}

func TestNewRedisClient(t *testing.T) {
	_, err := NewRedisClient(config.RedisConfig{})
	require.Error(t, err)

	client, err := NewRedisClient(config.RedisConfig{Addr: "localhost:6379", TLS: true, DB: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	assert.Equal(t, "localhost:6379", client.Options().Addr)
	assert.Equal(t, 2, client.Options().DB)
	assert.NotNil(t, client.Options().TLSConfig)
}
