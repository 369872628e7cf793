//go:build integration

package ledger_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movie2book/backend/internal/ledger"
	"github.com/movie2book/backend/internal/repository"
)

// Run with: TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/ledger/
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, repository.Migrate(ctx, pool, nil))
	return pool
}

func newAccount(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	acc, err := repository.NewAccountRepo(pool).CreateWithEmail(context.Background(), uuid.NewString()+"@example.com")
	require.NoError(t, err)
	return acc.ID
}

func TestRepository_ConcurrentConsumeNeverOverspends(t *testing.T) {
	pool := testPool(t)
	svc := ledger.NewService(ledger.NewRepository(pool), nil)
	ctx := context.Background()
	id := newAccount(t, pool)

	_, err := svc.GrantCredits(ctx, id, 3, "it:"+uuid.NewString(), "stripe")
	require.NoError(t, err)
	// Spend the trial so only credits remain.
	c, err := svc.ReserveAndConsume(ctx, id, 5, "trial-job")
	require.NoError(t, err)
	require.Equal(t, ledger.ViaTrial, c.Via)

	var charged atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ReserveAndConsume(ctx, id, 1, uuid.NewString())
			if err == nil {
				charged.Add(1)
				return
			}
			if !errors.Is(err, ledger.ErrNoCredits) {
				t.Errorf("ReserveAndConsume: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, charged.Load())
	e, err := svc.Entitlement(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, e.CreditBalance)
	assert.True(t, e.FreeTrialConsumed)
}

func TestRepository_GrantIsIdempotentUnderConcurrency(t *testing.T) {
	pool := testPool(t)
	svc := ledger.NewService(ledger.NewRepository(pool), nil)
	ctx := context.Background()
	id := newAccount(t, pool)
	key := "it:" + uuid.NewString()

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.GrantCredits(ctx, id, 10, key, "paypal")
			if err != nil {
				t.Errorf("GrantCredits: %v", err)
				return
			}
			if res.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, applied.Load())
	e, err := svc.Entitlement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 10, e.CreditBalance)

	history, err := svc.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].BalanceAfter)
	assert.Equal(t, 10, *history[0].BalanceAfter)
}

func TestRepository_GrantForUnknownAccountFails(t *testing.T) {
	pool := testPool(t)
	svc := ledger.NewService(ledger.NewRepository(pool), nil)

	_, err := svc.GrantCredits(context.Background(), uuid.New(), 5, "it:"+uuid.NewString(), "stripe")
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
}
