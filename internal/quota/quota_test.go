package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/lindseylubin/Gen-Ed/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUser(t *testing.T, db store.DB, tokens int) int64 {
	t.Helper()
	u, err := db.UpsertExternalUser(context.Background(), store.ExternalUser{
		Provider: store.ProviderLTI, ExtID: "k_u_e@x.org", Email: "e@x.org", QueryTokens: tokens,
	})
	require.NoError(t, err)
	return u.ID
}

func TestTryConsumeConcurrent(t *testing.T) {
	sqlite, err := store.NewSQLiteDB(context.Background(), filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	for name, db := range map[string]store.DB{"memory": store.NewMemoryDB(), "sqlite": sqlite} {
		t.Run(name, func(t *testing.T) {
			const balance, callers = 5, 40
			userID := seedUser(t, db, balance)
			m := NewMeter(db)

			var granted atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if ok, err := m.TryConsume(context.Background(), userID); err == nil && ok {
						granted.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.EqualValues(t, balance, granted.Load())
			u, err := db.GetUser(context.Background(), userID)
			require.NoError(t, err)
			assert.Equal(t, 0, u.QueryTokens)
		})
	}
}

func TestTryConsumeZeroBalance(t *testing.T) {
	db := store.NewMemoryDB()
	userID := seedUser(t, db, 0)
	ok, err := NewMeter(db).TryConsume(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, ok)

	u, err := db.GetUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 0, u.QueryTokens)
}

type failingCounter struct{}

func (failingCounter) ConsumeQueryToken(context.Context, int64) (bool, error) {
	return true, errors.New("disk on fire")
}

func TestTryConsumeFailsClosed(t *testing.T) {
	ok, err := NewMeter(failingCounter{}).TryConsume(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestTryConsumeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := NewMeter(store.NewMemoryDB()).TryConsume(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}
