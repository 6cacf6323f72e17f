package auction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLocalMutex(t *testing.T) {
	defer goleak.VerifyNone(t)
	factory := NewLocalMutexFactory()

	t.Run("exclusive", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			inside  int
			maxSeen int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m := factory("auction:a:lock")
				_, err := m.Lock(context.Background())
				require.NoError(t, err)
				mu.Lock()
				inside++
				maxSeen = max(maxSeen, inside)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				ok, err := m.Unlock()
				assert.True(t, ok)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxSeen)
	})

	t.Run("independent_keys", func(t *testing.T) {
		a := factory("auction:a:lock")
		b := factory("auction:b:lock")
		_, err := a.Lock(context.Background())
		require.NoError(t, err)
		_, err = b.Lock(context.Background())
		require.NoError(t, err)
		a.Unlock()
		b.Unlock()
	})

	t.Run("context_cancel", func(t *testing.T) {
		holder := factory("auction:c:lock")
		lockCtx, err := holder.Lock(context.Background())
		require.NoError(t, err)
		assert.True(t, holder.Valid())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = factory("auction:c:lock").Lock(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		ok, err := holder.Unlock()
		assert.True(t, ok)
		assert.NoError(t, err)
		assert.False(t, holder.Valid())
		assert.Error(t, lockCtx.Err())

		ok, _ = holder.Unlock()
		assert.False(t, ok)
	})
}
