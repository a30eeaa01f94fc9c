package delta

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, slots, pagesPerBlock, retries int) *ResourcePool {
	t.Helper()
	p, err := NewResourcePool(slots, pagesPerBlock, 512, retries, 50*time.Microsecond)
	require.NoError(t, err)
	return p
}

func TestResourcePoolConservation(t *testing.T) {
	p := newTestPool(t, 4, 2, 10)
	ctx := context.Background()

	require.Equal(t, 4, p.FreeCommands())
	require.Equal(t, 8, p.FreePages())

	var held []*DeltaCommand
	for i := 0; i < 3; i++ {
		cmd, err := p.AcquireCommand(ctx)
		require.NoError(t, err)
		require.NoError(t, p.BindPages(ctx, cmd, 2))
		held = append(held, cmd)

		s := p.Stats()
		require.Equal(t, s.CommandSlots, s.FreeCommands+s.InUseCommands)
		require.Equal(t, s.PageSlots, s.FreePages+s.InUsePages)
	}
	require.Equal(t, 1, p.FreeCommands())
	require.Equal(t, 2, p.FreePages())

	for _, cmd := range held {
		for _, pg := range cmd.Pages() {
			require.Same(t, cmd, pg.Owner())
			require.Len(t, pg.Data(), 512)
		}
		require.NoError(t, p.ReleaseCommand(cmd))
	}
	require.Equal(t, 4, p.FreeCommands())
	require.Equal(t, 8, p.FreePages())
	require.Equal(t, 0, p.InUseCommands())
}

func TestResourcePoolExhaustion(t *testing.T) {
	p := newTestPool(t, 2, 1, 5)
	ctx := context.Background()

	a, err := p.AcquireCommand(ctx)
	require.NoError(t, err)
	b, err := p.AcquireCommand(ctx)
	require.NoError(t, err)

	t.Run("gives up after the retry budget", func(t *testing.T) {
		start := time.Now()
		_, err := p.AcquireCommand(ctx)
		require.ErrorIs(t, err, ErrExhausted)
		require.Less(t, time.Since(start), time.Second)

		s := p.Stats()
		require.Equal(t, uint64(1), s.Exhausted)
		require.Equal(t, uint64(5), s.Retries)
	})

	t.Run("try acquire does not block", func(t *testing.T) {
		_, ok := p.TryAcquireCommand()
		require.False(t, ok)
	})

	t.Run("recovers once a slot is released", func(t *testing.T) {
		require.NoError(t, p.ReleaseCommand(a))
		c, err := p.AcquireCommand(ctx)
		require.NoError(t, err)
		require.NoError(t, p.ReleaseCommand(c))
	})

	t.Run("waiter picks up a slot released during backoff", func(t *testing.T) {
		slow := newTestPool(t, 1, 1, 10000)
		held, err := slow.AcquireCommand(ctx)
		require.NoError(t, err)

		go func() {
			time.Sleep(5 * time.Millisecond)
			_ = slow.ReleaseCommand(held)
		}()
		got, err := slow.AcquireCommand(ctx)
		require.NoError(t, err)
		require.NoError(t, slow.ReleaseCommand(got))
	})

	t.Run("cancelled context stops the backoff", func(t *testing.T) {
		slow := newTestPool(t, 1, 1, 1000000)
		_, err := slow.AcquireCommand(ctx)
		require.NoError(t, err)

		cctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
		defer cancel()
		_, err = slow.AcquireCommand(cctx)
		require.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	require.NoError(t, p.ReleaseCommand(b))
	require.Equal(t, 2, p.FreeCommands())
}

func TestResourcePoolDoubleRelease(t *testing.T) {
	p := newTestPool(t, 2, 1, 0)
	cmd, ok := p.TryAcquireCommand()
	require.True(t, ok)
	require.NoError(t, p.ReleaseCommand(cmd))
	require.ErrorIs(t, p.ReleaseCommand(cmd), ErrDoubleRelease)
	require.Equal(t, 2, p.FreeCommands())

	pg, ok := p.TryAcquirePage()
	require.True(t, ok)
	require.NoError(t, p.ReleasePage(pg))
	require.ErrorIs(t, p.ReleasePage(pg), ErrDoubleRelease)
	require.Equal(t, 2, p.FreePages())
}

func TestResourcePoolBindPages(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects more pages than a block holds", func(t *testing.T) {
		p := newTestPool(t, 2, 2, 0)
		cmd, _ := p.TryAcquireCommand()
		require.ErrorIs(t, p.BindPages(ctx, cmd, 3), ErrPayloadSize)
		require.Empty(t, cmd.Pages())
		require.Equal(t, 4, p.FreePages())
	})

	t.Run("all or nothing when pages run out", func(t *testing.T) {
		p := newTestPool(t, 2, 2, 0)
		a, _ := p.TryAcquireCommand()
		b, _ := p.TryAcquireCommand()
		require.NoError(t, p.BindPages(ctx, a, 2))
		require.NoError(t, p.BindPages(ctx, b, 1))

		c, _ := p.TryAcquireCommand()
		require.Nil(t, c)

		// b may take one more, not two
		require.ErrorIs(t, p.BindPages(ctx, b, 2), ErrPayloadSize)
		require.NoError(t, p.BindPages(ctx, b, 1))
		require.Equal(t, 0, p.FreePages())

		require.NoError(t, p.ReleaseCommand(a))
		require.NoError(t, p.ReleaseCommand(b))
		require.Equal(t, 4, p.FreePages())
	})

	t.Run("bound page stays with its command", func(t *testing.T) {
		p := newTestPool(t, 2, 1, 0)
		a, _ := p.TryAcquireCommand()
		require.NoError(t, p.BindPages(ctx, a, 1))
		bound := a.Pages()[0]
		require.ErrorIs(t, p.ReleasePage(bound), ErrPageBound)
		require.Equal(t, 1, p.FreePages())

		// The other command takes the only free page, a's page is untouched
		b, _ := p.TryAcquireCommand()
		require.NoError(t, p.BindPages(ctx, b, 1))
		require.NotSame(t, bound, b.Pages()[0])

		require.NoError(t, p.ReleaseCommand(a))
		require.Equal(t, 1, p.FreePages())
		require.Same(t, b, b.Pages()[0].Owner())
		require.NoError(t, p.ReleaseCommand(b))
		require.Equal(t, 2, p.FreePages())
	})

	t.Run("release resets the command", func(t *testing.T) {
		p := newTestPool(t, 1, 1, 0)
		cmd, _ := p.TryAcquireCommand()
		cmd.io = NewIOCommand(1, 0, []byte{1})
		cmd.metadata = append(cmd.metadata, 7)
		cmd.state.Store(int32(CmdSubmitted))
		require.NoError(t, p.BindPages(ctx, cmd, 1))
		require.NoError(t, p.ReleaseCommand(cmd))

		again, ok := p.TryAcquireCommand()
		require.True(t, ok)
		require.Same(t, cmd, again)
		require.Nil(t, again.IO())
		require.Empty(t, again.Pages())
		require.Empty(t, again.Metadata())
		require.Equal(t, CmdFree, again.State())
	})
}

func TestResourcePoolConcurrent(t *testing.T) {
	p := newTestPool(t, 8, 1, 100000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				cmd, err := p.AcquireCommand(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if err := p.BindPages(ctx, cmd, 1); err != nil {
					t.Error(err)
				}
				if err := p.ReleaseCommand(cmd); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	require.Equal(t, 8, s.FreeCommands)
	require.Equal(t, 0, s.InUseCommands)
	require.Equal(t, 8, s.FreePages)
}

func TestNewResourcePoolInvalid(t *testing.T) {
	_, err := NewResourcePool(0, 1, 512, 0, 0)
	require.Error(t, err)
	var ee EngineError
	require.True(t, errors.As(err, &ee))
}

func TestResourcePoolFourSlotRecovery(t *testing.T) {
	cfg := TestConfig()
	p, err := NewResourcePool(cfg.CommandSlots, 1, 4096, cfg.RetryCount, cfg.RetryDelay())
	require.NoError(t, err)
	ctx := context.Background()

	held := make([]*DeltaCommand, 0, 4)
	for i := 0; i < 4; i++ {
		cmd, err := p.AcquireCommand(ctx)
		require.NoError(t, err)
		held = append(held, cmd)
	}
	_, err = p.AcquireCommand(ctx)
	require.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, p.ReleaseCommand(held[2]))
	retriesBefore := p.Stats().Retries
	_, err = p.AcquireCommand(ctx)
	require.NoError(t, err)
	require.Equal(t, retriesBefore, p.Stats().Retries, "no backoff once a slot is free")
}
