package delta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIOCommandLifecycle(t *testing.T) {
	io := NewIOCommand(1, 0, []byte("abc"))
	require.Equal(t, 3, io.Len())

	status, code := io.Status()
	require.Equal(t, StatusPending, status)
	require.Equal(t, NVMeSuccess, code)

	t.Run("first failure wins", func(t *testing.T) {
		io := NewIOCommand(1, 0, []byte{1})
		io.fail(NVMeMediaTimeout, ErrTimeout)
		io.fail(NVMeWriteFault, ErrDevice)
		io.resolve()

		status, code := io.Status()
		require.Equal(t, StatusFail, status)
		require.Equal(t, NVMeMediaTimeout, code)
		require.ErrorIs(t, io.Err(), ErrTimeout)
	})

	t.Run("resolve marks success", func(t *testing.T) {
		io.resolve()
		status, _ := io.Status()
		require.Equal(t, StatusSuccess, status)
		require.False(t, io.failed())
	})

	t.Run("wait honours the context", func(t *testing.T) {
		pending := NewIOCommand(2, 0, []byte{1})
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		defer cancel()
		require.True(t, errors.Is(pending.Wait(ctx), context.DeadlineExceeded))
	})

	t.Run("signal is idempotent", func(t *testing.T) {
		io.signal()
		io.signal()
		require.NoError(t, io.Wait(context.Background()))
	})

	t.Run("zero value command", func(t *testing.T) {
		var zero IOCommand
		zero.fail(NVMeInternalError, ErrMapping)
		zero.signal()
		require.ErrorIs(t, zero.Wait(context.Background()), ErrMapping)
	})

	t.Run("done observed before and after signal", func(t *testing.T) {
		c := NewIOCommand(3, 0, []byte{1})
		before := c.Done()
		select {
		case <-before:
			t.Fatal("done closed before signal")
		default:
		}
		c.resolve()
		c.signal()
		<-before
		<-c.Done()
	})
}

func TestStatusStrings(t *testing.T) {
	require.Equal(t, "media_timeout", NVMeMediaTimeout.String())
	require.Equal(t, "nvme(99)", NVMeStatus(99).String())
	require.Equal(t, "fail", StatusFail.String())
	require.Equal(t, "completed", CmdCompleted.String())
}
