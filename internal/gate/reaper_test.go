package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
	th "github.com/desertthunder/pmx/internal/testing"
)

// flakyPayloads fails Delete for refs listed in failing.
type flakyPayloads struct {
	*DirPayloads
	mu      sync.Mutex
	failing map[string]bool
}

func (f *flakyPayloads) Delete(ctx context.Context, ref string) error {
	f.mu.Lock()
	fail := f.failing[ref]
	f.mu.Unlock()
	if fail {
		return errors.New("disk busy")
	}
	return f.DirPayloads.Delete(ctx, ref)
}

func (f *flakyPayloads) heal(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failing, ref)
}

func seedResult(t *testing.T, store Store, payloads PayloadStore, id string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	token := "tok-" + id
	_, created, err := store.CreateIfAbsent(ctx, models.NewAsyncRequest(token, "key-"+id, "obj", at))
	require.NoError(t, err)
	require.True(t, created)

	ref, err := payloads.Put(ctx, id, []byte(id))
	require.NoError(t, err)
	result := models.NewAsyncResult(id, token, "key-"+id, at)
	result.SetCode(200)
	result.SetPayloadRef(ref)
	require.NoError(t, store.Complete(ctx, token, result))
}

func TestReaper(t *testing.T) {
	t.Run("removes only expired results", func(t *testing.T) {
		dir := t.TempDir()
		payloads, err := NewDirPayloads(dir)
		require.NoError(t, err)
		store := NewMemoryStore()
		clk := testclock.NewClock(epoch)

		seedResult(t, store, payloads, "old", epoch.Add(-2*time.Hour))
		seedResult(t, store, payloads, "new", epoch.Add(-10*time.Minute))

		r, err := NewReaper(ReaperConfig{Store: store, Payloads: payloads, Retention: time.Hour, Clock: clk, Logger: th.NewTestLogger()})
		require.NoError(t, err)
		defer r.Stop()

		n, err := r.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = store.Result(context.Background(), "old")
		assert.ErrorIs(t, err, shared.ErrNotFound)
		_, err = store.Request(context.Background(), "tok-old")
		assert.ErrorIs(t, err, shared.ErrNotFound)
		th.AssertNoFile(t, filepath.Join(dir, "old"))

		_, err = store.Result(context.Background(), "new")
		assert.NoError(t, err)
		th.AssertFileExists(t, filepath.Join(dir, "new"))
	})

	t.Run("payload failure keeps metadata for the next sweep", func(t *testing.T) {
		dir := t.TempDir()
		base, err := NewDirPayloads(dir)
		require.NoError(t, err)
		payloads := &flakyPayloads{DirPayloads: base, failing: map[string]bool{"a": true}}
		store := NewMemoryStore()
		clk := testclock.NewClock(epoch)

		seedResult(t, store, payloads, "a", epoch.Add(-2*time.Hour))
		seedResult(t, store, payloads, "b", epoch.Add(-3*time.Hour))

		r, err := NewReaper(ReaperConfig{Store: store, Payloads: payloads, Retention: time.Hour, Clock: clk, Logger: th.NewTestLogger()})
		require.NoError(t, err)
		defer r.Stop()

		n, err := r.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = store.Result(context.Background(), "a")
		assert.NoError(t, err, "metadata must survive a failed payload delete")

		payloads.heal("a")
		n, err = r.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = store.Result(context.Background(), "a")
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("missing payload counts as deleted", func(t *testing.T) {
		dir := t.TempDir()
		payloads, err := NewDirPayloads(dir)
		require.NoError(t, err)
		store := NewMemoryStore()
		clk := testclock.NewClock(epoch)

		seedResult(t, store, payloads, "gone", epoch.Add(-2*time.Hour))
		require.NoError(t, os.Remove(filepath.Join(dir, "gone")))

		r, err := NewReaper(ReaperConfig{Store: store, Payloads: payloads, Retention: time.Hour, Clock: clk, Logger: th.NewTestLogger()})
		require.NoError(t, err)
		defer r.Stop()

		n, err := r.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("sweeps on the timer", func(t *testing.T) {
		payloads, err := NewDirPayloads(t.TempDir())
		require.NoError(t, err)
		store := NewMemoryStore()
		clk := testclock.NewClock(epoch)
		seedResult(t, store, payloads, "old", epoch.Add(-2*time.Hour))

		r, err := NewReaper(ReaperConfig{
			Store: store, Payloads: payloads, Retention: time.Hour, Interval: time.Minute,
			Clock: clk, Logger: th.NewTestLogger(),
		})
		require.NoError(t, err)
		defer r.Stop()

		require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
		require.Eventually(t, func() bool {
			_, err := store.Result(context.Background(), "old")
			return errors.Is(err, shared.ErrNotFound)
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("requires a store", func(t *testing.T) {
		_, err := NewReaper(ReaperConfig{})
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	})
}
