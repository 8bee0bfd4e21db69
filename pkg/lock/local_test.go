package lock

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalReadParallelism(t *testing.T) {
	m := NewLocalManager()
	ctx := context.Background()

	const readers = 5
	const holdTime = 50 * time.Millisecond

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Read(ctx, "/data/bucket/key", func() error {
				time.Sleep(holdTime)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Readers run in parallel: total wall time well under readers*holdTime.
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 2*holdTime+100*time.Millisecond,
		"readers serialized: %v elapsed", elapsed)
}

func TestLocalWriterExclusion(t *testing.T) {
	m := NewLocalManager()
	ctx := context.Background()

	readerHolding := make(chan struct{})
	readerDone := make(chan struct{})

	go func() {
		_ = m.Read(ctx, "/data/b/k", func() error {
			close(readerHolding)
			time.Sleep(100 * time.Millisecond)
			return nil
		})
		close(readerDone)
	}()

	<-readerHolding
	start := time.Now()
	err := m.Write(ctx, "/data/b/k", func() error { return nil })
	require.NoError(t, err)

	// The writer must have waited for the reader to release.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	<-readerDone
}

func TestLocalWritersSerialized(t *testing.T) {
	m := NewLocalManager()
	ctx := context.Background()

	// A plain int is safe only if writers are mutually exclusive.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Write(ctx, "/data/b/k", func() error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, counter)
}

func TestLocalDistinctPathsIndependent(t *testing.T) {
	m := NewLocalManager()
	ctx := context.Background()

	holding := make(chan struct{})
	proceed := make(chan struct{})
	go func() {
		_ = m.Write(ctx, "/data/b/k1", func() error {
			close(holding)
			<-proceed
			return nil
		})
	}()
	<-holding

	// A write on a different path must not block.
	done := make(chan struct{})
	go func() {
		_ = m.Write(ctx, "/data/b/k2", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write on distinct path blocked")
	}
	close(proceed)
}

func TestLocalCancelledWait(t *testing.T) {
	m := NewLocalManager()

	holding := make(chan struct{})
	proceed := make(chan struct{})
	go func() {
		_ = m.Write(context.Background(), "/data/b/k", func() error {
			close(holding)
			<-proceed
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.Read(ctx, "/data/b/k", func() error {
		t.Error("transform must not run after cancellation")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(proceed)

	// No lock state left behind: the abandoned waiter cleans up once the
	// writer releases.
	require.Eventually(t, func() bool {
		return m.entryCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestLocalEntryCleanup(t *testing.T) {
	m := NewLocalManager()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Write(ctx, "/data/b/k", func() error { return nil }))
	}
	assert.Equal(t, 0, m.entryCount())
}

func TestLocalPathCanonicalization(t *testing.T) {
	m := NewLocalManager()
	ctx := context.Background()

	holding := make(chan struct{})
	proceed := make(chan struct{})
	go func() {
		_ = m.Write(ctx, "/data/b/k", func() error {
			close(holding)
			<-proceed
			return nil
		})
	}()
	<-holding

	// The same path with redundant elements maps to the same lock.
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := m.Write(waitCtx, "/data/b/../b/./k", func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(proceed)
}

func TestFileHelpers(t *testing.T) {
	m := NewLocalManager()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "payload")

	require.NoError(t, WriteFile(ctx, m, path, []byte("content")))

	var got []byte
	require.NoError(t, ReadFile(ctx, m, path, func(r io.Reader) error {
		var err error
		got, err = io.ReadAll(r)
		return err
	}))
	assert.Equal(t, "content", string(got))

	require.NoError(t, DeleteFile(ctx, m, path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
