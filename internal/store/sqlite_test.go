package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lanternchat/lantern/internal/segment"
)

// flakyStore delegates to an inner store until fail is flipped.
type flakyStore struct {
	Store
	fail bool
}

func (f *flakyStore) Paginate(ctx context.Context, boundary segment.ID, dir Direction, limit int) (PaginateResult, error) {
	if f.fail {
		return PaginateResult{}, errors.New("adapter offline")
	}
	return f.Store.Paginate(ctx, boundary, dir, limit)
}

func TestCacheWritesThroughOnPagination(t *testing.T) {
	mem, err := NewMemoryStore(MemoryConfig{PageSize: 5}, testHistory(20))
	require.NoError(t, err)

	cache, err := OpenCache(filepath.Join(t.TempDir(), "events.db"), "conv", mem)
	require.NoError(t, err)
	defer cache.Close()

	res, err := cache.Paginate(context.Background(), cache.LiveSegment(), Backward, 5)
	require.NoError(t, err)
	require.Len(t, res.NewSegments, 1)

	n, err := cache.CachedCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, n)

	// The next page lands in the cache too.
	_, err = cache.Paginate(context.Background(), res.NewSegments[0].ID, Backward, 5)
	require.NoError(t, err)
	n, err = cache.CachedCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestCacheCapturesLiveEvents(t *testing.T) {
	mem, err := NewMemoryStore(MemoryConfig{PageSize: 5}, testHistory(5))
	require.NoError(t, err)

	cache, err := OpenCache(filepath.Join(t.TempDir(), "events.db"), "conv", mem)
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, mem.AppendLive(testEvent(5)))

	n, err := cache.CachedCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCacheServesHistoryWhenAdapterOffline(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")

	// First session: warm the cache with two pages of history.
	mem, err := NewMemoryStore(MemoryConfig{PageSize: 5}, testHistory(20))
	require.NoError(t, err)
	warm, err := OpenCache(dbPath, "conv", mem)
	require.NoError(t, err)
	_, err = warm.Paginate(context.Background(), warm.LiveSegment(), Backward, 5)
	require.NoError(t, err)
	_, err = warm.Paginate(context.Background(), warm.LiveSegment(), Backward, 5)
	require.NoError(t, err)
	require.NoError(t, warm.Close())

	// Second session: the adapter is down; only the newest page is local.
	mem2, err := NewMemoryStore(MemoryConfig{PageSize: 5}, testHistory(20))
	require.NoError(t, err)
	flaky := &flakyStore{Store: mem2, fail: true}
	cache, err := OpenCache(dbPath, "conv", flaky)
	require.NoError(t, err)
	defer cache.Close()

	res, err := cache.Paginate(context.Background(), cache.LiveSegment(), Backward, 5)
	require.NoError(t, err, "backward pagination must fall back to cached history")
	require.Len(t, res.NewSegments, 1)
	events := res.NewSegments[0].Events
	require.Len(t, events, 5)
	require.Equal(t, "e010", events[0].ID)
	require.Equal(t, "e014", events[len(events)-1].ID)
	require.NotNil(t, res.NewSegments[0].BackToken)
	require.True(t, strings.HasPrefix(*res.NewSegments[0].BackToken, cachedTokenPrefix))

	// The synthesized segment keeps paginating from the cache.
	res, err = cache.Paginate(context.Background(), cache.LiveSegment(), Backward, 5)
	require.NoError(t, err)
	require.Len(t, res.NewSegments, 1)
	require.Equal(t, "e005", res.NewSegments[0].Events[0].ID)

	// And stops cleanly when the cache runs out.
	res, err = cache.Paginate(context.Background(), cache.LiveSegment(), Backward, 5)
	require.NoError(t, err)
	require.Empty(t, res.NewSegments)
	require.True(t, res.ReachedEnd)

	// Forward pagination has no offline story; errors surface.
	_, err = cache.Paginate(context.Background(), cache.LiveSegment(), Forward, 5)
	require.Error(t, err)
}

func TestCachePurgesRedactedEvents(t *testing.T) {
	mem, err := NewMemoryStore(MemoryConfig{PageSize: 5}, testHistory(10))
	require.NoError(t, err)

	cache, err := OpenCache(filepath.Join(t.TempDir(), "events.db"), "conv", mem)
	require.NoError(t, err)
	defer cache.Close()

	_, err = cache.Paginate(context.Background(), cache.LiveSegment(), Backward, 5)
	require.NoError(t, err)

	notified := make(chan string, 1)
	cancel := cache.SubscribeRedactions(func(id string) { notified <- id })
	defer cancel()

	mem.PushRedaction("e001")
	require.Equal(t, "e001", <-notified)

	n, err := cache.CachedCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, n)
}
