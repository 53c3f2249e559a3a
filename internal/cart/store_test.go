package cart_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/heysubinoy/pyazcart/internal/cart"
	"github.com/heysubinoy/pyazcart/internal/store"
	"github.com/heysubinoy/pyazcart/pkg/kv"
)

func newTestCart(t *testing.T) (*cart.Store, *store.MemStore) {
	t.Helper()
	mem := store.NewMemStore()
	return cart.NewStore(mem), mem
}

func TestCart_AddDeleteList(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)

	items, err := c.GetItems(ctx)
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)

	require.NoError(t, c.AddItem(ctx, cart.Item{Name: "Book", Quantity: 2}))
	require.NoError(t, c.AddItem(ctx, cart.Item{Name: "Pen", Quantity: 10}))

	items, err = c.GetItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cart.Item{
		{Name: "Book", Quantity: 2},
		{Name: "Pen", Quantity: 10},
	}, items)

	require.NoError(t, c.DeleteItem(ctx, "Pen"))

	items, err = c.GetItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cart.Item{{Name: "Book", Quantity: 2}}, items)
}

func TestCart_AddItemReplacesWholeItem(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)

	require.NoError(t, c.AddItem(ctx, cart.Item{Name: "Book", Quantity: 2, UnitPrice: 10, Description: "hardcover"}))
	require.NoError(t, c.AddItem(ctx, cart.Item{Name: "Book", Quantity: 5}))

	items, err := c.GetItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cart.Item{{Name: "Book", Quantity: 5}}, items)
}

func TestCart_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)

	require.NoError(t, c.DeleteItem(ctx, "Ghost"))

	require.NoError(t, c.AddItem(ctx, cart.Item{Name: "Book", Quantity: 1}))
	require.NoError(t, c.DeleteItem(ctx, "Book"))
	require.NoError(t, c.DeleteItem(ctx, "Book"))

	items, err := c.GetItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCart_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)

	assert.ErrorIs(t, c.AddItem(ctx, cart.Item{Quantity: 1}), cart.ErrInvalidArgument)
	assert.ErrorIs(t, c.AddItem(ctx, cart.Item{Name: "Book", Quantity: -3}), cart.ErrInvalidArgument)
	assert.ErrorIs(t, c.DeleteItem(ctx, ""), cart.ErrInvalidArgument)

	items, err := c.GetItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCart_SeparateCollections(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	alice := cart.NewStore(mem, cart.WithCollection("alice"))
	bob := cart.NewStore(mem, cart.WithCollection("bob"))

	require.NoError(t, alice.AddItem(ctx, cart.Item{Name: "Book", Quantity: 1}))
	require.NoError(t, bob.AddItem(ctx, cart.Item{Name: "Pen", Quantity: 4}))

	items, err := alice.GetItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cart.Item{{Name: "Book", Quantity: 1}}, items)

	items, err = bob.GetItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cart.Item{{Name: "Pen", Quantity: 4}}, items)
}

func TestCart_ConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)

	const N = 50
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < N; i++ {
		g.Go(func() error {
			return c.AddItem(gctx, cart.Item{Name: fmt.Sprintf("item-%02d", i), Quantity: int32(i)})
		})
	}
	require.NoError(t, g.Wait())

	items, err := c.GetItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, N)
	for i, it := range items {
		assert.Equal(t, fmt.Sprintf("item-%02d", i), it.Name)
		assert.Equal(t, int32(i), it.Quantity)
	}
}

func TestCart_CanceledContext(t *testing.T) {
	c, _ := newTestCart(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.AddItem(ctx, cart.Item{Name: "Book", Quantity: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, cart.ErrStoreUnavailable)

	_, err = c.GetItems(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCart_CorruptItem(t *testing.T) {
	ctx := context.Background()
	c, mem := newTestCart(t)
	require.NoError(t, c.AddItem(ctx, cart.Item{Name: "Book", Quantity: 1}))

	coll, err := mem.GetOrCreate(ctx, cart.DefaultCollection)
	require.NoError(t, err)
	err = kv.Update(ctx, mem, func(tx kv.Tx) error {
		return coll.Upsert(ctx, tx, "Pen", []byte{0x0a, 0x7f})
	})
	require.NoError(t, err)

	_, err = c.GetItems(ctx)
	assert.ErrorIs(t, err, cart.ErrCorruptItem)
}

var errInjected = errors.New("injected commit failure")

// failingStore makes every commit fail after the writes were buffered.
type failingStore struct {
	kv.Store
}

func (s failingStore) Begin(ctx context.Context, writable bool) (kv.Tx, error) {
	tx, err := s.Store.Begin(ctx, writable)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx}, nil
}

type failingTx struct {
	kv.Tx
}

func (t *failingTx) Unwrap() kv.Tx { return t.Tx }

func (t *failingTx) Commit(context.Context) error {
	t.Tx.Abort()
	return fmt.Errorf("%w: %w", kv.ErrCommitFailed, errInjected)
}

func TestCart_FailedCommitLeavesCartUnchanged(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	good := cart.NewStore(mem)
	require.NoError(t, good.AddItem(ctx, cart.Item{Name: "Book", Quantity: 2}))

	bad := cart.NewStore(failingStore{Store: mem})

	err := bad.AddItem(ctx, cart.Item{Name: "Pen", Quantity: 1})
	assert.ErrorIs(t, err, cart.ErrStoreUnavailable)
	assert.ErrorIs(t, err, errInjected)

	err = bad.DeleteItem(ctx, "Book")
	assert.ErrorIs(t, err, cart.ErrStoreUnavailable)

	items, err := good.GetItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cart.Item{{Name: "Book", Quantity: 2}}, items)

	// Reads never commit, so they still work through the failing store.
	items, err = bad.GetItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

// gatedStore runs beforeCommit ahead of every commit, which lets a test
// hold transactions between their reads and their commit.
type gatedStore struct {
	kv.Store
	beforeCommit func()
}

func (s gatedStore) Begin(ctx context.Context, writable bool) (kv.Tx, error) {
	tx, err := s.Store.Begin(ctx, writable)
	if err != nil {
		return nil, err
	}
	return &gatedTx{Tx: tx, beforeCommit: s.beforeCommit}, nil
}

type gatedTx struct {
	kv.Tx
	beforeCommit func()
}

func (t *gatedTx) Unwrap() kv.Tx { return t.Tx }

func (t *gatedTx) Commit(ctx context.Context) error {
	t.beforeCommit()
	return t.Tx.Commit(ctx)
}

func TestCart_OverlappingDeletesBothSucceed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	require.NoError(t, cart.NewStore(mem).AddItem(ctx, cart.Item{Name: "Pen", Quantity: 10}))

	// Neither delete commits until both have seen Pen.
	var arrived sync.WaitGroup
	arrived.Add(2)
	c := cart.NewStore(gatedStore{Store: mem, beforeCommit: func() {
		arrived.Done()
		arrived.Wait()
	}})

	var g errgroup.Group
	for range 2 {
		g.Go(func() error { return c.DeleteItem(ctx, "Pen") })
	}
	require.NoError(t, g.Wait())

	items, err := c.GetItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCart_DeleteKeepsConcurrentAdd(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	other := cart.NewStore(mem)
	require.NoError(t, other.AddItem(ctx, cart.Item{Name: "Pen", Quantity: 1}))

	// Pen is re-added after the delete checked for it but before it commits.
	var once sync.Once
	c := cart.NewStore(gatedStore{Store: mem, beforeCommit: func() {
		once.Do(func() {
			require.NoError(t, other.AddItem(ctx, cart.Item{Name: "Pen", Quantity: 7}))
		})
	}})

	err := c.DeleteItem(ctx, "Pen")
	assert.ErrorIs(t, err, kv.ErrConflict)
	assert.ErrorIs(t, err, cart.ErrStoreUnavailable)

	items, err := other.GetItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cart.Item{{Name: "Pen", Quantity: 7}}, items)

	// Retrying sees the new Pen and removes it.
	require.NoError(t, c.DeleteItem(ctx, "Pen"))
	items, err = other.GetItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}
