package offer

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistryUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	o := Offer{ID: 7, Owner: "GOWNER", Side: SideBuy, Status: StatusOpen, Price: decimal.RequireFromString("0.995")}

	require.NoError(t, r.Upsert(ctx, o))
	require.NoError(t, r.Upsert(ctx, o))
	assert.Equal(t, 1, r.Len())
}

func TestMemoryRegistryTransitionTwiceCanceled(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	require.NoError(t, r.Upsert(ctx, Offer{ID: 9, Owner: "GOWNER", Status: StatusOpen}))

	require.NoError(t, r.Transition(ctx, 9, StatusCanceled, nil))
	require.NoError(t, r.Transition(ctx, 9, StatusCanceled, nil))

	got, err := r.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)
	assert.Equal(t, 1, r.Len())
}

func TestMemoryRegistryTransitionUnknown(t *testing.T) {
	r := NewMemoryRegistry()
	err := r.Transition(context.Background(), 42, StatusFilled, nil)
	assert.True(t, errors.Is(err, ErrUnknownOffer))
	assert.Equal(t, 0, r.Len())
}

func TestMemoryRegistrySetGeneration(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	assert.ErrorIs(t, r.SetGeneration(ctx, 1, 2), ErrUnknownOffer)
	require.NoError(t, r.Upsert(ctx, Offer{ID: 1, Owner: "G", Status: StatusOpen}))
	require.NoError(t, r.SetGeneration(ctx, 1, 2))
	got, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Generation)
}

func TestMemoryRegistryTransitionUpdatesPrice(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	require.NoError(t, r.Upsert(ctx, Offer{ID: 1, Owner: "G", Status: StatusOpen}))
	p := decimal.RequireFromString("1.01")
	require.NoError(t, r.Transition(ctx, 1, StatusPartiallyFilled, &p))

	got, _ := r.Get(ctx, 1)
	assert.True(t, got.Price.Equal(p))
	require.NoError(t, r.Transition(ctx, 1, StatusOpen, nil))
	require.NoError(t, r.Transition(ctx, 1, StatusFilled, nil))
	assert.ErrorIs(t, r.Transition(ctx, 1, StatusOpen, nil), ErrIllegalTransition)
}

func TestMemoryRegistryFindByOwner(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	require.NoError(t, r.Upsert(ctx, Offer{ID: 1, Owner: "A"}))
	require.NoError(t, r.Upsert(ctx, Offer{ID: 2, Owner: "B"}))
	require.NoError(t, r.Upsert(ctx, Offer{ID: 3, Owner: "A"}))

	got, err := r.FindByOwner(ctx, "A")
	require.NoError(t, err)
	require.Len(t, got, 2)
	empty, err := r.FindByOwner(ctx, "C")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
