package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestFlow(kv KV, maxSlots int, rateEnabled bool, rateDefault int) *flow {
	return newFlow(kv, maxSlots, rateEnabled, rateDefault, zap.NewNop().Sugar())
}

func TestAcquireSlotLimit(t *testing.T) {
	ctx := context.Background()
	f := newTestFlow(NewMemoryKV(), 2, false, 0)

	rel1, err := f.AcquireSlot(ctx, "c1", 0)
	require.NoError(t, err)
	rel2, err := f.AcquireSlot(ctx, "c1", 0)
	require.NoError(t, err)

	_, err = f.AcquireSlot(ctx, "c1", 0)
	require.Error(t, err)
	require.Equal(t, ConcurrencyExceeded, AsError(err).Kind)

	// Another client has its own slots.
	relOther, err := f.AcquireSlot(ctx, "c2", 0)
	require.NoError(t, err)
	relOther()

	rel1()
	rel3, err := f.AcquireSlot(ctx, "c1", 0)
	require.NoError(t, err)

	rel2()
	rel3()
}

func TestAcquireSlotReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newTestFlow(NewMemoryKV(), 1, false, 0)

	rel, err := f.AcquireSlot(ctx, "c1", 0)
	require.NoError(t, err)
	rel()
	rel()
	rel()

	// Double release must not have freed a phantom second slot.
	rel, err = f.AcquireSlot(ctx, "c1", 0)
	require.NoError(t, err)
	_, err = f.AcquireSlot(ctx, "c1", 0)
	require.Error(t, err)
	rel()
}

func TestAcquireSlotClientOverride(t *testing.T) {
	ctx := context.Background()
	f := newTestFlow(NewMemoryKV(), 10, false, 0)

	rel, err := f.AcquireSlot(ctx, "c1", 1)
	require.NoError(t, err)
	defer rel()

	_, err = f.AcquireSlot(ctx, "c1", 1)
	require.Error(t, err)
	require.Equal(t, ConcurrencyExceeded, AsError(err).Kind)
}

func TestAcquireSlotDisabled(t *testing.T) {
	ctx := context.Background()
	f := newTestFlow(NewMemoryKV(), 0, false, 0)

	for i := 0; i < 50; i++ {
		rel, err := f.AcquireSlot(ctx, "c1", 0)
		require.NoError(t, err)
		defer rel()
	}
}

func TestCheckRatePrecedence(t *testing.T) {
	ctx := context.Background()

	t.Run("endpoint limit wins", func(t *testing.T) {
		f := newTestFlow(NewMemoryKV(), 0, true, 100)

		require.NoError(t, f.CheckRate(ctx, "ep1", "c1", 1, 100))
		err := f.CheckRate(ctx, "ep1", "c1", 1, 100)
		require.Error(t, err)
		require.Equal(t, RateLimited, AsError(err).Kind)

		// Endpoint windows are per endpoint per client.
		require.NoError(t, f.CheckRate(ctx, "ep2", "c1", 1, 100))
		require.NoError(t, f.CheckRate(ctx, "ep1", "c2", 1, 100))
	})

	t.Run("client limit next", func(t *testing.T) {
		f := newTestFlow(NewMemoryKV(), 0, true, 100)

		require.NoError(t, f.CheckRate(ctx, "ep1", "c1", 0, 1))
		// The client window spans endpoints.
		err := f.CheckRate(ctx, "ep2", "c1", 0, 1)
		require.Error(t, err)
		require.Equal(t, RateLimited, AsError(err).Kind)
	})

	t.Run("global default last", func(t *testing.T) {
		f := newTestFlow(NewMemoryKV(), 0, true, 1)

		require.NoError(t, f.CheckRate(ctx, "ep1", "c1", 0, 0))
		err := f.CheckRate(ctx, "ep1", "c1", 0, 0)
		require.Error(t, err)
	})

	t.Run("disabled global", func(t *testing.T) {
		f := newTestFlow(NewMemoryKV(), 0, false, 1)

		for i := 0; i < 10; i++ {
			require.NoError(t, f.CheckRate(ctx, "ep1", "c1", 0, 0))
		}
	})
}

// brokenKV fails every operation; flow control must admit.
type brokenKV struct{}

var errKVDown = errors.New("kv down")

func (brokenKV) Get(context.Context, string) (string, bool, error) { return "", false, errKVDown }
func (brokenKV) Set(context.Context, string, string, time.Duration) error {
	return errKVDown
}
func (brokenKV) Delete(context.Context, string) error          { return errKVDown }
func (brokenKV) Exists(context.Context, string) (bool, error)  { return false, errKVDown }
func (brokenKV) IncrBy(context.Context, string, int64) (int64, error) {
	return 0, errKVDown
}
func (brokenKV) SlotIncr(context.Context, string, time.Duration) (int64, error) {
	return 0, errKVDown
}
func (brokenKV) SlotDecr(context.Context, string) error { return errKVDown }
func (brokenKV) RateTake(context.Context, string, int, time.Duration) (bool, error) {
	return false, errKVDown
}
func (brokenKV) Close() error { return nil }

func TestFlowFailsOpenOnKVErrors(t *testing.T) {
	ctx := context.Background()
	f := newTestFlow(brokenKV{}, 1, true, 1)

	for i := 0; i < 5; i++ {
		rel, err := f.AcquireSlot(ctx, "c1", 0)
		require.NoError(t, err)
		rel()
		require.NoError(t, f.CheckRate(ctx, "ep1", "c1", 1, 0))
	}
}
