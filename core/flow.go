package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	slotTTL    = 5 * time.Minute
	rateWindow = time.Minute
)

// flow implements admission control: per-client concurrency slots and
// the sliding-window rate limiter, both on the shared KV. KV failures
// admit the request with a warning.
type flow struct {
	kv          KV
	log         *zap.SugaredLogger
	maxSlots    int // global per-client slot limit, 0 disables
	rateEnabled bool
	rateDefault int
}

func newFlow(kv KV, maxSlots int, rateEnabled bool, rateDefault int, log *zap.SugaredLogger) *flow {
	return &flow{kv: kv, log: log, maxSlots: maxSlots, rateEnabled: rateEnabled, rateDefault: rateDefault}
}

var releaseNop = func() {}

// AcquireSlot claims a concurrency slot for a client key. The
// returned release is idempotent and must run on every exit path.
func (f *flow) AcquireSlot(ctx context.Context, clientKey string, clientMax int) (func(), error) {
	limit := f.maxSlots
	if clientMax > 0 {
		limit = clientMax
	}
	if limit <= 0 {
		return releaseNop, nil
	}

	key := "slot:" + clientKey
	n, err := f.kv.SlotIncr(ctx, key, slotTTL)
	if err != nil {
		f.log.Warnw("slot check failed, admitting", "client", clientKey, "error", err)
		return releaseNop, nil
	}

	if n > int64(limit) {
		if err := f.kv.SlotDecr(ctx, key); err != nil {
			f.log.Warnw("slot release after deny", "client", clientKey, "error", err)
		}
		return releaseNop, newError(ConcurrencyExceeded, "too many concurrent requests")
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := f.kv.SlotDecr(context.Background(), key); err != nil {
				f.log.Warnw("slot release", "client", clientKey, "error", err)
			}
		})
	}
	return release, nil
}

// CheckRate applies the sliding 60s window. Precedence: endpoint
// limit, then client limit, then the global default when enabled. A
// denied request consumes no window token.
func (f *flow) CheckRate(ctx context.Context, endpointID, clientKey string, endpointLimit, clientLimit int) error {
	var key string
	var limit int

	switch {
	case endpointLimit > 0:
		key = "rate:api:" + endpointID + ":" + clientKey
		limit = endpointLimit
	case clientLimit > 0:
		key = "rate:client:" + clientKey
		limit = clientLimit
	case f.rateEnabled && f.rateDefault > 0:
		key = "rate:client:" + clientKey
		limit = f.rateDefault
	default:
		return nil
	}

	ok, err := f.kv.RateTake(ctx, key, limit, rateWindow)
	if err != nil {
		f.log.Warnw("rate check failed, admitting", "client", clientKey, "error", err)
		return nil
	}
	if !ok {
		return newError(RateLimited, "Too Many Requests")
	}
	return nil
}
