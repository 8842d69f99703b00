// Package ratelimit implements the VLM global request limiter: workers
// share a token-bucket limiter backed by a Store counter row rather than
// an external broker, the same way the admission rate limiter avoids a
// separate key-value store.
package ratelimit

import (
	"context"
	"time"

	"github.com/threetau/kibotos/internal/store"
)

// VLMLimiter enforces a requests-per-second budget shared across all worker
// processes, using one-second windows truncated from wall-clock time.
type VLMLimiter struct {
	store           store.Store
	requestsPerSec  int
}

func NewVLMLimiter(s store.Store, requestsPerSec int) *VLMLimiter {
	return &VLMLimiter{store: s, requestsPerSec: requestsPerSec}
}

// Wait blocks until a slot is available in the current or a subsequent
// one-second window, or ctx is cancelled.
func (l *VLMLimiter) Wait(ctx context.Context) error {
	for {
		window := time.Now().UTC().Truncate(time.Second)
		ok, err := l.store.TryAcquireVLMSlot(ctx, window, l.requestsPerSec)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
