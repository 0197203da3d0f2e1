package codec

import (
	"context"
	"sort"
	"sync"
	"time"

	"cipherchat/internal/domain"
	"cipherchat/pkg/metrics"
)

// Cold-start retry: a snapshot can arrive before the local keys finish
// loading. The decoder waits for the engine to come up rather than
// emitting a batch of markers it would immediately have to redo.
const (
	DefaultKeyWaitInterval = time.Second
	DefaultKeyWaitTimeout  = 30 * time.Second
)

// BatchDecoder decodes whole conversation snapshots. Messages decode
// concurrently, but the result is a single atomic slice delivered only
// after every item settles; the UI swaps the full list or keeps the
// previous one, never renders a half-decrypted mix.
type BatchDecoder struct {
	codec *Codec

	// KeyWaitInterval/KeyWaitTimeout bound the cold-start wait for the
	// active key pair; zero values use the defaults
	KeyWaitInterval time.Duration
	KeyWaitTimeout  time.Duration
}

// NewBatchDecoder creates a BatchDecoder over codec
func NewBatchDecoder(codec *Codec) *BatchDecoder {
	return &BatchDecoder{codec: codec}
}

// DecodeSnapshot decodes every message in one snapshot and returns them
// sorted by timestamp ascending. It blocks until all items resolve
// (success or definitive failure) or ctx is cancelled; on cancellation it
// returns nil so the caller keeps its last stable state.
func (b *BatchDecoder) DecodeSnapshot(ctx context.Context, msgs []domain.StoredMessage, currentUserID string) []domain.ChatMessage {
	if len(msgs) == 0 {
		return []domain.ChatMessage{}
	}

	if hasEncrypted(msgs) && !b.waitForKeys(ctx) {
		// Keys never came up; decode anyway so the batch still settles
		// deterministically (encrypted items resolve to markers)
	}

	start := time.Now()
	out := make([]domain.ChatMessage, len(msgs))

	var wg sync.WaitGroup
	for i := range msgs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = b.codec.DecodeIncoming(ctx, &msgs[i], currentUserID)
		}(i)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}

	// Server timestamps define the order; arrival order is meaningless
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	metrics.BatchDecodeDuration.Observe(time.Since(start).Seconds())
	metrics.BatchDecodeSize.Observe(float64(len(msgs)))
	return out
}

// waitForKeys polls until the engine reports an active key pair, the
// timeout lapses, or ctx is done. Returns true when keys are available.
func (b *BatchDecoder) waitForKeys(ctx context.Context) bool {
	if b.codec.engine.ActivePublicKey() != "" {
		return true
	}

	interval := b.KeyWaitInterval
	if interval <= 0 {
		interval = DefaultKeyWaitInterval
	}
	timeout := b.KeyWaitTimeout
	if timeout <= 0 {
		timeout = DefaultKeyWaitTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
			if b.codec.engine.ActivePublicKey() != "" {
				return true
			}
		}
	}
}

func hasEncrypted(msgs []domain.StoredMessage) bool {
	for i := range msgs {
		if msgs[i].IsEncrypted() {
			return true
		}
	}
	return false
}
