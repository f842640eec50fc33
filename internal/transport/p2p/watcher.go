package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/pangea-net/ecdkg-node/internal/ecdkgstore"
)

// PollInterval bounds how often ConditionWatcher re-checks the store for
// an externally-set satisfaction flag.
const PollInterval = 2 * time.Second

// ConditionWatcher is a trivial poll-based watcher for an externally
// observed decryption-condition signal: an operator (or whatever system
// decides the condition is met) calls Store.MarkSatisfied out of band, and
// every waiter here picks it up on its next poll tick.
type ConditionWatcher struct {
	store *ecdkgstore.Store
}

// NewConditionWatcher returns a ConditionWatcher backed by store's
// "satisfied" bucket.
func NewConditionWatcher(store *ecdkgstore.Store) *ConditionWatcher {
	return &ConditionWatcher{store: store}
}

// WaitUntilSatisfied implements ecdkg.ConditionWatcher. Idempotent: if
// condition is already marked satisfied, it returns immediately.
func (w *ConditionWatcher) WaitUntilSatisfied(ctx context.Context, condition string) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		satisfied, err := w.store.IsSatisfied(condition)
		if err != nil {
			return fmt.Errorf("ecdkg/p2p: check satisfied %q: %w", condition, err)
		}
		if satisfied {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
