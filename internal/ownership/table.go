// ABOUTME: Claim table implementing the per-conversation ownership state machine
// ABOUTME: Pick, unpick, delegate, disconnect cleanup, and auto-release timers

package ownership

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotHolder indicates the caller does not hold the claim it tried
// to release or transfer.
var ErrNotHolder = errors.New("not the claim holder")

// ErrSelfDelegate indicates a delegate call targeting the current holder.
var ErrSelfDelegate = errors.New("cannot delegate to self")

// AlreadyClaimedError indicates a pick on a conversation claimed by
// someone else. Holder names the current owner so the client can show it.
type AlreadyClaimedError struct {
	Holder string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("already claimed by %s", e.Holder)
}

// ExpireFunc is invoked from a timer goroutine when an auto-release
// deadline passes. The receiver must funnel the call through the same
// per-key serialization point as manual operations and then call
// ExpireIfCurrent with the same holder and generation; a stale fire
// (claim changed since arming) becomes a no-op there.
type ExpireFunc func(key, holder string, generation uint64)

// claim is the per-conversation ownership record. Its generation is
// drawn from the table-wide counter on every arm, so a late timer fire
// can detect staleness by comparing generations instead of relying on
// having won a Stop race. Generations never repeat, even when a claim
// is dropped and re-created under the same key.
type claim struct {
	holder     string
	generation uint64
	timer      *time.Timer
}

// Table holds every live claim. Callers serialize conversation-scoped
// operations externally (per-key lock); the internal mutex only guards
// the map itself.
type Table struct {
	mu          sync.Mutex
	claims      map[string]*claim
	gen         uint64        // monotonic arm counter, never reset
	autoRelease time.Duration // zero disables auto-release entirely
	onExpire    ExpireFunc
	logger      *slog.Logger
}

// New creates an empty claim table. A zero autoRelease duration
// disables timers; claims are then released manually only.
func New(autoRelease time.Duration, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		claims:      make(map[string]*claim),
		autoRelease: autoRelease,
		logger:      logger.With("component", "ownership"),
	}
}

// SetExpireFunc installs the timer-fire callback. Must be called
// before the first Pick.
func (t *Table) SetExpireFunc(fn ExpireFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = fn
}

// Pick claims an unclaimed conversation for identity. A re-pick by the
// current holder is a heartbeat: no state change, timer reset. A pick
// on a conversation held by someone else returns AlreadyClaimedError.
func (t *Table) Pick(key, identity string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.claims[key]
	if ok {
		if c.holder != identity {
			return &AlreadyClaimedError{Holder: c.holder}
		}
		t.armLocked(key, c)
		return nil
	}

	c = &claim{holder: identity}
	t.claims[key] = c
	t.armLocked(key, c)
	t.logger.Debug("claim granted", "key", key, "holder", identity)
	return nil
}

// Unpick releases a claim. Only the current holder may release; any
// other caller gets ErrNotHolder.
func (t *Table) Unpick(key, identity string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.claims[key]
	if !ok || c.holder != identity {
		return ErrNotHolder
	}

	t.dropLocked(key, c)
	t.logger.Debug("claim released", "key", key, "holder", identity)
	return nil
}

// Delegate transfers a claim from its holder directly to another
// identity, with no intermediate unclaimed state. The new timer is
// attributed to the target. Presence of the target is not checked
// here; delegation to an offline identity is legal.
func (t *Table) Delegate(key, from, to string) error {
	if from == to {
		return ErrSelfDelegate
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.claims[key]
	if !ok || c.holder != from {
		return ErrNotHolder
	}

	c.holder = to
	t.armLocked(key, c)
	t.logger.Debug("claim delegated", "key", key, "from", from, "to", to)
	return nil
}

// Release force-drops whatever claim exists on key (conversation
// close). Returns the former holder, if any.
func (t *Table) Release(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.claims[key]
	if !ok {
		return "", false
	}

	holder := c.holder
	t.dropLocked(key, c)
	return holder, true
}

// ReleaseIf drops the claim on key only if identity still holds it.
// Used by disconnect cleanup, which acquires the per-key lock for each
// claimed conversation and so is just another serialized operation.
func (t *Table) ReleaseIf(key, identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.claims[key]
	if !ok || c.holder != identity {
		return false
	}

	t.dropLocked(key, c)
	t.logger.Debug("claim released by cleanup", "key", key, "holder", identity)
	return true
}

// ClaimsOf returns the conversation keys currently held by identity.
func (t *Table) ClaimsOf(identity string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []string
	for key, c := range t.claims {
		if c.holder == identity {
			keys = append(keys, key)
		}
	}
	return keys
}

// Holder returns the current holder of key, if claimed.
func (t *Table) Holder(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.claims[key]
	if !ok {
		return "", false
	}
	return c.holder, true
}

// Claims returns a snapshot of all claims as key -> holder.
func (t *Table) Claims() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make(map[string]string, len(t.claims))
	for key, c := range t.claims {
		snapshot[key] = c.holder
	}
	return snapshot
}

// ExpireIfCurrent performs the timer-fire transition: the claim is
// dropped only if it is still held by the holder the timer was armed
// for AND the generation matches. A delegate or re-pick that raced the
// firing bumped the generation, making the fire a no-op.
func (t *Table) ExpireIfCurrent(key, holder string, generation uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.claims[key]
	if !ok || c.holder != holder || c.generation != generation {
		return false
	}

	t.dropLocked(key, c)
	t.logger.Info("claim auto-released", "key", key, "holder", holder)
	return true
}

// armLocked cancels any prior timer for the claim and schedules a new
// one attributed to the current holder. Must be called with mu held.
func (t *Table) armLocked(key string, c *claim) {
	t.gen++
	c.generation = t.gen
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	if t.autoRelease <= 0 || t.onExpire == nil {
		return
	}

	holder := c.holder
	generation := c.generation
	fn := t.onExpire
	c.timer = time.AfterFunc(t.autoRelease, func() {
		fn(key, holder, generation)
	})
}

// dropLocked removes a claim and cancels its timer. Must be called with mu held.
func (t *Table) dropLocked(key string, c *claim) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	delete(t.claims, key)
}
