// ABOUTME: Tests for the presence registry
// ABOUTME: Validates single-session enforcement, idempotent unregister, and snapshots

package presence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_SecondSessionRejected(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("alice", "token-x"))

	// Same identity, different token
	err := r.Register("alice", "token-y")
	assert.ErrorIs(t, err, ErrAlreadyOnline)

	// Original binding untouched
	token, ok := r.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, "token-x", token)
}

func TestRegister_SameTokenIsNoop(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("alice", "token-x"))
	assert.NoError(t, r.Register("alice", "token-x"))
	assert.Len(t, r.Online(), 1)
}

func TestUnregister_Idempotent(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("alice", "token-x"))

	identity, ok := r.Unregister("token-x")
	require.True(t, ok)
	assert.Equal(t, "alice", identity)

	// Second unregister of the same token is a no-op
	_, ok = r.Unregister("token-x")
	assert.False(t, ok)

	// Unknown token is a no-op
	_, ok = r.Unregister("never-registered")
	assert.False(t, ok)
}

func TestRegister_AfterUnregister(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("alice", "token-x"))
	_, ok := r.Unregister("token-x")
	require.True(t, ok)

	// A fresh session may now bind
	assert.NoError(t, r.Register("alice", "token-y"))
}

func TestOnline_Snapshot(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("alice", "t1"))
	require.NoError(t, r.Register("bob", "t2"))

	online := r.Online()
	assert.ElementsMatch(t, []string{"alice", "bob"}, online)

	assert.True(t, r.IsOnline("alice"))
	assert.False(t, r.IsOnline("carol"))
}

func TestRegistry_Concurrency(t *testing.T) {
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			token := string(rune('a' + n%26))
			_ = r.Register("agent-"+token, "token-"+token)
			r.IsOnline("agent-" + token)
			_, _ = r.Unregister("token-" + token)
		}(i)
	}
	wg.Wait()
}
