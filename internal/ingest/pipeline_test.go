// ABOUTME: Tests for the ingestion pipeline
// ABOUTME: Dedup idempotence, arrival ordering, and the trailing-run read rule

package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmdesk/helmdesk/internal/store"
)

func msg(id, direction string) *store.Message {
	return &store.Message{
		ID:              id,
		ConversationKey: "628123@ext.chat",
		Direction:       direction,
		Sender:          "628123@ext.chat",
		Body:            "body-" + id,
		Timestamp:       time.Now(),
	}
}

func TestIngest_DedupIdempotence(t *testing.T) {
	p := New(nil)

	m := msg("m1", store.DirectionIncoming)
	assert.Equal(t, Stored, p.Ingest("628123@ext.chat", m))
	assert.Equal(t, Duplicate, p.Ingest("628123@ext.chat", m))

	// History grew by exactly one
	assert.Len(t, p.History("628123@ext.chat"), 1)
}

func TestIngest_IncomingMarkedUnread(t *testing.T) {
	p := New(nil)

	p.Ingest("k", msg("m1", store.DirectionIncoming))
	p.Ingest("k", msg("m2", store.DirectionOutgoing))

	history := p.History("k")
	require.Len(t, history, 2)
	assert.True(t, history[0].Unread)
	assert.False(t, history[1].Unread)
}

func TestIngest_ArrivalOrderKept(t *testing.T) {
	p := New(nil)

	// Connector redelivery can produce out-of-order timestamps; storage
	// order stays arrival order.
	late := msg("m1", store.DirectionIncoming)
	late.Timestamp = time.Now().Add(time.Hour)
	early := msg("m2", store.DirectionIncoming)
	early.Timestamp = time.Now().Add(-time.Hour)

	p.Ingest("k", late)
	p.Ingest("k", early)

	history := p.History("k")
	require.Len(t, history, 2)
	assert.Equal(t, "m1", history[0].ID)
	assert.Equal(t, "m2", history[1].ID)
}

func TestMarkRead_TrailingRun(t *testing.T) {
	p := New(nil)

	p.Ingest("k", msg("m1", store.DirectionIncoming))
	p.Ingest("k", msg("m2", store.DirectionOutgoing))
	p.Ingest("k", msg("m3", store.DirectionIncoming))
	p.Ingest("k", msg("m4", store.DirectionIncoming))

	flipped := p.MarkRead("k")
	assert.ElementsMatch(t, []string{"m3", "m4"}, flipped)

	history := p.History("k")
	// m1 sits before the last outgoing message and stays unread
	assert.True(t, history[0].Unread)
	assert.False(t, history[2].Unread)
	assert.False(t, history[3].Unread)
}

func TestMarkRead_AllIncoming(t *testing.T) {
	p := New(nil)

	p.Ingest("k", msg("m1", store.DirectionIncoming))
	p.Ingest("k", msg("m2", store.DirectionIncoming))

	flipped := p.MarkRead("k")
	assert.ElementsMatch(t, []string{"m1", "m2"}, flipped)

	// Second call finds nothing left to flip
	assert.Empty(t, p.MarkRead("k"))
}

func TestMarkRead_UnknownConversation(t *testing.T) {
	p := New(nil)
	assert.Empty(t, p.MarkRead("missing"))
}

func TestStatus(t *testing.T) {
	p := New(nil)

	p.Ingest("k", msg("m1", store.DirectionIncoming))

	status, ok := p.Status("k")
	require.True(t, ok)
	assert.Equal(t, store.StatusOpen, status)

	require.NoError(t, p.SetStatus("k", store.StatusClosed))
	status, _ = p.Status("k")
	assert.Equal(t, store.StatusClosed, status)

	assert.ErrorIs(t, p.SetStatus("missing", store.StatusClosed), ErrNotFound)
}

func TestLoad_SkipsDuplicateIDs(t *testing.T) {
	p := New(nil)

	m := msg("m1", store.DirectionIncoming)
	p.Load(map[string]*store.ConversationSnapshot{
		"k": {Status: store.StatusOpen, Messages: []*store.Message{m, m}},
	})

	assert.Len(t, p.History("k"), 1)

	// Redelivery of a loaded id is still a duplicate
	assert.Equal(t, Duplicate, p.Ingest("k", msg("m1", store.DirectionIncoming)))
}

func TestSnapshot_IsACopy(t *testing.T) {
	p := New(nil)

	p.Ingest("k", msg("m1", store.DirectionIncoming))

	snap := p.Snapshot()
	require.Contains(t, snap, "k")
	snap["k"].Messages = nil

	assert.Len(t, p.History("k"), 1)
}

func TestPurge(t *testing.T) {
	p := New(nil)

	p.Ingest("a", msg("m1", store.DirectionIncoming))
	p.Ingest("b", msg("m2", store.DirectionIncoming))

	assert.True(t, p.Purge("a"))
	assert.False(t, p.Purge("a"))
	assert.False(t, p.Exists("a"))

	p.PurgeAll()
	assert.False(t, p.Exists("b"))
}
