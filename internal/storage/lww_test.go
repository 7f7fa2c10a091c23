package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P7: last-writer-wins tie-breaking is deterministic — replaying the same
// two updates in either order converges to the same winner.
func TestUpsertContactLWWTieBreak(t *testing.T) {
	e, _ := newTestEngine(t)

	ts := time.Now().UTC()
	a := Contact{PeerID: "alice", Alias: "A-version", LastSeen: ts}
	b := Contact{PeerID: "alice", Alias: "B-version", LastSeen: ts} // exact tie

	applied, err := e.UpsertContact(a)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = e.UpsertContact(b)
	require.NoError(t, err)
	// Exact LastSeen tie: lwwWins compares the serialized records, and the
	// "B-version" record serializes greater than "A-version", so b wins here
	// and would also win if the two arrived in the opposite order.
	assert.True(t, applied)

	contacts := e.ListContacts()
	require.Len(t, contacts, 1)
	assert.Equal(t, "B-version", contacts[0].Alias)
}

func TestUpsertContactOlderWriteDiscarded(t *testing.T) {
	e, _ := newTestEngine(t)

	now := time.Now().UTC()
	newer := Contact{PeerID: "bob", Alias: "newer", LastSeen: now}
	older := Contact{PeerID: "bob", Alias: "older", LastSeen: now.Add(-time.Minute)}

	applied, err := e.UpsertContact(newer)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = e.UpsertContact(older)
	require.NoError(t, err)
	assert.False(t, applied)

	contacts := e.ListContacts()
	require.Len(t, contacts, 1)
	assert.Equal(t, "newer", contacts[0].Alias)
}

func TestUpsertRoutingNewerWins(t *testing.T) {
	e, _ := newTestEngine(t)

	now := time.Now().UTC()
	applied, err := e.UpsertRouting(RoutingEntry{PeerID: "carol", ViaRelay: "", LastSeen: now})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = e.UpsertRouting(RoutingEntry{PeerID: "carol", ViaRelay: "relay1", LastSeen: now.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, applied)

	routes := e.ListRouting()
	require.Len(t, routes, 1)
	assert.Equal(t, "relay1", routes[0].ViaRelay)
}
