package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yapyap/internal/logging"
	"yapyap/internal/message"
	"yapyap/internal/storage"
	"yapyap/internal/transport"
)

func newTestRouter(t *testing.T, net *transport.LoopNetwork, selfID string, outbox OutboxEnqueuer) (*Router, *storage.Engine, *transport.LoopTransport) {
	t.Helper()
	tr := transport.NewLoopTransport(net, selfID)
	dir := t.TempDir()
	eng, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	r := New(eng, tr, outbox, DefaultFanout, selfID, logging.NewDefault("error"))
	return r, eng, tr
}

type fakeOutboxEnqueuer struct {
	enqueued []struct {
		target  string
		payload []byte
	}
	carried []struct {
		messageID string
		from      string
		target    string
		payload   []byte
	}
}

func (f *fakeOutboxEnqueuer) Enqueue(target string, payload []byte, ttl time.Duration) (string, error) {
	f.enqueued = append(f.enqueued, struct {
		target  string
		payload []byte
	}{target, payload})
	return "queued-1", nil
}

func (f *fakeOutboxEnqueuer) EnqueueCarried(messageID, from, target string, payload []byte, ttl time.Duration) (string, error) {
	f.carried = append(f.carried, struct {
		messageID string
		from      string
		target    string
		payload   []byte
	}{messageID, from, target, payload})
	return messageID, nil
}

// TestSelectReplicasPrefersTrustedThenRecencyNeverTarget exercises the 4.F
// selection policy ordering and the never-replicate-to-target rule.
func TestSelectReplicasPrefersTrustedThenRecencyNeverTarget(t *testing.T) {
	net := transport.NewLoopNetwork()
	r, eng, _ := newTestRouter(t, net, "a", &fakeOutboxEnqueuer{})

	now := time.Now()
	upsertContact(t, eng, storage.Contact{PeerID: "trusted-1", Trusted: true, LastSeen: now})
	upsertContact(t, eng, storage.Contact{PeerID: "bob", Trusted: true, LastSeen: now})
	upsertRouting(t, eng, storage.RoutingEntry{PeerID: "recent-peer", LastSeen: now})
	upsertRouting(t, eng, storage.RoutingEntry{PeerID: "stale-peer", LastSeen: now.Add(-time.Hour)})

	replicas := r.SelectReplicas("bob")

	assert.NotContains(t, replicas, "bob", "must never replicate to the target itself")
	assert.Contains(t, replicas, "trusted-1")
	assert.LessOrEqual(t, len(replicas), DefaultFanout)
}

// TestReplicateAssignsReplicasIdempotently exercises the idempotent
// (message_id, replica_peer_id) assignment rule.
func TestReplicateAssignsReplicasIdempotently(t *testing.T) {
	net := transport.NewLoopNetwork()
	outboxB := &fakeOutboxEnqueuer{}
	_, _, trB := newTestRouter(t, net, "relay-b", outboxB)
	trB.RegisterHandler(transport.ProtocolID, func(s transport.Stream) {
		defer s.Close()
		_, _ = message.Decode(s) // relay-b just accepts silently in this test
	})

	rA, engA, _ := newTestRouter(t, net, "a", &fakeOutboxEnqueuer{})
	upsertRouting(t, engA, storage.RoutingEntry{PeerID: "relay-b", LastSeen: time.Now()})

	env := message.Envelope{ID: "m1", Type: message.KindData, From: "a", To: "carol", Payload: []byte("sealed")}

	require.NoError(t, rA.Replicate(context.Background(), env, "carol"))
	require.NoError(t, rA.Replicate(context.Background(), env, "carol"))

	assignments := engA.ListReplicas("m1")
	require.Len(t, assignments, 1, "duplicate replicate calls for the same pair must not double-assign")
	assert.Equal(t, "relay-b", assignments[0].ReplicaPeer)
}

// TestHandleCarriedEnqueuesOntoOwnOutbox exercises the relay's own role:
// accepting a carried message re-enqueues it targeted at the final
// recipient, with the original sender and message ID preserved rather than
// attributed to the relay.
func TestHandleCarriedEnqueuesOntoOwnOutbox(t *testing.T) {
	net := transport.NewLoopNetwork()
	outbox := &fakeOutboxEnqueuer{}
	r, _, _ := newTestRouter(t, net, "relay-b", outbox)

	carried := message.Envelope{ID: "m1", Type: message.KindData, From: "alice", To: "bob", Payload: []byte("sealed")}
	require.NoError(t, r.HandleCarried(context.Background(), carried))

	require.Len(t, outbox.carried, 1)
	assert.Equal(t, "m1", outbox.carried[0].messageID, "original message ID must be preserved")
	assert.Equal(t, "alice", outbox.carried[0].from, "original sender must be preserved, not the relay")
	assert.Equal(t, "bob", outbox.carried[0].target)
	assert.Equal(t, []byte("sealed"), outbox.carried[0].payload)
}

func upsertContact(t *testing.T, eng *storage.Engine, c storage.Contact) {
	t.Helper()
	applied, err := eng.UpsertContact(c)
	require.NoError(t, err)
	require.True(t, applied)
}

func upsertRouting(t *testing.T, eng *storage.Engine, r storage.RoutingEntry) {
	t.Helper()
	applied, err := eng.UpsertRouting(r)
	require.NoError(t, err)
	require.True(t, applied)
}
