package relay

import (
	"context"
	"sort"
	"time"

	"yapyap/internal/logging"
	"yapyap/internal/message"
	"yapyap/internal/storage"
	"yapyap/internal/transport"
	"yapyap/internal/yerrors"
)

// DefaultFanout is the default K relay peers picked per offline recipient.
const DefaultFanout = 3

// OutboxEnqueuer is the narrow capability the router needs from the outbox:
// when this node agrees to act as a relay, the carried message becomes a
// normal outbound entry targeted at its final recipient, with the original
// sender and message ID preserved rather than attributed to this relay.
type OutboxEnqueuer interface {
	Enqueue(target string, payload []byte, ttl time.Duration) (string, error)
	EnqueueCarried(messageID, from, target string, payload []byte, ttl time.Duration) (string, error)
}

// Router is the Store-and-Forward Router.
type Router struct {
	storage   *storage.Engine
	transport transport.Transport
	outbox    OutboxEnqueuer
	ring      *Ring
	fanout    int
	selfID    string
	log       logging.Logger
}

// New constructs a Router.
func New(storageEngine *storage.Engine, tr transport.Transport, outbox OutboxEnqueuer, fanout int, selfID string, log logging.Logger) *Router {
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	return &Router{
		storage:   storageEngine,
		transport: tr,
		outbox:    outbox,
		ring:      NewRing(0),
		fanout:    fanout,
		selfID:    selfID,
		log:       log,
	}
}

// ObservePeer adds peerID to the candidate ring; call this as peers connect.
func (r *Router) ObservePeer(peerID string) { r.ring.AddPeer(peerID) }

// ForgetPeer removes peerID from the candidate ring.
func (r *Router) ForgetPeer(peerID string) { r.ring.RemovePeer(peerID) }

// SelectReplicas picks up to K relay peers for a message addressed to
// target, per the 4.F selection policy: prefer trusted contacts, then
// peers with the most recent last_seen in routing, and never replicate to
// the target itself. Falls back to the consistent-hash candidate pool when
// the address book doesn't have enough preferred candidates.
func (r *Router) SelectReplicas(target string) []string {
	trusted := r.storage.ListTrustedContacts()
	routing := r.storage.ListRouting()

	preferred := make([]string, 0, len(trusted))
	trustedSet := make(map[string]bool, len(trusted))
	for _, c := range trusted {
		if c.PeerID == target {
			continue
		}
		preferred = append(preferred, c.PeerID)
		trustedSet[c.PeerID] = true
	}
	sort.Slice(preferred, func(i, j int) bool { return preferred[i] < preferred[j] })

	if len(preferred) < r.fanout {
		byRecency := make([]storage.RoutingEntry, 0, len(routing))
		for _, rt := range routing {
			if rt.PeerID == target || trustedSet[rt.PeerID] {
				continue
			}
			byRecency = append(byRecency, rt)
		}
		sort.Slice(byRecency, func(i, j int) bool { return byRecency[i].LastSeen.After(byRecency[j].LastSeen) })
		for _, rt := range byRecency {
			if len(preferred) >= r.fanout {
				break
			}
			preferred = append(preferred, rt.PeerID)
		}
	}

	if len(preferred) < r.fanout {
		for _, p := range r.ring.Candidates(target, r.fanout*2, target) {
			if len(preferred) >= r.fanout {
				break
			}
			dup := false
			for _, existing := range preferred {
				if existing == p {
					dup = true
					break
				}
			}
			if !dup {
				preferred = append(preferred, p)
			}
		}
	}

	if len(preferred) > r.fanout {
		preferred = preferred[:r.fanout]
	}
	return preferred
}

// Replicate sends env, wrapped in a store-and-forward envelope, to up to K
// relay peers selected for target, recording a ReplicaAssignment for each
// one that accepts delivery. A message is replicated at most once per
// (message_id, replica_peer_id) pair — AssignReplica is idempotent, so a
// repeated call here is a no-op at the storage layer.
func (r *Router) Replicate(ctx context.Context, env message.Envelope, target string) error {
	replicas := r.SelectReplicas(target)
	if len(replicas) == 0 {
		return yerrors.New(yerrors.KindTransient, "no relay candidates available")
	}

	var lastErr error
	delivered := 0
	for _, peer := range replicas {
		if err := r.sendTo(ctx, peer, env); err != nil {
			r.log.Debugf("relay: failed to hand %s to %s: %v", env.ID, peer, err)
			lastErr = err
			continue
		}
		if err := r.storage.AssignReplica(env.ID, peer); err != nil {
			r.log.Errorf("relay: failed to persist replica assignment for %s/%s: %v", env.ID, peer, err)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return yerrors.Wrap(yerrors.KindTransient, "no relay accepted the message", lastErr)
	}
	return nil
}

func (r *Router) sendTo(ctx context.Context, relayPeer string, carried message.Envelope) error {
	if err := r.transport.Dial(ctx, relayPeer); err != nil {
		return err
	}
	stream, err := r.transport.OpenStream(ctx, relayPeer, transport.ProtocolID)
	if err != nil {
		return err
	}
	defer stream.Close()

	env := &message.Envelope{
		ID:            newCarrierID(carried.ID, relayPeer),
		Type:          message.KindStoreAndForward,
		From:          r.selfID,
		To:            relayPeer,
		Timestamp:     time.Now().UnixMilli(),
		StoredMessage: &carried,
	}
	return message.Encode(stream, env)
}

// HandleCarried is invoked by the inbound processor when this node accepts
// a store-and-forward envelope as a relay: the carried message becomes a
// normal outbound entry targeted at its own final recipient, with the
// original sender and message ID preserved so the final recipient attributes
// the message to its originator, not to this relay.
func (r *Router) HandleCarried(ctx context.Context, carried message.Envelope) error {
	_, err := r.outbox.EnqueueCarried(carried.ID, carried.From, carried.To, carried.Payload, defaultCarriedTTL)
	if err != nil {
		return yerrors.Wrap(yerrors.KindStorage, "enqueue carried message", err)
	}
	return nil
}

// MarkDelivered records that a relay, or the final recipient's reconnection,
// confirmed the message reached its target — the originator calls this when
// it learns of delivery via a receipt or by observing the recipient return.
func (r *Router) MarkDelivered(messageID, replicaPeer string) error {
	return r.storage.MarkReplicaDelivered(messageID, replicaPeer)
}

// ListReplicas exposes replica assignments for a message, e.g. for the admin
// API's inspection surface.
func (r *Router) ListReplicas(messageID string) []storage.ReplicaAssignment {
	return r.storage.ListReplicas(messageID)
}

const defaultCarriedTTL = 7 * 24 * time.Hour

func newCarrierID(originalID, relayPeer string) string {
	return "sf-" + originalID + "-" + relayPeer
}
