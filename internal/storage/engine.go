// Package storage is the embedded storage engine: a WAL-backed set of
// in-memory tables providing the atomic primitives every other component
// depends on (dedup, sequencing, vector clocks, the outbox, replica
// tracking, and LWW contact/routing tables).
//
// Grounded on the teacher's internal/store.Store (WAL-first writes behind
// one mutex, snapshot + replay recovery), generalized from a single
// map[string]Value to nine related tables sharing one WAL and one mutex —
// that pairing (lock the whole method, append exactly one WAL record,
// mutate memory, unlock) is what stands in for a serializable transaction,
// per invariant I4.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"yapyap/internal/message"
	"yapyap/internal/yerrors"
)

// snapshotState is what gets persisted to snapshot.json and loaded back at
// startup before the WAL tail is replayed on top of it.
type snapshotState struct {
	Processed map[string]ProcessedMarker            `json:"processed"`
	PeerSeq   map[string]uint64                     `json:"peerSeq"`
	VClock    map[string]uint64                     `json:"vclock"`
	Outbox    map[string]*OutboxEntry               `json:"outbox"`
	Replicas  map[string]map[string]*ReplicaAssignment `json:"replicas"`
	Contacts  map[string]Contact                    `json:"contacts"`
	Routing   map[string]RoutingEntry               `json:"routing"`
	Identity  *NodeIdentity                         `json:"identity"`
	Inbox     []InboxEntry                          `json:"inbox"`
}

func newSnapshotState() snapshotState {
	return snapshotState{
		Processed: make(map[string]ProcessedMarker),
		PeerSeq:   make(map[string]uint64),
		VClock:    make(map[string]uint64),
		Outbox:    make(map[string]*OutboxEntry),
		Replicas:  make(map[string]map[string]*ReplicaAssignment),
		Contacts:  make(map[string]Contact),
		Routing:   make(map[string]RoutingEntry),
		Inbox:     make([]InboxEntry, 0),
	}
}

// maxInboxEntries bounds how many received messages the inbox table retains
// in memory; older entries are dropped FIFO once the cap is hit.
const maxInboxEntries = 10_000

// Engine is the storage engine. Every exported method takes mu for its
// entire body.
type Engine struct {
	mu      sync.Mutex
	dataDir string
	wal     *wal
	state   snapshotState
}

// Open creates or reopens the storage engine rooted at dataDir: load the
// latest snapshot, open the WAL, replay anything written after that
// snapshot.
func Open(dataDir string) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, yerrors.Wrap(yerrors.KindStorage, "create data dir", err)
	}

	e := &Engine{dataDir: dataDir, state: newSnapshotState()}

	if err := e.loadSnapshot(); err != nil {
		return nil, yerrors.Wrap(yerrors.KindStorage, "load snapshot", err)
	}

	w, err := newWAL(filepath.Join(dataDir, "wal.log"))
	if err != nil {
		return nil, yerrors.Wrap(yerrors.KindStorage, "open wal", err)
	}
	e.wal = w

	if err := e.replayWAL(); err != nil {
		return nil, yerrors.Wrap(yerrors.KindStorage, "replay wal", err)
	}
	return e, nil
}

// Close releases the WAL file handle. Call during supervisor shutdown.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wal.close()
}

// ── Identity (I6) ───────────────────────────────────────────────────────

// Identity returns the node's persisted identity row, if any.
func (e *Engine) Identity() (NodeIdentity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Identity == nil {
		return NodeIdentity{}, false
	}
	return *e.state.Identity, true
}

// CreateIdentity persists the node's identity row exactly once; a second
// call with a different peer ID is rejected to uphold I6.
func (e *Engine) CreateIdentity(peerID string) (NodeIdentity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Identity != nil {
		if e.state.Identity.PeerID != peerID {
			return NodeIdentity{}, yerrors.New(yerrors.KindPermanent, "identity already established for a different peer ID")
		}
		return *e.state.Identity, nil
	}

	id := NodeIdentity{PeerID: peerID, CreatedAt: time.Now().UTC()}
	if err := e.wal.append(walEntry{Op: opIdentityCreate, Identity: &id}); err != nil {
		return NodeIdentity{}, yerrors.Wrap(yerrors.KindStorage, "persist identity", err)
	}
	e.state.Identity = &id
	return id, nil
}

// ── Inbound admission (I1, I2, I3, I4) ──────────────────────────────────

// PersistIncomingAtomically is the I4 linchpin: checks the dedup set and,
// if the message ID is new, durably records the dedup marker, the sender's
// advanced sequence high-water mark, and the sender's vector clock merge as
// a single WAL record applied to memory in the same critical section — so
// no external observer, including a process that crashes and replays the
// WAL, can ever see any subset of these three effects applied without the
// others (P4: "all present or all absent").
func (e *Engine) PersistIncomingAtomically(messageID, from string, seq uint64, incoming message.VectorClock) (duplicate bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.state.Processed[messageID]; ok {
		return true, nil
	}

	rec := admissionRecord{Marker: ProcessedMarker{MessageID: messageID, From: from, ProcessedAt: time.Now().UTC()}}

	if seq > e.state.PeerSeq[from] {
		rec.PeerSeq = &peerSeqRecord{Peer: from, Sequence: seq}
	}

	for peer, cnt := range incoming {
		if cnt > e.state.VClock[peer] {
			rec.VClock = append(rec.VClock, vclockRecord{Peer: peer, Counter: cnt})
		}
	}

	if err := e.wal.append(walEntry{Op: opAdmission, Admission: &rec}); err != nil {
		return false, yerrors.Wrap(yerrors.KindStorage, "persist admission record", err)
	}

	e.applyAdmission(rec)
	return false, nil
}

// applyAdmission mutates in-memory state from one admissionRecord, used by
// both the live write path and WAL replay so the two can never diverge.
func (e *Engine) applyAdmission(rec admissionRecord) {
	e.state.Processed[rec.Marker.MessageID] = rec.Marker
	if rec.PeerSeq != nil {
		e.state.PeerSeq[rec.PeerSeq.Peer] = rec.PeerSeq.Sequence
	}
	for _, vc := range rec.VClock {
		e.state.VClock[vc.Peer] = vc.Counter
	}
}

// IsDuplicate reports whether messageID has already been admitted, without
// mutating any state — used by callers that want to short-circuit before
// doing decrypt/decode work.
func (e *Engine) IsDuplicate(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.state.Processed[messageID]
	return ok
}

// ProcessedCount returns the number of dedup markers currently retained,
// used by the stats administrative operation.
func (e *Engine) ProcessedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.state.Processed)
}

// VectorClockSnapshot returns a copy of this node's merged vector clock.
func (e *Engine) VectorClockSnapshot() message.VectorClock {
	e.mu.Lock()
	defer e.mu.Unlock()
	vc := make(message.VectorClock, len(e.state.VClock))
	for k, v := range e.state.VClock {
		vc[k] = v
	}
	return vc
}

// PeerSequence returns the high-water sequence number observed from peer,
// advisory only (dedup is the authoritative admission control, per I2).
func (e *Engine) PeerSequence(peer string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.PeerSeq[peer]
}

// PruneProcessedMarkers deletes dedup markers older than retain. This is a
// memory/WAL-size bound, not a correctness requirement — I1 only needs
// markers to outlive the retry/TTL window of any message that could still
// be resent. The pruning writes no WAL record: it becomes durable at the
// next Snapshot, and a restart before then replays the pruned markers back.
func (e *Engine) PruneProcessedMarkers(retain time.Duration) (pruned int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-retain)
	for id, m := range e.state.Processed {
		if m.ProcessedAt.Before(cutoff) {
			delete(e.state.Processed, id)
			pruned++
		}
	}
	return pruned, nil
}

// ── Outbox (§4.E state machine storage) ─────────────────────────────────

// EnqueueOutbox records a new pending outbox entry.
func (e *Engine) EnqueueOutbox(entry OutboxEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry.State = OutboxPending
	if err := e.wal.append(walEntry{Op: opOutboxUpsert, Outbox: &entry}); err != nil {
		return yerrors.Wrap(yerrors.KindStorage, "persist outbox entry", err)
	}
	cp := entry
	e.state.Outbox[entry.MessageID] = &cp
	return nil
}

// PendingOutboxCount returns the number of entries not yet delivered or
// failed, used by the outbox to enforce the bounded-queue backpressure
// policy.
func (e *Engine) PendingOutboxCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ent := range e.state.Outbox {
		if ent.State == OutboxPending || ent.State == OutboxProcessing {
			n++
		}
	}
	return n
}

// ClaimDueEntries atomically flips every pending entry whose retry time has
// arrived (and whose TTL has not expired) to "processing" and returns
// copies of them. Holding the engine lock for the whole scan plus the state
// flips is what makes claims mutually exclusive across concurrent worker
// goroutines (P9).
func (e *Engine) ClaimDueEntries(now time.Time, limit int) ([]OutboxEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.state.Outbox))
	for id := range e.state.Outbox {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic claim order, useful for tests

	var claimed []OutboxEntry
	for _, id := range ids {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		ent := e.state.Outbox[id]
		if ent.State != OutboxPending {
			continue
		}
		if now.Before(ent.NextRetryAt) {
			continue
		}
		if !ent.ExpiresAt.IsZero() && !now.Before(ent.ExpiresAt) {
			continue // left for sweepExpired to fail out
		}

		ent.State = OutboxProcessing
		ent.ClaimedAt = now
		if err := e.wal.append(walEntry{Op: opOutboxUpsert, Outbox: ent}); err != nil {
			return nil, yerrors.Wrap(yerrors.KindStorage, "persist outbox claim", err)
		}
		claimed = append(claimed, *ent)
	}
	return claimed, nil
}

// ReclaimOrphaned resets every entry stuck in processing whose claim is
// older than staleAfter back to pending so a worker killed mid-deliver
// doesn't strand its entries until their TTL expires — spec's waker sweep
// returning orphans older than 2x ack_timeout back to pending. Returns the
// reclaimed IDs.
func (e *Engine) ReclaimOrphaned(now time.Time, staleAfter time.Duration) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var reclaimed []string
	for id, ent := range e.state.Outbox {
		if ent.State != OutboxProcessing {
			continue
		}
		if now.Sub(ent.ClaimedAt) < staleAfter {
			continue
		}
		ent.State = OutboxPending
		ent.NextRetryAt = now
		if err := e.wal.append(walEntry{Op: opOutboxUpsert, Outbox: ent}); err != nil {
			return reclaimed, yerrors.Wrap(yerrors.KindStorage, "persist outbox reclaim", err)
		}
		reclaimed = append(reclaimed, id)
	}
	return reclaimed, nil
}

// MarkDelivered transitions an entry to its terminal delivered state.
func (e *Engine) MarkDelivered(messageID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.state.Outbox[messageID]
	if !ok {
		return yerrors.New(yerrors.KindPermanent, "unknown outbox entry "+messageID)
	}
	now := time.Now().UTC()
	ent.State = OutboxDelivered
	ent.DeliveredAt = &now

	if err := e.wal.append(walEntry{Op: opOutboxUpsert, Outbox: ent}); err != nil {
		return yerrors.Wrap(yerrors.KindStorage, "persist outbox delivered", err)
	}
	return nil
}

// ScheduleRetry records a failed attempt and the computed next retry time,
// or moves the entry to its terminal failed state if attempts/TTL are
// exhausted — the caller (internal/outbox) decides which by passing
// terminal=true.
func (e *Engine) ScheduleRetry(messageID string, nextRetryAt time.Time, lastErr string, terminal bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.state.Outbox[messageID]
	if !ok {
		return yerrors.New(yerrors.KindPermanent, "unknown outbox entry "+messageID)
	}

	ent.Attempts++
	ent.LastError = lastErr
	if terminal {
		ent.State = OutboxFailed
	} else {
		ent.State = OutboxPending
		ent.NextRetryAt = nextRetryAt
	}

	if err := e.wal.append(walEntry{Op: opOutboxUpsert, Outbox: ent}); err != nil {
		return yerrors.Wrap(yerrors.KindStorage, "persist outbox retry", err)
	}
	return nil
}

// SweepExpired marks any pending/processing entry whose TTL has elapsed as
// failed, returning the IDs it swept.
func (e *Engine) SweepExpired(now time.Time) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var swept []string
	for id, ent := range e.state.Outbox {
		if ent.State != OutboxPending && ent.State != OutboxProcessing {
			continue
		}
		if ent.ExpiresAt.IsZero() || now.Before(ent.ExpiresAt) {
			continue
		}
		ent.State = OutboxFailed
		ent.LastError = "ttl expired"
		if err := e.wal.append(walEntry{Op: opOutboxUpsert, Outbox: ent}); err != nil {
			return swept, yerrors.Wrap(yerrors.KindStorage, "persist outbox expiry", err)
		}
		swept = append(swept, id)
	}
	return swept, nil
}

// GetOutboxEntry returns a copy of one outbox entry.
func (e *Engine) GetOutboxEntry(messageID string) (OutboxEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.state.Outbox[messageID]
	if !ok {
		return OutboxEntry{}, false
	}
	return *ent, true
}

// ListOutbox returns copies of every outbox entry, optionally filtered by
// state (pass "" for all).
func (e *Engine) ListOutbox(state OutboxState) []OutboxEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]OutboxEntry, 0, len(e.state.Outbox))
	for _, ent := range e.state.Outbox {
		if state == "" || ent.State == state {
			out = append(out, *ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

// ── Store-and-forward replica tracking ──────────────────────────────────

// AssignReplica records that replicaPeer is carrying messageID, idempotent
// per (messageID, replicaPeer) pair.
func (e *Engine) AssignReplica(messageID, replicaPeer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if byPeer, ok := e.state.Replicas[messageID]; ok {
		if _, exists := byPeer[replicaPeer]; exists {
			return nil
		}
	}

	assignment := ReplicaAssignment{MessageID: messageID, ReplicaPeer: replicaPeer, AssignedAt: time.Now().UTC()}
	if err := e.wal.append(walEntry{Op: opReplicaUpsert, Replica: &assignment}); err != nil {
		return yerrors.Wrap(yerrors.KindStorage, "persist replica assignment", err)
	}

	if e.state.Replicas[messageID] == nil {
		e.state.Replicas[messageID] = make(map[string]*ReplicaAssignment)
	}
	cp := assignment
	e.state.Replicas[messageID][replicaPeer] = &cp
	return nil
}

// MarkReplicaDelivered records that a relay confirmed final delivery.
func (e *Engine) MarkReplicaDelivered(messageID, replicaPeer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	byPeer, ok := e.state.Replicas[messageID]
	if !ok {
		return yerrors.New(yerrors.KindPermanent, "unknown replica assignment")
	}
	assignment, ok := byPeer[replicaPeer]
	if !ok {
		return yerrors.New(yerrors.KindPermanent, "unknown replica assignment")
	}

	now := time.Now().UTC()
	assignment.DeliveredAt = &now
	if err := e.wal.append(walEntry{Op: opReplicaUpsert, Replica: assignment}); err != nil {
		return yerrors.Wrap(yerrors.KindStorage, "persist replica delivery", err)
	}
	return nil
}

// ListReplicas returns every replica assignment tracked for messageID.
func (e *Engine) ListReplicas(messageID string) []ReplicaAssignment {
	e.mu.Lock()
	defer e.mu.Unlock()

	byPeer := e.state.Replicas[messageID]
	out := make([]ReplicaAssignment, 0, len(byPeer))
	for _, a := range byPeer {
		out = append(out, *a)
	}
	return out
}

// ── Inbox (admitted, decrypted data messages) ───────────────────────────

// RecordInbound appends one admitted message to the inbox table, backing
// the listInbox administrative operation.
func (e *Engine) RecordInbound(entry InboxEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.wal.append(walEntry{Op: opInboxRecord, Inbox: &entry}); err != nil {
		return yerrors.Wrap(yerrors.KindStorage, "persist inbox entry", err)
	}
	e.state.Inbox = append(e.state.Inbox, entry)
	if len(e.state.Inbox) > maxInboxEntries {
		e.state.Inbox = e.state.Inbox[len(e.state.Inbox)-maxInboxEntries:]
	}
	return nil
}

// ListInbox returns the most recently received messages, newest first,
// capped at limit (0 or negative means "all retained").
func (e *Engine) ListInbox(limit int) []InboxEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.state.Inbox)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]InboxEntry, n)
	for i := 0; i < n; i++ {
		out[i] = e.state.Inbox[len(e.state.Inbox)-1-i]
	}
	return out
}

// ── Contacts / routing (LWW tables) ─────────────────────────────────────

// UpsertContact applies a last-writer-wins merge keyed by LastSeen: the
// incoming record wins if its LastSeen is later than the existing one's,
// otherwise it is discarded. On an exact LastSeen tie the record whose JSON
// serialization compares greater wins (see lwwWins). The Clock field plays
// no part in the decision.
func (e *Engine) UpsertContact(incoming Contact) (applied bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.state.Contacts[incoming.PeerID]
	if ok && !lwwWins(incoming.LastSeen, incoming, existing.LastSeen, existing) {
		return false, nil
	}

	if err := e.wal.append(walEntry{Op: opContactUpsert, Contact: &incoming}); err != nil {
		return false, yerrors.Wrap(yerrors.KindStorage, "persist contact", err)
	}
	e.state.Contacts[incoming.PeerID] = incoming
	return true, nil
}

// ListTrustedContacts returns every contact marked trusted.
func (e *Engine) ListTrustedContacts() []Contact {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Contact, 0)
	for _, c := range e.state.Contacts {
		if c.Trusted {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// ListContacts returns every known contact.
func (e *Engine) ListContacts() []Contact {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Contact, 0, len(e.state.Contacts))
	for _, c := range e.state.Contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// RemoveContact deletes a contact outright (not a tombstone — contacts are
// a local address book, not a replicated dataset requiring delete
// propagation). The delete writes no WAL record: it becomes durable at the
// next Snapshot, and a restart before then replays the contact back.
func (e *Engine) RemoveContact(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.state.Contacts, peerID)
}

// UpsertRouting applies the same LWW rule as UpsertContact to the routing
// table.
func (e *Engine) UpsertRouting(incoming RoutingEntry) (applied bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.state.Routing[incoming.PeerID]
	if ok && !lwwWins(incoming.LastSeen, incoming, existing.LastSeen, existing) {
		return false, nil
	}

	if err := e.wal.append(walEntry{Op: opRoutingUpsert, Routing: &incoming}); err != nil {
		return false, yerrors.Wrap(yerrors.KindStorage, "persist routing entry", err)
	}
	e.state.Routing[incoming.PeerID] = incoming
	return true, nil
}

// ListRouting returns every known routing entry.
func (e *Engine) ListRouting() []RoutingEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RoutingEntry, 0, len(e.state.Routing))
	for _, r := range e.state.Routing {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// lwwWins reports whether (ts, value) should replace (existingTS, existing)
// under last-writer-wins with an explicit, documented tie-break: later
// timestamp wins; on an exact tie, the value whose JSON serialization is
// lexicographically greater wins. This is arbitrary but deterministic, so
// the same two writes converge to the same winner in either arrival order
// (P7).
func lwwWins(ts time.Time, value any, existingTS time.Time, existing any) bool {
	if ts.After(existingTS) {
		return true
	}
	if ts.Before(existingTS) {
		return false
	}
	a, _ := json.Marshal(value)
	b, _ := json.Marshal(existing)
	return string(a) > string(b)
}

// ── Snapshot + replay ────────────────────────────────────────────────────

// Snapshot serializes every table to snapshot.json via an atomic
// write-tmp-then-rename, then truncates the WAL — recovery after this
// point only needs to replay WAL records written after the snapshot.
func (e *Engine) Snapshot() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := snapshotState{
		Processed: cloneMarkers(e.state.Processed),
		PeerSeq:   cloneU64(e.state.PeerSeq),
		VClock:    cloneU64(e.state.VClock),
		Outbox:    cloneOutbox(e.state.Outbox),
		Replicas:  cloneReplicas(e.state.Replicas),
		Contacts:  cloneContacts(e.state.Contacts),
		Routing:   cloneRouting(e.state.Routing),
		Identity:  e.state.Identity,
		Inbox:     cloneInbox(e.state.Inbox),
	}

	path := filepath.Join(e.dataDir, "snapshot.json")
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return yerrors.Wrap(yerrors.KindStorage, "create snapshot tmp file", err)
	}
	if err := json.NewEncoder(f).Encode(cp); err != nil {
		f.Close()
		return yerrors.Wrap(yerrors.KindStorage, "encode snapshot", err)
	}
	if err := f.Close(); err != nil {
		return yerrors.Wrap(yerrors.KindStorage, "close snapshot tmp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return yerrors.Wrap(yerrors.KindStorage, "rename snapshot", err)
	}

	return e.wal.truncate()
}

func (e *Engine) loadSnapshot() error {
	path := filepath.Join(e.dataDir, "snapshot.json")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var s snapshotState
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return err
	}
	if s.Processed != nil {
		e.state = s
	}
	return nil
}

func (e *Engine) replayWAL() error {
	entries, err := e.wal.readAll()
	if err != nil {
		return err
	}
	for _, ent := range entries {
		switch ent.Op {
		case opAdmission:
			e.applyAdmission(*ent.Admission)
		case opOutboxUpsert:
			e.state.Outbox[ent.Outbox.MessageID] = ent.Outbox
		case opReplicaUpsert:
			if e.state.Replicas[ent.Replica.MessageID] == nil {
				e.state.Replicas[ent.Replica.MessageID] = make(map[string]*ReplicaAssignment)
			}
			e.state.Replicas[ent.Replica.MessageID][ent.Replica.ReplicaPeer] = ent.Replica
		case opContactUpsert:
			e.state.Contacts[ent.Contact.PeerID] = *ent.Contact
		case opRoutingUpsert:
			e.state.Routing[ent.Routing.PeerID] = *ent.Routing
		case opIdentityCreate:
			e.state.Identity = ent.Identity
		case opInboxRecord:
			e.state.Inbox = append(e.state.Inbox, *ent.Inbox)
			if len(e.state.Inbox) > maxInboxEntries {
				e.state.Inbox = e.state.Inbox[len(e.state.Inbox)-maxInboxEntries:]
			}
		}
	}
	return nil
}

func cloneInbox(s []InboxEntry) []InboxEntry {
	out := make([]InboxEntry, len(s))
	copy(out, s)
	return out
}

func cloneMarkers(m map[string]ProcessedMarker) map[string]ProcessedMarker {
	out := make(map[string]ProcessedMarker, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneU64(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneOutbox(m map[string]*OutboxEntry) map[string]*OutboxEntry {
	out := make(map[string]*OutboxEntry, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func cloneReplicas(m map[string]map[string]*ReplicaAssignment) map[string]map[string]*ReplicaAssignment {
	out := make(map[string]map[string]*ReplicaAssignment, len(m))
	for k, byPeer := range m {
		inner := make(map[string]*ReplicaAssignment, len(byPeer))
		for p, a := range byPeer {
			cp := *a
			inner[p] = &cp
		}
		out[k] = inner
	}
	return out
}

func cloneContacts(m map[string]Contact) map[string]Contact {
	out := make(map[string]Contact, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRouting(m map[string]RoutingEntry) map[string]RoutingEntry {
	out := make(map[string]RoutingEntry, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
