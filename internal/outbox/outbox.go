// Package outbox drives the pending → processing → delivered/failed state
// machine for outbound messages: a small worker pool claims due entries,
// attempts direct delivery, reschedules each failed attempt with exponential
// backoff, and hands the message to the store-and-forward router once direct
// delivery has used up its attempts.
//
// Grounded on the teacher's cluster.Replicator.sendReplicateRequest (retry
// loop around a network call) and Node.executeWriteQuorum (fan-out with a
// result channel), regeneralized from "replicate to N HTTP peers" into
// "drive one entry through the delivery state machine," using
// github.com/jpillora/backoff for the retry schedule instead of the
// teacher's hand-rolled math.Pow loop — the same library
// myelnet-go-hop-exchange's replication code reaches for.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"yapyap/internal/eventbus"
	"yapyap/internal/logging"
	"yapyap/internal/message"
	"yapyap/internal/storage"
	"yapyap/internal/transport"
	"yapyap/internal/yerrors"
)

// RelayRouter is the narrow capability the outbox needs from the store-and-
// forward router when direct delivery is not possible.
type RelayRouter interface {
	Replicate(ctx context.Context, env message.Envelope, target string) error
}

// Config tunes the scheduler.
type Config struct {
	Workers          int
	AckTimeout       time.Duration
	MaxAttempts      int
	RetryBase        time.Duration
	RetryCap         time.Duration
	MaxOutboxPending int
}

// DefaultConfig mirrors the documented defaults in the resource model.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		AckTimeout:       30 * time.Second,
		MaxAttempts:      8,
		RetryBase:        2 * time.Second,
		RetryCap:         5 * time.Minute,
		MaxOutboxPending: 10_000,
	}
}

type ackResult struct {
	nak    bool
	reason string
}

// Outbox owns the retry scheduler.
type Outbox struct {
	cfg       Config
	storage   *storage.Engine
	transport transport.Transport
	relay     RelayRouter
	bus       *eventbus.Bus
	selfID    string
	log       logging.Logger

	mu      sync.Mutex
	pending map[string]chan ackResult

	wake chan struct{}
}

// ErrOutboxFull is returned by Enqueue when the backpressure limit is hit.
var ErrOutboxFull = fmt.Errorf("outbox: pending queue is full")

// New constructs an Outbox.
func New(cfg Config, storageEngine *storage.Engine, tr transport.Transport, relay RelayRouter, bus *eventbus.Bus, selfID string, log logging.Logger) *Outbox {
	return &Outbox{
		cfg:       cfg,
		storage:   storageEngine,
		transport: tr,
		relay:     relay,
		bus:       bus,
		selfID:    selfID,
		log:       log,
		pending:   make(map[string]chan ackResult),
		wake:      make(chan struct{}, 1),
	}
}

// SetRelay wires the store-and-forward router after construction, breaking
// the circular dependency between the two (the router's own outbox
// re-enqueue path needs an *Outbox, which needs the router for its
// exhausted-retry fallback). Call before Run.
func (o *Outbox) SetRelay(relay RelayRouter) {
	o.relay = relay
}

// Enqueue records a new message for delivery to target, enforcing the
// bounded-queue backpressure policy.
func (o *Outbox) Enqueue(target string, payload []byte, ttl time.Duration) (string, error) {
	if o.storage.PendingOutboxCount() >= o.cfg.MaxOutboxPending {
		return "", ErrOutboxFull
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	entry := storage.OutboxEntry{
		MessageID:   id,
		Target:      target,
		From:        o.selfID,
		Payload:     payload,
		CreatedAt:   now,
		NextRetryAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := o.storage.EnqueueOutbox(entry); err != nil {
		return "", err
	}
	o.nudge()
	return id, nil
}

// EnqueueCarried re-enqueues a store-and-forward carried message on this
// relay's own outbox on behalf of its original sender: unlike Enqueue, it
// keeps the carried message's original messageID and From rather than
// minting a fresh one, so the final recipient's inbox record, dedup marker,
// and per-sender sequence all attribute the message to its originator
// instead of to this relay. Idempotent per messageID — re-delivering the
// same carried message twice (e.g. from two different relays racing) is a
// no-op the second time.
func (o *Outbox) EnqueueCarried(messageID, from, target string, payload []byte, ttl time.Duration) (string, error) {
	if _, ok := o.storage.GetOutboxEntry(messageID); ok {
		return messageID, nil
	}
	if o.storage.PendingOutboxCount() >= o.cfg.MaxOutboxPending {
		return "", ErrOutboxFull
	}

	now := time.Now().UTC()
	entry := storage.OutboxEntry{
		MessageID:   messageID,
		Target:      target,
		From:        from,
		Payload:     payload,
		CreatedAt:   now,
		NextRetryAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := o.storage.EnqueueOutbox(entry); err != nil {
		return "", err
	}
	o.nudge()
	return messageID, nil
}

// Correlate resolves a pending delivery when the inbound processor observes
// an ACK or NAK whose originalMessageID matches an outstanding send.
func (o *Outbox) Correlate(originalMessageID, ackID string, nak bool, reason string) {
	o.mu.Lock()
	ch, ok := o.pending[originalMessageID]
	o.mu.Unlock()
	if !ok {
		return // late or duplicate ack/nak for an entry we've already resolved
	}
	select {
	case ch <- ackResult{nak: nak, reason: reason}:
	default:
	}
}

// Run starts the worker pool and the sweeper loop; it blocks until ctx is
// cancelled.
func (o *Outbox) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.workerLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.sweeperLoop(ctx)
	}()

	wg.Wait()
}

func (o *Outbox) nudge() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Outbox) workerLoop(ctx context.Context) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-timer.C:
		}

		processed := o.drainDue(ctx)
		if processed == 0 {
			timer.Reset(time.Second)
		} else {
			timer.Reset(10 * time.Millisecond) // more work was likely claimed by a sibling worker
		}
	}
}

// drainDue claims whatever due entries are available and attempts delivery
// for each, returning how many it handled.
func (o *Outbox) drainDue(ctx context.Context) int {
	claimed, err := o.storage.ClaimDueEntries(time.Now(), 16)
	if err != nil {
		o.log.Errorf("outbox: claim failed: %v", err)
		return 0
	}
	for _, entry := range claimed {
		o.deliver(ctx, entry)
	}
	return len(claimed)
}

func (o *Outbox) deliver(ctx context.Context, entry storage.OutboxEntry) {
	ch := make(chan ackResult, 1)
	o.mu.Lock()
	o.pending[entry.MessageID] = ch
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.pending, entry.MessageID)
		o.mu.Unlock()
	}()

	env := &message.Envelope{
		ID:        entry.MessageID,
		Type:      message.KindData,
		From:      o.envelopeFrom(entry),
		To:        entry.Target,
		Timestamp: time.Now().UnixMilli(),
		Payload:   entry.Payload,
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.AckTimeout)
	defer cancel()

	if err := o.attemptSend(sendCtx, entry.Target, env); err != nil {
		o.handleSendFailure(ctx, entry, err)
		return
	}

	select {
	case res := <-ch:
		if res.nak {
			o.handleNak(ctx, entry, res.reason)
		} else {
			o.markDelivered(entry)
		}
	case <-sendCtx.Done():
		o.handleSendFailure(ctx, entry, yerrors.New(yerrors.KindTransient, "ack timeout"))
	}
}

func (o *Outbox) attemptSend(ctx context.Context, target string, env *message.Envelope) error {
	if err := o.transport.Dial(ctx, target); err != nil {
		return yerrors.Wrap(yerrors.KindTransient, "dial failed", err)
	}
	stream, err := o.transport.OpenStream(ctx, target, transport.ProtocolID)
	if err != nil {
		return yerrors.Wrap(yerrors.KindTransient, "open stream failed", err)
	}
	defer stream.Close()

	if err := message.Encode(stream, env); err != nil {
		return yerrors.Wrap(yerrors.KindTransient, "send failed", err)
	}
	return nil
}

func (o *Outbox) markDelivered(entry storage.OutboxEntry) {
	if err := o.storage.MarkDelivered(entry.MessageID); err != nil {
		o.log.Errorf("outbox: failed to persist delivery of %s: %v", entry.MessageID, err)
		return
	}
	o.bus.EmitOutboxUpdated(entry.MessageID, string(storage.OutboxDelivered))
}

func (o *Outbox) handleNak(ctx context.Context, entry storage.OutboxEntry, reason string) {
	// A storage-fault NAK means the recipient could not durably accept the
	// message right now, so it is retried like a failed send.
	if reason == message.ReasonStorageFault {
		o.handleSendFailure(ctx, entry, yerrors.New(yerrors.KindTransient, "nak: "+reason))
		return
	}
	// Any other NAK means the recipient processed and explicitly rejected
	// the message (oversize/decrypt-failed/malformed) — retrying verbatim
	// would fail identically, so this is terminal.
	if err := o.storage.ScheduleRetry(entry.MessageID, time.Time{}, "nak: "+reason, true); err != nil {
		o.log.Errorf("outbox: failed to persist nak for %s: %v", entry.MessageID, err)
		return
	}
	o.bus.EmitOutboxUpdated(entry.MessageID, string(storage.OutboxFailed))
}

func (o *Outbox) handleSendFailure(ctx context.Context, entry storage.OutboxEntry, sendErr error) {
	attempts := entry.Attempts + 1
	terminal := attempts >= o.cfg.MaxAttempts

	// Only hand off to the store-and-forward router once direct delivery
	// has exhausted max_attempts — not on every intermediate retry.
	if terminal {
		o.tryRelayFallback(ctx, entry)
	}

	next := o.nextRetryAt(attempts)
	if err := o.storage.ScheduleRetry(entry.MessageID, next, sendErr.Error(), terminal); err != nil {
		o.log.Errorf("outbox: failed to persist retry for %s: %v", entry.MessageID, err)
		return
	}

	state := storage.OutboxPending
	if terminal {
		state = storage.OutboxFailed
	}
	o.bus.EmitOutboxUpdated(entry.MessageID, string(state))
}

// tryRelayFallback hands a direct-delivery-exhausted entry to the store-and-
// forward router: a best-effort replication to relay peers so the message
// can still reach its target after this entry itself terminates as failed.
func (o *Outbox) tryRelayFallback(ctx context.Context, entry storage.OutboxEntry) {
	if o.relay == nil {
		return
	}
	env := message.Envelope{
		ID: entry.MessageID, Type: message.KindData, From: o.envelopeFrom(entry), To: entry.Target,
		Timestamp: time.Now().UnixMilli(), Payload: entry.Payload,
	}
	if err := o.relay.Replicate(ctx, env, entry.Target); err != nil {
		o.log.Debugf("outbox: relay fallback for %s did not complete: %v", entry.MessageID, err)
	}
}

// envelopeFrom returns the sender to stamp on entry's outgoing envelope: the
// entry's own From when set (a relay carrying a message on an originator's
// behalf), falling back to this node's own identity otherwise.
func (o *Outbox) envelopeFrom(entry storage.OutboxEntry) string {
	if entry.From != "" {
		return entry.From
	}
	return o.selfID
}

// nextRetryAt computes the next attempt time using exponential backoff with
// jitter: attempt is 1 for the first failure, which backs off by exactly
// RetryBase (2^0), not RetryBase*2 — ForAttempt(0) is that base case, hence
// attempt-1 below. For later attempts the jitter picks a delay uniformly
// between RetryBase and RetryBase·2^(n-1), capped at RetryCap; it is not a
// symmetric ±20% band around the exponential value, so a delay can be as
// short as RetryBase at any attempt.
func (o *Outbox) nextRetryAt(attempt int) time.Time {
	b := &backoff.Backoff{
		Min:    o.cfg.RetryBase,
		Max:    o.cfg.RetryCap,
		Factor: 2,
		Jitter: true,
	}
	delay := b.ForAttempt(float64(attempt - 1))
	return time.Now().Add(delay)
}

func (o *Outbox) sweeperLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := o.storage.SweepExpired(time.Now())
			if err != nil {
				o.log.Errorf("outbox: sweep failed: %v", err)
				continue
			}
			for _, id := range swept {
				o.bus.EmitOutboxUpdated(id, string(storage.OutboxFailed))
			}

			reclaimed, err := o.storage.ReclaimOrphaned(time.Now(), 2*o.cfg.AckTimeout)
			if err != nil {
				o.log.Errorf("outbox: reclaim failed: %v", err)
				continue
			}
			for _, id := range reclaimed {
				o.log.Warnf("outbox: reclaimed orphaned entry %s stuck in processing", id)
				o.bus.EmitOutboxUpdated(id, string(storage.OutboxPending))
			}
			if len(reclaimed) > 0 {
				o.nudge()
			}
		}
	}
}
