// Package inbound implements the stream handler that admits messages
// arriving over the transport: decode, dedup/sequence/vector-clock
// admission, decrypt-and-emit or relay re-enqueue, then ACK/NAK.
//
// Grounded on goop2's mq.Manager.handleIncoming (decode → immediate ack on
// the same connection → dispatch to subscribers) and go-mcast's
// core.Peer.process (decode → admit → re-emit), adapted to spec's fixed
// six-step contract and its ACK-over-a-new-stream wire rule.
package inbound

import (
	"context"
	"time"

	"yapyap/internal/cryptosession"
	"yapyap/internal/eventbus"
	"yapyap/internal/logging"
	"yapyap/internal/message"
	"yapyap/internal/storage"
	"yapyap/internal/transport"
)

// RelayReceiver is the narrow capability the processor needs from the
// store-and-forward router: re-enqueue a carried message into our own
// outbox when we are acting as a relay for it.
type RelayReceiver interface {
	HandleCarried(ctx context.Context, env message.Envelope) error
}

// OutboxCorrelator is the narrow capability the processor needs from the
// outbox scheduler: match an inbound ACK/NAK to the outbox entry it
// resolves.
type OutboxCorrelator interface {
	Correlate(originalMessageID string, ackID string, nak bool, reason string)
}

// Processor admits inbound streams.
type Processor struct {
	storage   *storage.Engine
	session   *cryptosession.SessionKey
	transport transport.Transport
	relay     RelayReceiver
	outbox    OutboxCorrelator
	bus       *eventbus.Bus
	selfID    string
	log       logging.Logger

	ackTimeout time.Duration
}

// New constructs a Processor.
func New(storageEngine *storage.Engine, session *cryptosession.SessionKey, tr transport.Transport, relay RelayReceiver, outbox OutboxCorrelator, bus *eventbus.Bus, selfID string, log logging.Logger) *Processor {
	return &Processor{
		storage:    storageEngine,
		session:    session,
		transport:  tr,
		relay:      relay,
		outbox:     outbox,
		bus:        bus,
		selfID:     selfID,
		log:        log,
		ackTimeout: 5 * time.Second,
	}
}

// Register installs this processor as the stream handler for the YapYap
// protocol.
func (p *Processor) Register() {
	p.transport.RegisterHandler(transport.ProtocolID, p.HandleStream)
}

// HandleStream implements the six-step inbound contract for one stream.
func (p *Processor) HandleStream(s transport.Stream) {
	defer s.Close()

	env, err := message.Decode(s)
	if err != nil {
		// No reliable ID to NAK against — the sender will time out waiting
		// for an ACK and retry per its own backoff schedule.
		p.log.Warnf("inbound: failed to decode envelope from %s: %v", s.RemotePeer(), err)
		return
	}

	switch env.Type {
	case message.KindAck:
		p.outbox.Correlate(env.OriginalMessageID, env.ID, false, "")
		return
	case message.KindNak:
		p.outbox.Correlate(env.OriginalMessageID, env.ID, true, env.Reason)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.ackTimeout)
	defer cancel()

	seq := uint64(0)
	if env.SequenceNumber != nil {
		seq = *env.SequenceNumber
	}

	duplicate, err := p.storage.PersistIncomingAtomically(env.ID, env.From, seq, env.VectorClock)
	if err != nil {
		p.log.Errorf("inbound: storage fault admitting %s: %v", env.ID, err)
		return // do not ACK — sender must retry
	}
	if duplicate {
		p.sendAck(ctx, env)
		return
	}

	switch env.Type {
	case message.KindData:
		p.handleData(ctx, env)
	case message.KindStoreAndForward:
		p.handleStoreAndForward(ctx, env)
	default:
		p.sendNak(ctx, env, message.ReasonMalformed)
	}
}

func (p *Processor) handleData(ctx context.Context, env *message.Envelope) {
	plaintext, err := cryptosession.Open(p.session, env.Payload)
	if err != nil {
		p.log.Warnf("inbound: decrypt failed for %s from %s: %v", env.ID, env.From, err)
		p.sendNak(ctx, env, message.ReasonDecryptFailed)
		return
	}

	if err := p.storage.RecordInbound(storage.InboxEntry{
		MessageID:  env.ID,
		From:       env.From,
		ReceivedAt: time.Now().UTC(),
		Payload:    plaintext,
	}); err != nil {
		p.log.Errorf("inbound: failed to persist inbox entry for %s: %v", env.ID, err)
	}

	p.bus.EmitMessageReceived(env.From, env.To, plaintext)
	p.sendAck(ctx, env)
}

func (p *Processor) handleStoreAndForward(ctx context.Context, env *message.Envelope) {
	if env.StoredMessage == nil {
		p.sendNak(ctx, env, message.ReasonMalformed)
		return
	}
	if err := p.relay.HandleCarried(ctx, *env.StoredMessage); err != nil {
		p.log.Errorf("inbound: failed to accept relayed message %s: %v", env.StoredMessage.ID, err)
		p.sendNak(ctx, env, message.ReasonStorageFault)
		return
	}
	p.sendAck(ctx, env)
}

func (p *Processor) sendAck(ctx context.Context, env *message.Envelope) {
	p.reply(ctx, env, message.KindAck, "")
}

func (p *Processor) sendNak(ctx context.Context, env *message.Envelope, reason string) {
	p.reply(ctx, env, message.KindNak, reason)
}

// reply opens a fresh stream back to the sender to deliver the ACK/NAK —
// spec's wire contract fixes this as a new stream rather than writing back
// on the inbound one, so a slow/blocked reverse path on the same stream
// can never wedge the sender's read.
func (p *Processor) reply(ctx context.Context, env *message.Envelope, kind message.Kind, reason string) {
	stream, err := p.transport.OpenStream(ctx, env.From, transport.ProtocolID)
	if err != nil {
		p.log.Warnf("inbound: failed to open reply stream to %s: %v", env.From, err)
		return
	}
	defer stream.Close()

	reply := &message.Envelope{
		ID:                newReplyID(env.ID, kind),
		Type:              kind,
		From:              p.selfID,
		To:                env.From,
		Timestamp:         time.Now().UnixMilli(),
		OriginalMessageID: env.ID,
		Reason:            reason,
	}
	if err := message.Encode(stream, reply); err != nil {
		p.log.Warnf("inbound: failed to send %s for %s: %v", kind, env.ID, err)
	}
}

func newReplyID(originalID string, kind message.Kind) string {
	return string(kind) + "-" + originalID
}
