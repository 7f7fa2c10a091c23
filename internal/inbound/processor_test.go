package inbound

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yapyap/internal/cryptosession"
	"yapyap/internal/eventbus"
	"yapyap/internal/logging"
	"yapyap/internal/message"
	"yapyap/internal/storage"
	"yapyap/internal/transport"
)

type fakeRelay struct {
	carried []message.Envelope
}

func (f *fakeRelay) HandleCarried(ctx context.Context, env message.Envelope) error {
	f.carried = append(f.carried, env)
	return nil
}

type fakeOutbox struct {
	correlated []struct {
		originalID string
		nak        bool
		reason     string
	}
}

func (f *fakeOutbox) Correlate(originalMessageID, ackID string, nak bool, reason string) {
	f.correlated = append(f.correlated, struct {
		originalID string
		nak        bool
		reason     string
	}{originalMessageID, nak, reason})
}

type recordingObserver struct {
	received [][]byte
}

func (o *recordingObserver) OnMessageReceived(from, to string, payload []byte) {
	o.received = append(o.received, payload)
}
func (o *recordingObserver) OnOutboxUpdated(string, string) {}
func (o *recordingObserver) OnNodeError(error)              {}

// replyCatcher registers a handler on a sender-side loop transport so tests
// can observe the ACK/NAK the processor sends back over a fresh reply
// stream, per the fixed ACK-over-new-stream wire contract.
type replyCatcher struct {
	replies chan *message.Envelope
}

func newReplyCatcher(tr *transport.LoopTransport) *replyCatcher {
	rc := &replyCatcher{replies: make(chan *message.Envelope, 8)}
	tr.RegisterHandler(transport.ProtocolID, func(s transport.Stream) {
		defer s.Close()
		env, err := message.Decode(s)
		if err == nil {
			rc.replies <- env
		}
	})
	return rc
}

func (rc *replyCatcher) wait(t *testing.T) *message.Envelope {
	t.Helper()
	select {
	case env := <-rc.replies:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

func newTestProcessor(t *testing.T) (*Processor, *transport.LoopNetwork, *cryptosession.SessionKey, *fakeRelay, *fakeOutbox, *recordingObserver) {
	p, net, session, relay, outbox, obs, _ := newTestProcessorWithStorage(t)
	return p, net, session, relay, outbox, obs
}

func newTestProcessorWithStorage(t *testing.T) (*Processor, *transport.LoopNetwork, *cryptosession.SessionKey, *fakeRelay, *fakeOutbox, *recordingObserver, *storage.Engine) {
	t.Helper()
	net := transport.NewLoopNetwork()
	selfTr := transport.NewLoopTransport(net, "self")

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	session, err := cryptosession.DeriveFromEd25519(priv)
	require.NoError(t, err)

	dir := t.TempDir()
	eng, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	relay := &fakeRelay{}
	outbox := &fakeOutbox{}
	bus := eventbus.New()
	obs := &recordingObserver{}
	bus.Subscribe(obs)

	p := New(eng, session, selfTr, relay, outbox, bus, "self", logging.NewDefault("error"))
	p.Register()

	return p, net, session, relay, outbox, obs, eng
}

func sendAndForget(t *testing.T, sender *transport.LoopTransport, env *message.Envelope) {
	t.Helper()
	stream, err := sender.OpenStream(context.Background(), "self", transport.ProtocolID)
	require.NoError(t, err)
	defer stream.Close()
	require.NoError(t, message.Encode(stream, env))
}

func TestHandleStreamDataMessageDecryptsAndAcks(t *testing.T) {
	_, net, session, _, _, obs, eng := newTestProcessorWithStorage(t)
	sender := transport.NewLoopTransport(net, "sender")
	catcher := newReplyCatcher(sender)

	sealed, err := cryptosession.Seal(session.PublicKey(), []byte("hello"))
	require.NoError(t, err)

	seq := uint64(1)
	env := &message.Envelope{
		ID: "msg-1", Type: message.KindData, From: "sender", To: "self",
		Timestamp: time.Now().UnixMilli(), Payload: sealed, SequenceNumber: &seq,
	}
	sendAndForget(t, sender, env)

	reply := catcher.wait(t)
	assert.Equal(t, message.KindAck, reply.Type)
	assert.Equal(t, "msg-1", reply.OriginalMessageID)

	require.Len(t, obs.received, 1)
	assert.Equal(t, []byte("hello"), obs.received[0])

	inbox := eng.ListInbox(0)
	require.Len(t, inbox, 1, "admitted data messages must be durably recorded for listInbox")
	assert.Equal(t, "msg-1", inbox[0].MessageID)
	assert.Equal(t, []byte("hello"), inbox[0].Payload)
}

func TestHandleStreamDuplicateStillAcks(t *testing.T) {
	_, net, session, _, _, obs := newTestProcessor(t)
	sender := transport.NewLoopTransport(net, "sender")
	catcher := newReplyCatcher(sender)

	sealed, err := cryptosession.Seal(session.PublicKey(), []byte("hi"))
	require.NoError(t, err)
	env := &message.Envelope{ID: "dup-1", Type: message.KindData, From: "sender", To: "self", Payload: sealed}

	sendAndForget(t, sender, env)
	r1 := catcher.wait(t)
	sendAndForget(t, sender, env)
	r2 := catcher.wait(t)

	assert.Equal(t, message.KindAck, r1.Type)
	assert.Equal(t, message.KindAck, r2.Type)
	assert.Len(t, obs.received, 1, "duplicate delivery must not re-emit to observers")
}

func TestHandleStreamBadCiphertextNaks(t *testing.T) {
	_, net, _, _, _, _ := newTestProcessor(t)
	sender := transport.NewLoopTransport(net, "sender")
	catcher := newReplyCatcher(sender)

	env := &message.Envelope{ID: "bad-1", Type: message.KindData, From: "sender", To: "self", Payload: []byte("not-valid-sealed-data-that-is-long-enough")}
	sendAndForget(t, sender, env)

	reply := catcher.wait(t)
	assert.Equal(t, message.KindNak, reply.Type)
	assert.Equal(t, message.ReasonDecryptFailed, reply.Reason)
}

func TestHandleStreamStoreAndForwardReenqueues(t *testing.T) {
	_, net, _, relay, _, _ := newTestProcessor(t)
	sender := transport.NewLoopTransport(net, "relay-peer")
	catcher := newReplyCatcher(sender)

	carried := &message.Envelope{ID: "carried-1", Type: message.KindData, From: "alice", To: "self", Payload: []byte("sealed")}
	env := &message.Envelope{ID: "sf-1", Type: message.KindStoreAndForward, From: "relay-peer", To: "self", StoredMessage: carried}
	sendAndForget(t, sender, env)

	reply := catcher.wait(t)
	assert.Equal(t, message.KindAck, reply.Type)

	require.Len(t, relay.carried, 1)
	assert.Equal(t, "carried-1", relay.carried[0].ID)
}

func TestHandleStreamAckCorrelatesToOutbox(t *testing.T) {
	_, net, _, _, outbox, _ := newTestProcessor(t)
	sender := transport.NewLoopTransport(net, "sender")

	env := &message.Envelope{ID: "ack-1", Type: message.KindAck, From: "sender", To: "self", OriginalMessageID: "orig-1"}
	sendAndForget(t, sender, env)

	require.Eventually(t, func() bool { return len(outbox.correlated) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "orig-1", outbox.correlated[0].originalID)
	assert.False(t, outbox.correlated[0].nak)
}
