// Package message defines the wire envelope exchanged between YapYap nodes
// and the length-prefixed JSON framing used to put it on a stream.
//
// Grounded on the tagged-message shape in go-mcast's types.Message and the
// newline-delimited JSON framing in goop2's mq.Manager, adapted to a
// four-variant sum type with an explicit u32-length prefix instead of a
// newline delimiter (REDESIGN FLAG: tagged union via untyped fields replaced
// with a single closed Kind enum and named fields per variant).
package message

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Kind is the closed set of envelope variants on the wire.
type Kind string

const (
	KindData            Kind = "data"
	KindAck              Kind = "ack"
	KindNak              Kind = "nak"
	KindStoreAndForward Kind = "store-and-forward"
)

// MaxEnvelopeSize is the hard cap on an encoded envelope, matching the wire
// contract in the external interfaces section.
const MaxEnvelopeSize = 1 << 20 // 1 MiB

// Envelope is the single wire type carrying all four message variants. Only
// the fields relevant to Type are populated; others are omitted from JSON.
type Envelope struct {
	ID        string `json:"id"`
	Type      Kind   `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`

	// data — the sealed ciphertext produced by internal/cryptosession.
	// A plain []byte (not json.RawMessage) so encoding/json base64-encodes
	// it automatically: the bytes are arbitrary binary, not embeddable JSON.
	Payload        []byte      `json:"payload,omitempty"`
	SequenceNumber *uint64     `json:"sequenceNumber,omitempty"`
	VectorClock    VectorClock `json:"vectorClock,omitempty"`

	// ack / nak
	OriginalMessageID string `json:"originalMessageId,omitempty"`
	Reason            string `json:"reason,omitempty"`

	// store-and-forward
	StoredMessage *Envelope `json:"storedMessage,omitempty"`

	// extra preserves unknown top-level fields verbatim so a newer sender's
	// envelope round-trips through an older node without losing data.
	extra map[string]json.RawMessage
}

// NAK reasons used by the inbound processor and outbox correlation.
const (
	ReasonOversize       = "oversize"
	ReasonDecryptFailed  = "decrypt-failed"
	ReasonMalformed      = "malformed"
	ReasonStorageFault   = "storage-fault"
	ReasonUnknownPeer    = "unknown-peer"
)

// knownFields lists the struct tags above, used by UnmarshalJSON to split
// recognised fields from forward-compatible unknown ones.
var knownFields = map[string]bool{
	"id": true, "type": true, "from": true, "to": true, "timestamp": true,
	"payload": true, "sequenceNumber": true, "vectorClock": true,
	"originalMessageId": true, "reason": true, "storedMessage": true,
}

// MarshalJSON re-emits known fields plus any preserved unknown ones.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	base, err := json.Marshal(alias(e))
	if err != nil {
		return nil, err
	}
	if len(e.extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known fields and stashes anything unrecognised into
// extra so future fields aren't silently dropped.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias Envelope
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Envelope(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if !knownFields[k] {
			if e.extra == nil {
				e.extra = make(map[string]json.RawMessage)
			}
			e.extra[k] = v
		}
	}
	return nil
}

// Encode serialises env as length-prefixed JSON (u32 big-endian length
// followed by the JSON body), rejecting anything over MaxEnvelopeSize.
func Encode(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(body) > MaxEnvelopeSize {
		return fmt.Errorf("envelope exceeds %d bytes", MaxEnvelopeSize)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write envelope body: %w", err)
	}
	return nil
}

// ErrOversize is returned by Decode when the declared length exceeds
// MaxEnvelopeSize. Decode returns it before reading any body, so no ID is
// recovered; the inbound processor logs the error and drops the stream
// without sending a NAK.
var ErrOversize = fmt.Errorf("envelope exceeds %d bytes", MaxEnvelopeSize)

// Decode reads one length-prefixed envelope from r.
func Decode(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxEnvelopeSize {
		return nil, ErrOversize
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read envelope body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

// ErrMalformed wraps a JSON decode failure. The inbound processor logs it
// and drops the stream without a NAK; ReasonMalformed is used only for
// envelopes that decode but carry an unusable type or content.
var ErrMalformed = fmt.Errorf("malformed envelope")
