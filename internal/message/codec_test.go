package message

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P8: codec round-trip — decode(encode(env)) == env for every variant.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	seq := uint64(7)
	cases := []*Envelope{
		{
			ID: "m1", Type: KindData, From: "alice", To: "bob", Timestamp: 100,
			Payload:        []byte(`sealed-ciphertext-bytes`),
			SequenceNumber: &seq,
			VectorClock:    VectorClock{"alice": 3, "bob": 1},
		},
		{ID: "m2", Type: KindAck, From: "bob", To: "alice", Timestamp: 101, OriginalMessageID: "m1"},
		{ID: "m3", Type: KindNak, From: "bob", To: "alice", Timestamp: 102, OriginalMessageID: "m1", Reason: ReasonDecryptFailed},
		{
			ID: "m4", Type: KindStoreAndForward, From: "relay", To: "carol", Timestamp: 103,
			StoredMessage: &Envelope{ID: "m1", Type: KindData, From: "alice", To: "carol", Timestamp: 100, Payload: []byte(`sealed-ciphertext-bytes`)},
		},
	}

	for _, env := range cases {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, env))

		got, err := Decode(&buf)
		require.NoError(t, err)

		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, env.Type, got.Type)
		assert.Equal(t, env.From, got.From)
		assert.Equal(t, env.To, got.To)
		assert.Equal(t, env.OriginalMessageID, got.OriginalMessageID)
		assert.Equal(t, env.Reason, got.Reason)
		if env.SequenceNumber != nil {
			require.NotNil(t, got.SequenceNumber)
			assert.Equal(t, *env.SequenceNumber, *got.SequenceNumber)
		}
		assert.Equal(t, env.VectorClock, got.VectorClock)
		assert.Equal(t, env.Payload, got.Payload)
	}
}

func TestDecodeRejectsOversizeLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[0] = 0x7f // forces a declared length well above MaxEnvelopeSize
	buf.Write(lenBuf[:])

	_, err := Decode(&buf)
	require.ErrorIs(t, err, ErrOversize)
}

func TestDecodePreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"id":"m1","type":"data","from":"a","to":"b","timestamp":1,"futureField":"keep-me"}`)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))

	out, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"futureField":"keep-me"`)
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	big := make([]byte, MaxEnvelopeSize+1)
	env := &Envelope{ID: "m1", Type: KindData, Payload: big}
	var buf bytes.Buffer
	err := Encode(&buf, env)
	require.Error(t, err)
}
