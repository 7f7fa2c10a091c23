// Package transport defines the narrow capability the rest of the node
// depends on to talk to peers, plus two implementations: a libp2p-backed
// adapter for real deployments and an in-process loopback transport for
// tests. Core packages (inbound, outbox, relay) depend only on the
// interfaces in this file, never on libp2p directly.
package transport

import (
	"context"
	"io"
	"time"
)

// ProtocolID is the YapYap wire protocol identifier.
const ProtocolID = "/yapyap/msg/1.0.0"

// Stream is one bidirectional byte stream to a single remote peer.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	RemotePeer() string
}

// Transport is the capability the node depends on for peer communication.
type Transport interface {
	// Dial ensures a connection to peerID exists, discovering its address
	// via the routing table / DHT / mDNS as the underlying implementation
	// supports.
	Dial(ctx context.Context, peerID string) error

	// OpenStream opens a new stream to peerID speaking protocolID.
	OpenStream(ctx context.Context, peerID, protocolID string) (Stream, error)

	// RegisterHandler installs h to handle inbound streams opened against
	// protocolID. Only one handler may be registered per protocol ID.
	RegisterHandler(protocolID string, h func(Stream))

	// ConnectedPeers lists peer IDs currently connected.
	ConnectedPeers() []string

	// SelfID returns this transport's own peer identifier.
	SelfID() string

	// Close tears down all connections and listeners.
	Close() error
}
