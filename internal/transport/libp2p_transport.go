package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	discovery "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"yapyap/internal/logging"
)

// mdnsServiceTag namespaces the local discovery announcements so unrelated
// libp2p apps on the same LAN don't show up as peers.
const mdnsServiceTag = "yapyap-mdns"

// LibP2PTransport is the production Transport backed by go-libp2p, grounded
// on goop2's p2p.Node: libp2p.New with an identity key, a registered stream
// handler per protocol, and an mDNS discovery notifee that dials newly
// found peers.
type LibP2PTransport struct {
	host    host.Host
	log     logging.Logger
	selfHex string
}

// identity/peer IDs are addressed everywhere else (storage keys, envelope
// From/To, contact/routing tables) as the hex-encoded raw Ed25519 public
// key. libp2p mints its own peer.ID as a multihash of that same public key,
// so these two helpers translate at the transport boundary rather than
// letting libp2p's ID scheme leak into the rest of the node.
func hexToLibp2pPeerID(hexID string) (peer.ID, error) {
	raw, err := hex.DecodeString(hexID)
	if err != nil {
		return "", fmt.Errorf("decode hex peer id %q: %w", hexID, err)
	}
	pub, err := crypto.UnmarshalEd25519PublicKey(raw)
	if err != nil {
		return "", fmt.Errorf("unmarshal ed25519 public key: %w", err)
	}
	return peer.IDFromPublicKey(pub)
}

func libp2pPeerIDToHex(pid peer.ID) (string, error) {
	pub, err := pid.ExtractPublicKey()
	if err != nil {
		return "", fmt.Errorf("extract public key from peer id: %w", err)
	}
	raw, err := pub.Raw()
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

type mdnsNotifee struct {
	ctx context.Context
	h   host.Host
	log logging.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		n.log.Debugf("mdns: failed to connect to discovered peer %s: %v", pi.ID, err)
	}
}

// New starts a libp2p host listening on listenAddr, using priv as its
// identity key, and begins mDNS discovery of peers on the local network.
// bootstrapAddrs are dialed (best-effort) once at startup.
func New(ctx context.Context, listenAddr string, priv ed25519.PrivateKey, bootstrapAddrs []string, log logging.Logger) (*LibP2PTransport, error) {
	libp2pPriv, err := crypto.UnmarshalEd25519PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("convert identity key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(libp2pPriv),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	t := &LibP2PTransport{host: h, log: log, selfHex: hex.EncodeToString(priv.Public().(ed25519.PublicKey))}

	svc := discovery.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{ctx: ctx, h: h, log: log})
	if err := svc.Start(); err != nil {
		log.Warnf("mdns discovery failed to start: %v", err)
	}

	for _, addr := range bootstrapAddrs {
		if addr == "" {
			continue
		}
		go t.dialBootstrap(ctx, addr)
	}

	return t, nil
}

func (t *LibP2PTransport) dialBootstrap(ctx context.Context, addr string) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		t.log.Warnf("bootstrap addr %q invalid: %v", addr, err)
		return
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		t.log.Warnf("bootstrap addr %q: %v", addr, err)
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := t.host.Connect(dialCtx, *info); err != nil {
		t.log.Warnf("failed to dial bootstrap peer %s: %v", info.ID, err)
	}
}

func (t *LibP2PTransport) SelfID() string { return t.selfHex }

func (t *LibP2PTransport) Dial(ctx context.Context, peerID string) error {
	pid, err := hexToLibp2pPeerID(peerID)
	if err != nil {
		return err
	}
	if t.host.Network().Connectedness(pid) == network.Connected {
		return nil
	}
	return t.host.Connect(ctx, peer.AddrInfo{ID: pid})
}

func (t *LibP2PTransport) OpenStream(ctx context.Context, peerID, protocolID string) (Stream, error) {
	pid, err := hexToLibp2pPeerID(peerID)
	if err != nil {
		return nil, err
	}
	s, err := t.host.NewStream(ctx, pid, protocol.ID(protocolID))
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", peerID, err)
	}
	return &libp2pStream{Stream: s}, nil
}

func (t *LibP2PTransport) RegisterHandler(protocolID string, h func(Stream)) {
	t.host.SetStreamHandler(protocol.ID(protocolID), func(s network.Stream) {
		h(&libp2pStream{Stream: s})
	})
}

func (t *LibP2PTransport) ConnectedPeers() []string {
	peers := t.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		hexID, err := libp2pPeerIDToHex(p)
		if err != nil {
			continue // non-Ed25519 peer ID (e.g. a relay using an RSA key); not addressable in our scheme
		}
		out = append(out, hexID)
	}
	return out
}

func (t *LibP2PTransport) Close() error {
	return t.host.Close()
}

// libp2pStream adapts network.Stream to the Stream interface.
type libp2pStream struct {
	network.Stream
}

func (s *libp2pStream) RemotePeer() string {
	hexID, err := libp2pPeerIDToHex(s.Stream.Conn().RemotePeer())
	if err != nil {
		return s.Stream.Conn().RemotePeer().String()
	}
	return hexID
}
