package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// LoopNetwork is a shared in-process registry of LoopTransport peers,
// grounded on go-mcast's in-memory test transports: no sockets, so unit
// tests can exercise the inbound/outbox/relay wiring deterministically.
type LoopNetwork struct {
	mu    sync.Mutex
	peers map[string]*LoopTransport
}

// NewLoopNetwork creates an empty shared network.
func NewLoopNetwork() *LoopNetwork {
	return &LoopNetwork{peers: make(map[string]*LoopTransport)}
}

// LoopTransport is an in-process Transport implementation bound to one
// peer ID on a shared LoopNetwork.
type LoopTransport struct {
	net    *LoopNetwork
	selfID string

	mu       sync.Mutex
	handlers map[string]func(Stream)
	blocked  map[string]bool // peer IDs this transport refuses to dial, for failure injection in tests
}

// NewLoopTransport registers a new transport under selfID on net.
func NewLoopTransport(net *LoopNetwork, selfID string) *LoopTransport {
	t := &LoopTransport{net: net, selfID: selfID, handlers: make(map[string]func(Stream)), blocked: make(map[string]bool)}
	net.mu.Lock()
	net.peers[selfID] = t
	net.mu.Unlock()
	return t
}

// Block makes future Dial/OpenStream calls to peerID fail, for testing
// retry/backoff behaviour.
func (t *LoopTransport) Block(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked[peerID] = true
}

// Unblock reverses Block.
func (t *LoopTransport) Unblock(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.blocked, peerID)
}

func (t *LoopTransport) SelfID() string { return t.selfID }

func (t *LoopTransport) Dial(ctx context.Context, peerID string) error {
	t.mu.Lock()
	blocked := t.blocked[peerID]
	t.mu.Unlock()
	if blocked {
		return fmt.Errorf("loop transport: %s is unreachable", peerID)
	}

	t.net.mu.Lock()
	_, ok := t.net.peers[peerID]
	t.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("loop transport: unknown peer %s", peerID)
	}
	return nil
}

func (t *LoopTransport) OpenStream(ctx context.Context, peerID, protocolID string) (Stream, error) {
	if err := t.Dial(ctx, peerID); err != nil {
		return nil, err
	}

	t.net.mu.Lock()
	remote, ok := t.net.peers[peerID]
	t.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("loop transport: unknown peer %s", peerID)
	}

	remote.mu.Lock()
	handler, ok := remote.handlers[protocolID]
	remote.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("loop transport: peer %s has no handler for %s", peerID, protocolID)
	}

	clientSide, serverSide := newLoopStreamPair(t.selfID, peerID)
	go handler(serverSide)
	return clientSide, nil
}

func (t *LoopTransport) RegisterHandler(protocolID string, h func(Stream)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[protocolID] = h
}

func (t *LoopTransport) ConnectedPeers() []string {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	out := make([]string, 0, len(t.net.peers))
	for id := range t.net.peers {
		if id != t.selfID {
			out = append(out, id)
		}
	}
	return out
}

func (t *LoopTransport) Close() error {
	t.net.mu.Lock()
	delete(t.net.peers, t.selfID)
	t.net.mu.Unlock()
	return nil
}

// loopStream is an in-memory duplex pipe implementing Stream.
type loopStream struct {
	remotePeer string
	readCh     chan []byte
	writeCh    chan []byte
	readBuf    bytes.Buffer
	shared     *loopStreamShared
}

// loopStreamShared is the close signal both ends of a pair observe; it is
// shared (not duplicated) so either side can close the pipe exactly once.
type loopStreamShared struct {
	once   sync.Once
	closed chan struct{}
}

func newLoopStreamPair(localID, remoteID string) (client *loopStream, server *loopStream) {
	aToB := make(chan []byte, 16)
	bToA := make(chan []byte, 16)
	shared := &loopStreamShared{closed: make(chan struct{})}

	client = &loopStream{remotePeer: remoteID, readCh: bToA, writeCh: aToB, shared: shared}
	server = &loopStream{remotePeer: localID, readCh: aToB, writeCh: bToA, shared: shared}
	return client, server
}

func (s *loopStream) Read(p []byte) (int, error) {
	for s.readBuf.Len() == 0 {
		select {
		case chunk, ok := <-s.readCh:
			if !ok {
				return 0, io.EOF
			}
			s.readBuf.Write(chunk)
		case <-s.shared.closed:
			return 0, io.EOF
		}
	}
	return s.readBuf.Read(p)
}

func (s *loopStream) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case s.writeCh <- cp:
		return len(p), nil
	case <-s.shared.closed:
		return 0, io.ErrClosedPipe
	}
}

func (s *loopStream) Close() error {
	s.shared.once.Do(func() { close(s.shared.closed) })
	return nil
}

func (s *loopStream) SetReadDeadline(time.Time) error  { return nil }
func (s *loopStream) SetWriteDeadline(time.Time) error { return nil }
func (s *loopStream) RemotePeer() string               { return s.remotePeer }
