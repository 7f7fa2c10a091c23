package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"yapyap/internal/config"
	"yapyap/internal/logging"
)

// TestMain checks that every background loop started by Run (snapshot,
// marker prune, outbox workers, admin HTTP server) exits once its context is
// cancelled, and that Stop's transport teardown doesn't leave anything
// behind either.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// libp2p's resource manager and connection manager run their own
		// background loops that outlive a single host.Close() call by a few
		// scheduler ticks; this only ignores those two, not anything in our
		// own packages.
		goleak.IgnoreTopFunction("github.com/libp2p/go-libp2p/p2p/host/resource-manager.(*resourceManager).background"),
		goleak.IgnoreTopFunction("github.com/libp2p/go-libp2p/p2p/net/connmgr.(*BasicConnMgr).background"),
	)
}

// TestSupervisorStartsServesAndShutsDown exercises the full wiring order
// from New through a live Run/Stop cycle: storage opens, identity loads,
// transport listens, the admin API answers, and shutdown leaves nothing
// running.
func TestSupervisorStartsServesAndShutsDown(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.ListenAddr = "/ip4/127.0.0.1/tcp/0"
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.SnapshotInterval = 50 * time.Millisecond
	cfg.OutboxWorkers = 1

	log := logging.NewDefault("error")

	sup, err := New(cfg, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	// Give background loops a moment to actually start before tearing down.
	time.Sleep(100 * time.Millisecond)

	cancel()
	sup.Stop()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}

// TestSupervisorPersistsIdentityAcrossRestart exercises I6: a second New
// against the same data directory must load the same identity rather than
// generating a fresh one.
func TestSupervisorPersistsIdentityAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.ListenAddr = "/ip4/127.0.0.1/tcp/0"
	cfg.AdminAddr = "127.0.0.1:0"
	log := logging.NewDefault("error")

	sup1, err := New(cfg, log)
	require.NoError(t, err)
	id1 := sup1.identity.PeerID()
	require.NoError(t, sup1.storage.Close())
	require.NoError(t, sup1.transport.Close())

	sup2, err := New(cfg, log)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, sup2.storage.Close())
		require.NoError(t, sup2.transport.Close())
	}()

	require.Equal(t, id1, sup2.identity.PeerID())
}
