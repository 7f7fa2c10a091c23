// Package node wires every component into one running process: the
// Supervisor owns the ordered startup/shutdown sequence.
//
// Grounded on cmd/server/main.go's ordered wiring (store → membership →
// replicator → HTTP server → background snapshot loop → signal-driven
// graceful shutdown), regeneralized into a struct so it can be started from
// both cmd/yapyapd and tests instead of living inline in func main.
package node

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"yapyap/internal/api"
	"yapyap/internal/config"
	"yapyap/internal/cryptosession"
	"yapyap/internal/eventbus"
	"yapyap/internal/identity"
	"yapyap/internal/inbound"
	"yapyap/internal/logging"
	"yapyap/internal/outbox"
	"yapyap/internal/relay"
	"yapyap/internal/storage"
	"yapyap/internal/transport"
)

// Supervisor owns the lifecycle of every long-running component.
type Supervisor struct {
	cfg config.Config
	log logging.Logger

	storage   *storage.Engine
	identity  *identity.Identity
	session   *cryptosession.SessionKey
	transport transport.Transport
	bus       *eventbus.Bus
	router    *relay.Router
	outboxer  *outbox.Outbox
	processor *inbound.Processor

	httpServer *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles every component without starting background work.
func New(cfg config.Config, log logging.Logger) (*Supervisor, error) {
	s := &Supervisor{cfg: cfg, log: log}

	// ── Storage ──────────────────────────────────────────────────────────
	eng, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	s.storage = eng

	// ── Identity (create if absent, per I6) ─────────────────────────────
	id, created, err := identity.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	s.identity = id
	if _, err := eng.CreateIdentity(id.PeerID()); err != nil {
		return nil, fmt.Errorf("persist identity row: %w", err)
	}
	if created {
		log.Infof("node: generated new identity %s", id.PeerID())
	} else {
		log.Infof("node: loaded identity %s", id.PeerID())
	}

	session, err := cryptosession.DeriveFromEd25519(id.Private)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	s.session = session

	// ── Transport ────────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	tr, err := transport.New(ctx, cfg.ListenAddr, id.Private, cfg.BootstrapAddrs, log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start transport: %w", err)
	}
	s.transport = tr

	// ── Event bus ────────────────────────────────────────────────────────
	s.bus = eventbus.New()

	// ── Outbox + Relay (mutually referential: outbox falls back to relay,
	// relay re-enqueues onto outbox) ────────────────────────────────────
	obCfg := outbox.Config{
		Workers:          cfg.OutboxWorkers,
		AckTimeout:       cfg.AckTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		RetryBase:        cfg.RetryBase,
		RetryCap:         cfg.RetryCap,
		MaxOutboxPending: cfg.MaxOutboxPending,
	}
	ob := outbox.New(obCfg, eng, tr, nil, s.bus, id.PeerID(), log)
	router := relay.New(eng, tr, ob, cfg.RelayFanout, id.PeerID(), log)
	ob.SetRelay(router)
	s.outboxer = ob
	s.router = router

	// ── Inbound processor ────────────────────────────────────────────────
	proc := inbound.New(eng, session, tr, router, ob, s.bus, id.PeerID(), log)
	proc.Register()
	s.processor = proc

	// ── Admin HTTP server ────────────────────────────────────────────────
	s.httpServer = s.buildHTTPServer()

	return s, nil
}

// Run starts every background loop and blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	go func() {
		s.log.Infof("node: admin API listening on %s", s.cfg.AdminAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.bus.EmitNodeError(fmt.Errorf("admin server: %w", err))
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.outboxer.Run(ctx)
	}()
	go s.snapshotLoop(ctx)
	go s.markerPruneLoop(ctx)

	<-ctx.Done()
	return s.shutdown()
}

// Stop cancels the transport context created in New, in addition to
// whatever ctx the caller passed Run. Call this once Run returns.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Supervisor) shutdown() error {
	s.log.Infof("node: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Wait for the outbox worker pool to actually exit before touching
	// storage — a worker still mid-ScheduleRetry when we close the WAL
	// would otherwise try to append to a closed file.
	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		s.log.Errorf("node: outbox workers did not drain before shutdown timeout")
	}

	if err := s.storage.Snapshot(); err != nil {
		s.log.Errorf("node: final snapshot failed: %v", err)
	}

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("node: admin server shutdown error: %v", err)
	}

	if err := s.transport.Close(); err != nil {
		s.log.Errorf("node: transport close error: %v", err)
	}

	return s.storage.Close()
}

func (s *Supervisor) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.storage.Snapshot(); err != nil {
				s.log.Errorf("node: periodic snapshot failed: %v", err)
			}
		}
	}
}

func (s *Supervisor) markerPruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := s.storage.PruneProcessedMarkers(s.cfg.MarkerRetention)
			if err != nil {
				s.log.Errorf("node: marker prune failed: %v", err)
				continue
			}
			if pruned > 0 {
				s.log.Debugf("node: pruned %d processed markers", pruned)
			}
		}
	}
}

func (s *Supervisor) buildHTTPServer() *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(s.log), api.Recovery(s.log))

	handler := api.NewHandler(s.storage, s.outboxer, s.router, s.transport, s.bus, s.identity.PeerID(), s.log)
	handler.Register(router)

	return &http.Server{
		Addr:         s.cfg.AdminAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
