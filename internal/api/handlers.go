// Package api wires up the Gin HTTP router with the node's administrative
// surface: thin handlers over the storage engine, outbox, and relay
// router, none of which carry any core logic of their own.
//
// Grounded on the teacher's internal/api/handlers.go (Handler struct holding
// every dependency injected from main, Register mounting route groups on a
// *gin.Engine), renamed from the KV store's Get/Put/Delete/Join/Leave
// surface to spec's enqueueOutbound/listInbox/listOutbox/upsertContact/
// removeContact/listContacts/stats operation list.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"yapyap/internal/eventbus"
	"yapyap/internal/logging"
	"yapyap/internal/outbox"
	"yapyap/internal/relay"
	"yapyap/internal/storage"
	"yapyap/internal/transport"
)

// defaultOutboundTTL is used when a POST /messages body omits ttl_seconds.
const defaultOutboundTTL = 24 * time.Hour

// Handler holds every dependency the admin surface needs.
type Handler struct {
	storage   *storage.Engine
	outbox    *outbox.Outbox
	relay     *relay.Router
	transport transport.Transport
	bus       *eventbus.Bus
	selfID    string
	log       logging.Logger
}

// NewHandler creates a Handler.
func NewHandler(storageEngine *storage.Engine, ob *outbox.Outbox, router *relay.Router, tr transport.Transport, bus *eventbus.Bus, selfID string, log logging.Logger) *Handler {
	return &Handler{storage: storageEngine, outbox: ob, relay: router, transport: tr, bus: bus, selfID: selfID, log: log}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/stats", h.Stats)

	messages := r.Group("/messages")
	messages.POST("", h.EnqueueOutbound)

	r.GET("/inbox", h.ListInbox)
	r.GET("/outbox", h.ListOutbox)

	contacts := r.Group("/contacts")
	contacts.GET("", h.ListContacts)
	contacts.POST("", h.UpsertContact)
	contacts.DELETE("/:peerId", h.RemoveContact)
}

// ─── Health / stats ───────────────────────────────────────────────────────

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"node": h.selfID, "status": "ok"})
}

// Stats handles GET /stats
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_peers":  len(h.transport.ConnectedPeers()),
		"outbox_pending":   len(h.storage.ListOutbox(storage.OutboxPending)) + len(h.storage.ListOutbox(storage.OutboxProcessing)),
		"outbox_delivered": len(h.storage.ListOutbox(storage.OutboxDelivered)),
		"outbox_failed":    len(h.storage.ListOutbox(storage.OutboxFailed)),
		"processed_count":  h.storage.ProcessedCount(),
	})
}

// ─── Outbound / inbox / outbox ────────────────────────────────────────────

// EnqueueOutbound handles POST /messages
// Body: {"to": "<peerId>", "payload": "<string>", "ttl_seconds": <int, optional>}
func (h *Handler) EnqueueOutbound(c *gin.Context) {
	var body struct {
		To         string `json:"to" binding:"required"`
		Payload    string `json:"payload" binding:"required"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ttl := defaultOutboundTTL
	if body.TTLSeconds > 0 {
		ttl = time.Duration(body.TTLSeconds) * time.Second
	}

	id, err := h.outbox.Enqueue(body.To, []byte(body.Payload), ttl)
	if err != nil {
		status := http.StatusInternalServerError
		if err == outbox.ErrOutboxFull {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message_id": id})
}

// ListInbox handles GET /inbox?limit=<n>
func (h *Handler) ListInbox(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"messages": h.storage.ListInbox(limit)})
}

// ListOutbox handles GET /outbox?state=<pending|processing|delivered|failed>
func (h *Handler) ListOutbox(c *gin.Context) {
	state := storage.OutboxState(c.Query("state"))
	c.JSON(http.StatusOK, gin.H{"entries": h.storage.ListOutbox(state)})
}

// ─── Contacts ───────────────────────────────────────────────────────────

// UpsertContact handles POST /contacts
// Body: {"peer_id": "<hex>", "alias": "<string>", "trusted": <bool>}
func (h *Handler) UpsertContact(c *gin.Context) {
	var body struct {
		PeerID  string `json:"peer_id" binding:"required"`
		Alias   string `json:"alias"`
		Trusted bool   `json:"trusted"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contact := storage.Contact{
		PeerID:   body.PeerID,
		Alias:    body.Alias,
		Trusted:  body.Trusted,
		LastSeen: time.Now().UTC(),
	}
	applied, err := h.storage.UpsertContact(contact)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.relay != nil {
		h.relay.ObservePeer(body.PeerID)
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied, "peer_id": body.PeerID})
}

// ListContacts handles GET /contacts
func (h *Handler) ListContacts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"contacts": h.storage.ListContacts()})
}

// RemoveContact handles DELETE /contacts/:peerId
func (h *Handler) RemoveContact(c *gin.Context) {
	peerID := c.Param("peerId")
	h.storage.RemoveContact(peerID)
	if h.relay != nil {
		h.relay.ForgetPeer(peerID)
	}
	c.JSON(http.StatusOK, gin.H{"removed": peerID})
}
