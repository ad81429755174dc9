// Package api exposes the room tab engine as a JSON API for staff tools and
// the guest mini-app.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"roomtab-engine/internal/logger"
	"roomtab-engine/internal/models"
	"roomtab-engine/internal/outbox"
	"roomtab-engine/internal/services/delivery"
	"roomtab-engine/internal/services/session"
	"roomtab-engine/internal/services/tab"
	"roomtab-engine/internal/store"
)

const requestTimeout = 30 * time.Second

// Options tunes the handler.
type Options struct {
	AllowOrigins []string
	MaxEndpoints int
}

// Handler serves the HTTP API.
type Handler struct {
	sessions  *session.Service
	tabs      *tab.Service
	store     store.Store
	outbox    *outbox.Outbox
	endpoints *delivery.EndpointCache
	logger    *logger.Logger
	opts      Options
}

// NewHandler creates a handler. endpoints may be nil.
func NewHandler(sessions *session.Service, tabs *tab.Service, s store.Store, ob *outbox.Outbox,
	endpoints *delivery.EndpointCache, opts Options, log *logger.Logger) *Handler {

	return &Handler{
		sessions:  sessions,
		tabs:      tabs,
		store:     s,
		outbox:    ob,
		endpoints: endpoints,
		logger:    log,
		opts:      opts,
	}
}

// Router builds the gin engine with all routes.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h.logger))

	if len(h.opts.AllowOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  h.opts.AllowOrigins,
			AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "X-Request-ID"},
			ExposeHeaders: []string{"X-Request-ID"},
			MaxAge:        12 * time.Hour,
		}))
	}

	router.GET("/health", h.HealthCheck)

	sessions := router.Group("/sessions")
	{
		sessions.POST("", h.OpenSession)
		sessions.GET("/:id", h.GetSession)
		sessions.GET("/:id/tab", h.GetTab)
		sessions.POST("/:id/orders", h.AddOrder)
		sessions.POST("/:id/settle", h.SettleSession)
		sessions.POST("/:id/close", h.CloseSession)
	}

	router.POST("/rooms/:room/orders", h.PlaceRoomOrder)
	router.POST("/orders/:id/cancel", h.CancelOrder)
	router.PATCH("/lines/:id", h.SetLineFulfillment)
	router.POST("/events/:id/requeue", h.RequeueEvent)

	endpoints := router.Group("/endpoints")
	{
		endpoints.GET("", h.ListEndpoints)
		endpoints.POST("", h.CreateEndpoint)
		endpoints.PATCH("/:id", h.SetEndpointEnabled)
		endpoints.DELETE("/:id", h.DeleteEndpoint)
	}

	return router
}

type openSessionRequest struct {
	RoomNumber string `json:"room_number" binding:"required"`
}

type orderRequest struct {
	SubmittedBy string             `json:"submitted_by"`
	Lines       []models.LineInput `json:"lines"`
}

type closeRequest struct {
	Settled bool `json:"settled"`
}

type fulfillmentRequest struct {
	FulfillmentStatus models.FulfillmentStatus `json:"fulfillment_status" binding:"required"`
}

type endpointRequest struct {
	Name    string `json:"name" binding:"required,max=64"`
	URL     string `json:"url" binding:"required,url"`
	Enabled *bool  `json:"enabled"`
}

type endpointPatch struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "roomtab",
	}
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error("health_check_failed", "Database ping failed", requestID(c), err, nil)
		response["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

// OpenSession handles POST /sessions
func (h *Handler) OpenSession(c *gin.Context) {
	var req openSessionRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	sess, err := h.sessions.Open(ctx, req.RoomNumber)
	if err != nil {
		h.writeError(c, "session_open_failed", err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// GetSession handles GET /sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	sess, err := h.sessions.Get(ctx, id)
	if err != nil {
		h.writeError(c, "session_lookup_failed", err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// GetTab handles GET /sessions/:id/tab
func (h *Handler) GetTab(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	snap, err := h.tabs.Snapshot(ctx, id)
	if err != nil {
		h.writeError(c, "tab_snapshot_failed", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// AddOrder handles POST /sessions/:id/orders
func (h *Handler) AddOrder(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req orderRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	order, err := h.tabs.AddOrder(ctx, id, req.SubmittedBy, req.Lines)
	if err != nil {
		h.writeError(c, "order_creation_failed", err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// PlaceRoomOrder handles POST /rooms/:room/orders, opening a session for the
// room when none is active.
func (h *Handler) PlaceRoomOrder(c *gin.Context) {
	var req orderRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	order, err := h.tabs.PlaceOrderForRoom(ctx, c.Param("room"), req.SubmittedBy, req.Lines)
	if err != nil {
		h.writeError(c, "order_creation_failed", err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// CancelOrder handles POST /orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	order, err := h.tabs.CancelOrder(ctx, id)
	if err != nil {
		h.writeError(c, "order_cancel_failed", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// SetLineFulfillment handles PATCH /lines/:id
func (h *Handler) SetLineFulfillment(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req fulfillmentRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	line, err := h.tabs.SetLineFulfillment(ctx, id, req.FulfillmentStatus)
	if err != nil {
		h.writeError(c, "line_update_failed", err)
		return
	}
	c.JSON(http.StatusOK, line)
}

// SettleSession handles POST /sessions/:id/settle. By default the session is
// closed afterwards; ?close=false only records the payment.
func (h *Handler) SettleSession(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	if c.DefaultQuery("close", "true") == "false" {
		paymentRef, err := h.sessions.Settle(ctx, id)
		if err != nil {
			h.writeError(c, "session_settle_failed", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"payment_reference": paymentRef})
		return
	}

	sess, paymentRef, err := h.sessions.Checkout(ctx, id)
	if err != nil {
		h.writeError(c, "session_checkout_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "payment_reference": paymentRef})
}

// CloseSession handles POST /sessions/:id/close
func (h *Handler) CloseSession(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req closeRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	sess, err := h.sessions.Close(ctx, id, req.Settled)
	if err != nil {
		h.writeError(c, "session_close_failed", err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// RequeueEvent handles POST /events/:id/requeue
func (h *Handler) RequeueEvent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.writeError(c, "validation_failed", models.ValidationError{Field: "id", Message: "must be an event id"})
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	if err := h.outbox.Requeue(ctx, id); err != nil {
		h.writeError(c, "event_requeue_failed", err)
		return
	}
	h.logger.Info("event_requeued", fmt.Sprintf("Event %d requeued", id), requestID(c), nil)
	c.JSON(http.StatusAccepted, gin.H{"event_id": id, "status": "requeued"})
}

// ListEndpoints handles GET /endpoints
func (h *Handler) ListEndpoints(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()

	endpoints, err := h.store.ListEndpoints(ctx, false)
	if err != nil {
		h.writeError(c, "endpoint_list_failed", err)
		return
	}
	if endpoints == nil {
		endpoints = []models.WebhookEndpoint{}
	}
	c.JSON(http.StatusOK, endpoints)
}

// CreateEndpoint handles POST /endpoints
func (h *Handler) CreateEndpoint(c *gin.Context) {
	var req endpointRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	ep := &models.WebhookEndpoint{
		ID:        uuid.New(),
		Name:      req.Name,
		URL:       req.URL,
		Enabled:   req.Enabled == nil || *req.Enabled,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateEndpoint(ctx, ep, h.opts.MaxEndpoints); err != nil {
		h.writeError(c, "endpoint_create_failed", err)
		return
	}
	h.invalidateEndpoints()
	c.JSON(http.StatusCreated, ep)
}

// SetEndpointEnabled handles PATCH /endpoints/:id
func (h *Handler) SetEndpointEnabled(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req endpointPatch
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	if err := h.store.SetEndpointEnabled(ctx, id, *req.Enabled); err != nil {
		h.writeError(c, "endpoint_update_failed", err)
		return
	}
	h.invalidateEndpoints()
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": *req.Enabled})
}

// DeleteEndpoint handles DELETE /endpoints/:id
func (h *Handler) DeleteEndpoint(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	if err := h.store.DeleteEndpoint(ctx, id); err != nil {
		h.writeError(c, "endpoint_delete_failed", err)
		return
	}
	h.invalidateEndpoints()
	c.Status(http.StatusNoContent)
}

func (h *Handler) invalidateEndpoints() {
	if h.endpoints != nil {
		h.endpoints.Invalidate()
	}
}

func (h *Handler) context(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

func (h *Handler) bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		h.writeError(c, "validation_failed", models.ValidationError{Field: "body", Message: err.Error()})
		return false
	}
	return true
}

func (h *Handler) uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		h.writeError(c, "validation_failed", models.ValidationError{Field: name, Message: "must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}
