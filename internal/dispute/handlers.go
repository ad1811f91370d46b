package dispute

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowchat/internal/auth"
	"github.com/mbd888/escrowchat/internal/logging"
	"github.com/mbd888/escrowchat/internal/order"
	"github.com/mbd888/escrowchat/internal/pagination"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up session-required dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:orderId/disputes", h.OpenDispute)
	r.GET("/orders/:orderId/disputes", h.ListOrderDisputes)
	r.GET("/disputes", h.ListQueue)
	r.GET("/disputes/:disputeId", h.GetDispute)
	r.POST("/disputes/:disputeId/claim", h.ClaimDispute)
	r.POST("/disputes/:disputeId/resolve", h.ResolveDispute)
	r.POST("/disputes/:disputeId/cancel", h.CancelDispute)
	r.POST("/disputes/:disputeId/assign", h.AssignDispute)
}

// OpenDispute handles POST /v1/orders/:orderId/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	actor, _ := auth.GetActor(c)
	d, err := h.service.Open(c.Request.Context(), actor, c.Param("orderId"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListOrderDisputes handles GET /v1/orders/:orderId/disputes
func (h *Handler) ListOrderDisputes(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	disputes, err := h.service.ListForOrder(c.Request.Context(), actor, c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// GetDispute handles GET /v1/disputes/:disputeId
func (h *Handler) GetDispute(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	d, err := h.service.Get(c.Request.Context(), actor, c.Param("disputeId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ClaimDispute handles POST /v1/disputes/:disputeId/claim
func (h *Handler) ClaimDispute(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	d, err := h.service.Claim(c.Request.Context(), actor, c.Param("disputeId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/disputes/:disputeId/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	actor, _ := auth.GetActor(c)
	d, err := h.service.Resolve(c.Request.Context(), actor, c.Param("disputeId"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// CancelDispute handles POST /v1/disputes/:disputeId/cancel
func (h *Handler) CancelDispute(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	// Body is optional.
	_ = c.ShouldBindJSON(&req)

	actor, _ := auth.GetActor(c)
	d, err := h.service.Cancel(c.Request.Context(), actor, c.Param("disputeId"), req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AssignDispute handles POST /v1/disputes/:disputeId/assign
func (h *Handler) AssignDispute(c *gin.Context) {
	var req struct {
		ModeratorID string `json:"moderatorId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "moderatorId is required",
		})
		return
	}

	actor, _ := auth.GetActor(c)
	d, err := h.service.Assign(c.Request.Context(), actor, c.Param("disputeId"), req.ModeratorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListQueue handles GET /v1/disputes?status=OPEN,UNDER_REVIEW&mine=true&cursor=&limit=
func (h *Handler) ListQueue(c *gin.Context) {
	q := QueueQuery{
		Mine:       c.Query("mine") == "true",
		Unassigned: c.Query("unassigned") == "true",
		Cursor:     c.Query("cursor"),
		Limit:      pagination.ParseLimit(c.Query("limit")),
	}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			q.Statuses = append(q.Statuses, Status(strings.ToUpper(strings.TrimSpace(s))))
		}
	}

	actor, _ := auth.GetActor(c)
	page, err := h.service.ListQueue(c.Request.Context(), actor, q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrActiveDispute):
		c.JSON(http.StatusConflict, gin.H{"error": "active_dispute", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("dispute request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
