package message

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowchat/internal/access"
	"github.com/mbd888/escrowchat/internal/auth"
	"github.com/mbd888/escrowchat/internal/dispute"
	"github.com/mbd888/escrowchat/internal/logging"
	"github.com/mbd888/escrowchat/internal/order"
)

// Handler provides HTTP endpoints for order and dispute channels.
type Handler struct {
	service *Service
}

// NewHandler creates a new message handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up session-required message routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:orderId/messages", h.ListMessages)
	r.POST("/orders/:orderId/messages", h.PostMessage)
	r.GET("/disputes/:disputeId/messages", h.ListDisputeMessages)
	r.POST("/disputes/:disputeId/messages", h.PostDisputeMessage)
}

// PostRequest is the body of a post. Content is in wire form; Blocks, when
// present, takes precedence.
type PostRequest struct {
	Content   string  `json:"content"`
	Blocks    Content `json:"blocks,omitempty"`
	DisputeID string  `json:"disputeId,omitempty"`
	IsModOnly bool    `json:"isModOnly,omitempty"`
}

func (r PostRequest) content() Content {
	if len(r.Blocks) > 0 {
		return r.Blocks
	}
	return DecodeWire(r.Content)
}

// orderSummary is the order header returned with a channel listing.
type orderSummary struct {
	ID          string `json:"id"`
	BuyerID     string `json:"buyerId"`
	SellerID    string `json:"sellerId"`
	BuyerEmail  string `json:"buyerEmail"`
	SellerEmail string `json:"sellerEmail"`
}

func threadResponse(t *Thread) gin.H {
	msgs := t.Messages
	if msgs == nil {
		msgs = []*Message{}
	}
	resp := gin.H{
		"messages": msgs,
		"order": orderSummary{
			ID:          t.Order.ID,
			BuyerID:     t.Order.BuyerID,
			SellerID:    t.Order.SellerID,
			BuyerEmail:  t.Order.BuyerEmail,
			SellerEmail: t.Order.SellerEmail,
		},
	}
	if t.Dispute != nil {
		resp["dispute"] = t.Dispute
	}
	return resp
}

// ListMessages handles GET /v1/orders/:orderId/messages
func (h *Handler) ListMessages(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	thread, err := h.service.List(c.Request.Context(), actor, c.Param("orderId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, threadResponse(thread))
}

// PostMessage handles POST /v1/orders/:orderId/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	actor, _ := auth.GetActor(c)
	m, err := h.service.Post(c.Request.Context(), actor, c.Param("orderId"), req.content(), PostOptions{
		DisputeID: req.DisputeID,
		IsModOnly: req.IsModOnly,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// ListDisputeMessages handles GET /v1/disputes/:disputeId/messages
func (h *Handler) ListDisputeMessages(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	thread, err := h.service.ListForDispute(c.Request.Context(), actor, c.Param("disputeId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, threadResponse(thread))
}

// PostDisputeMessage handles POST /v1/disputes/:disputeId/messages
func (h *Handler) PostDisputeMessage(c *gin.Context) {
	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	actor, _ := auth.GetActor(c)
	m, err := h.service.PostToDispute(c.Request.Context(), actor, c.Param("disputeId"), req.content(), req.IsModOnly)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Session required"})
	case errors.Is(err, access.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, access.ErrChannelClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "channel_closed", "message": err.Error()})
	case errors.Is(err, order.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, dispute.ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("message request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
