package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/gig-escrow/internal/dto"
	"github.com/ignatzorin/gig-escrow/internal/http/handlers/common"
	"github.com/ignatzorin/gig-escrow/internal/service"
	"github.com/ignatzorin/gig-escrow/internal/validation"
)

// OrderHandler обслуживает заказы в части, касающейся эскроу: создание,
// приёмку работы и споры.
type OrderHandler struct {
	orders *service.OrderService
	escrow *service.EscrowService
}

func NewOrderHandler(orders *service.OrderService, escrow *service.EscrowService) *OrderHandler {
	return &OrderHandler{orders: orders, escrow: escrow}
}

// CreateOrder POST /api/orders
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	buyerID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c)
		return
	}

	var req dto.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, "seller_id и gig_id обязательны")
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), service.CreateOrderInput{
		BuyerID:      buyerID,
		SellerID:     req.SellerID,
		GigID:        req.GigID,
		TotalPrice:   req.TotalPrice,
		Currency:     req.Currency,
		DeliveryDate: req.DeliveryDate,
	})
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// GetOrder GET /api/orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c)
		return
	}
	orderID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	order, err := h.orders.GetOrder(ctx, orderID, userID, common.CurrentUserRole(c))
	if err != nil {
		common.RespondError(c, err)
		return
	}
	txn, err := h.orders.ActivePayment(ctx, orderID)
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.OrderResponse{Order: order, Transaction: txn})
}

// AcceptOrder POST /api/orders/:id/accept
func (h *OrderHandler) AcceptOrder(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c)
		return
	}
	orderID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	order, err := h.orders.AcceptOrder(c.Request.Context(), orderID, userID)
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// OpenDispute POST /api/orders/:id/dispute
func (h *OrderHandler) OpenDispute(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c)
		return
	}
	orderID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	order, err := h.escrow.OpenDispute(c.Request.Context(), orderID, userID, common.CurrentUserRole(c))
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// ResolveDispute POST /api/orders/:id/dispute/resolve
func (h *OrderHandler) ResolveDispute(c *gin.Context) {
	orderID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	var req dto.ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, "outcome должен быть release или refund")
		return
	}

	reason, err := validation.SanitizeReason(req.Reason)
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	order, err := h.escrow.ResolveDispute(c.Request.Context(), orderID, service.DisputeResolution{
		Outcome: service.DisputeOutcome(req.Outcome),
		Amount:  req.Amount,
		Reason:  reason,
	})
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}
