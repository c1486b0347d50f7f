package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/gig-escrow/internal/dto"
	"github.com/ignatzorin/gig-escrow/internal/http/handlers/common"
	"github.com/ignatzorin/gig-escrow/internal/service"
)

type CheckoutHandler struct {
	escrow *service.EscrowService
}

func NewCheckoutHandler(escrow *service.EscrowService) *CheckoutHandler {
	return &CheckoutHandler{escrow: escrow}
}

// Checkout POST /api/checkout
func (h *CheckoutHandler) Checkout(c *gin.Context) {
	buyerID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c)
		return
	}

	var req dto.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, "order_id и payment_method обязательны")
		return
	}

	result, err := h.escrow.Checkout(c.Request.Context(), service.CheckoutInput{
		OrderID:       req.OrderID,
		BuyerID:       buyerID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Country:       req.Country,
	})
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}
