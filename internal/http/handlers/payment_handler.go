package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/gig-escrow/internal/dto"
	"github.com/ignatzorin/gig-escrow/internal/http/handlers/common"
	"github.com/ignatzorin/gig-escrow/internal/service"
	"github.com/ignatzorin/gig-escrow/internal/validation"
)

type PaymentHandler struct {
	escrow *service.EscrowService
}

func NewPaymentHandler(escrow *service.EscrowService) *PaymentHandler {
	return &PaymentHandler{escrow: escrow}
}

// Refund POST /api/transactions/:id/refund
// Без amount возвращается вся сумма.
func (h *PaymentHandler) Refund(c *gin.Context) {
	txID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	var req dto.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, "reason обязателен")
		return
	}

	reason, err := validation.SanitizeReason(req.Reason)
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	txn, err := h.escrow.Refund(c.Request.Context(), txID, req.Amount, reason)
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, txn)
}

// Capture POST /api/admin/transactions/:id/capture
// Ручной захват авторизованного платежа, если вебхук не пришёл.
func (h *PaymentHandler) Capture(c *gin.Context) {
	txID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	txn, err := h.escrow.Capture(c.Request.Context(), txID)
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, txn)
}
