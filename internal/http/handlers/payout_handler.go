package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/gig-escrow/internal/dto"
	"github.com/ignatzorin/gig-escrow/internal/http/handlers/common"
	"github.com/ignatzorin/gig-escrow/internal/service"
)

type PayoutHandler struct {
	payouts   *service.PayoutService
	reconcile *service.ReconciliationService
	now       func() time.Time
}

func NewPayoutHandler(payouts *service.PayoutService, reconcile *service.ReconciliationService) *PayoutHandler {
	return &PayoutHandler{payouts: payouts, reconcile: reconcile, now: time.Now}
}

// targetSeller: seller_id из запроса или текущий пользователь.
func targetSeller(c *gin.Context) (uuid.UUID, bool) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c)
		return uuid.Nil, false
	}

	sellerID := userID
	if raw := c.Query("seller_id"); raw != "" {
		if sellerID, err = uuid.Parse(raw); err != nil {
			common.RespondBadRequest(c, "seller_id должен быть валидным UUID")
			return uuid.Nil, false
		}
	}
	if !sellerAllowed(c, sellerID) {
		return uuid.Nil, false
	}
	return sellerID, true
}

// ListPayouts GET /api/payouts?seller_id=&limit=&offset=
// Без seller_id продавец видит свои выплаты.
func (h *PayoutHandler) ListPayouts(c *gin.Context) {
	sellerID, ok := targetSeller(c)
	if !ok {
		return
	}

	limit, offset := common.GetPagination(c)
	payouts, err := h.payouts.ListSellerPayouts(c.Request.Context(), sellerID, limit, offset)
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ListResponse{Items: payouts, Limit: limit, Offset: offset})
}

// Earnings GET /api/payouts/earnings?seller_id=
func (h *PayoutHandler) Earnings(c *gin.Context) {
	sellerID, ok := targetSeller(c)
	if !ok {
		return
	}

	earnings, err := h.payouts.Earnings(c.Request.Context(), sellerID, h.now())
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, earnings)
}

// RetryPayout POST /api/admin/payouts/:id/retry
func (h *PayoutHandler) RetryPayout(c *gin.Context) {
	payoutID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	payout, err := h.payouts.RetryPayout(c.Request.Context(), payoutID)
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, payout)
}

// Sweep POST /api/admin/payouts/sweep
// Внеочередной проход агрегации; параллельный запуск отдаст skipped=true.
func (h *PayoutHandler) Sweep(c *gin.Context) {
	report, err := h.payouts.Sweep(c.Request.Context(), h.now())
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// Reconcile POST /api/admin/reconcile
func (h *PayoutHandler) Reconcile(c *gin.Context) {
	report, err := h.reconcile.Run(c.Request.Context(), h.now())
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
