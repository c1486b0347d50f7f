package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/gig-escrow/internal/dto"
	"github.com/ignatzorin/gig-escrow/internal/http/handlers/common"
	"github.com/ignatzorin/gig-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/gig-escrow/internal/service"
)

type ConnectHandler struct {
	connect *service.ConnectService
}

func NewConnectHandler(connect *service.ConnectService) *ConnectHandler {
	return &ConnectHandler{connect: connect}
}

// sellerAllowed: продавец работает только со своим аккаунтом, администратор с любым.
func sellerAllowed(c *gin.Context, sellerID uuid.UUID) bool {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c)
		return false
	}
	if userID != sellerID && common.CurrentUserRole(c) != service.RoleAdmin {
		common.RespondError(c, apperror.ErrForbidden)
		return false
	}
	return true
}

// CreateAccount POST /api/connect/account
func (h *ConnectHandler) CreateAccount(c *gin.Context) {
	var req dto.ConnectAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.RespondBadRequest(c, "seller_id и двухбуквенный country обязательны")
		return
	}
	if !sellerAllowed(c, req.SellerID) {
		return
	}

	onboarding, err := h.connect.CreateAccount(c.Request.Context(), req.SellerID, req.Country)
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, onboarding)
}

// Status GET /api/connect/status?seller_id=
func (h *ConnectHandler) Status(c *gin.Context) {
	sellerID, ok := h.sellerFromQuery(c)
	if !ok {
		return
	}

	state, err := h.connect.Status(c.Request.Context(), sellerID)
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

// Refresh POST /api/connect/refresh?seller_id=
// Подтягивает флаги аккаунта из шлюза, если вебхук потерялся.
func (h *ConnectHandler) Refresh(c *gin.Context) {
	sellerID, ok := h.sellerFromQuery(c)
	if !ok {
		return
	}

	account, err := h.connect.Refresh(c.Request.Context(), sellerID)
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, account)
}

// Dashboard GET /api/connect/dashboard?seller_id=
func (h *ConnectHandler) Dashboard(c *gin.Context) {
	sellerID, ok := h.sellerFromQuery(c)
	if !ok {
		return
	}

	dashboard, err := h.connect.DashboardLink(c.Request.Context(), sellerID)
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dashboard)
}

func (h *ConnectHandler) sellerFromQuery(c *gin.Context) (uuid.UUID, bool) {
	sellerID, err := uuid.Parse(c.Query("seller_id"))
	if err != nil {
		common.RespondBadRequest(c, "seller_id должен быть валидным UUID")
		return uuid.Nil, false
	}
	if !sellerAllowed(c, sellerID) {
		return uuid.Nil, false
	}
	return sellerID, true
}
