package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/gig-escrow/internal/dto"
	"github.com/ignatzorin/gig-escrow/internal/http/handlers/common"
	"github.com/ignatzorin/gig-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/gig-escrow/internal/service"
)

// maxWebhookBody ограничивает тело события шлюза.
const maxWebhookBody = 256 << 10

type WebhookHandler struct {
	webhooks *service.WebhookService
}

func NewWebhookHandler(webhooks *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// Receive POST /api/webhooks/gateway
// Подпись считается по сырому телу, поэтому JSON здесь не разбирается.
func (h *WebhookHandler) Receive(c *gin.Context) {
	// Лишний байт отличает тело ровно на пределе от обрезанного.
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		common.RespondBadRequest(c, "не удалось прочитать тело запроса")
		return
	}
	if len(body) > maxWebhookBody {
		common.RespondError(c, apperror.New(apperror.ErrCodePayloadTooLarge, "тело события превышает допустимый размер"))
		return
	}

	result, err := h.webhooks.Handle(c.Request.Context(), body, c.Request.Header)
	if err != nil {
		common.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.WebhookAck{
		Received:  true,
		EventID:   result.EventID,
		Duplicate: result.Duplicate,
	})
}
