// README: Payment provider webhook.
package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"escort/internal/modules/booking"
	"escort/internal/modules/lifecycle"
	"escort/internal/types"
)

const webhookSecretHeader = "X-Webhook-Secret"

type PaymentHandler struct {
	engine *lifecycle.Engine
	secret string
}

// NewPaymentHandler builds the webhook handler. An empty secret rejects every call.
func NewPaymentHandler(engine *lifecycle.Engine, secret string) *PaymentHandler {
	return &PaymentHandler{engine: engine, secret: secret}
}

type paymentReq struct {
	BookingID string `json:"booking_id" binding:"required"`
	Status    string `json:"status" binding:"required"`
}

func (h *PaymentHandler) Webhook(c *gin.Context) {
	got := c.GetHeader(webhookSecretHeader)
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		writeError(c, http.StatusUnauthorized, "invalid webhook secret")
		return
	}
	var req paymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.BookingID) {
		writeError(c, http.StatusBadRequest, "invalid booking id")
		return
	}
	var succeeded bool
	switch req.Status {
	case "succeeded":
		succeeded = true
	case "failed":
	default:
		writeError(c, http.StatusBadRequest, "status must be succeeded or failed")
		return
	}
	b, err := h.engine.HandlePayment(c.Request.Context(), booking.PaymentCommand{
		BookingID: types.ID(req.BookingID),
		Succeeded: succeeded,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"booking_id": b.ID, "status": b.Status, "payment_status": b.PaymentStatus})
}
