// README: Base handler utilities (JSON helpers, error mapping, caller checks).
package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"escort/internal/http/middleware"
	"escort/internal/modules/booking"
	"escort/internal/modules/lifecycle"
	"escort/internal/modules/location"
	"escort/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts the UUIDs bookings are created with.
func isValidID(v string) bool {
	_, err := uuid.Parse(v)
	return err == nil
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeBookingError(c *gin.Context, err error) {
	_ = c.Error(err)
	var rl *lifecycle.RateLimitedError
	switch {
	case errors.As(err, &rl):
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		writeError(c, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, booking.ErrValidation), errors.Is(err, location.ErrInvalidSample):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, lifecycle.ErrNotTracking):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, booking.ErrUnauthorized):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, booking.ErrInvalidTransition):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, booking.ErrInvalidCode):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func caller(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

func isGuard(c *gin.Context) bool {
	return middleware.CallerRole(c) == string(booking.RoleGuard)
}

// bookingParam validates the :id path parameter.
func bookingParam(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid booking id")
		return "", false
	}
	return types.ID(id), true
}

// participantBooking loads the booking and rejects callers that are neither its client
// nor its assigned guard.
func participantBooking(c *gin.Context, e *lifecycle.Engine) (*booking.Booking, bool) {
	id, ok := bookingParam(c)
	if !ok {
		return nil, false
	}
	b, err := e.GetBookingByID(c.Request.Context(), id)
	if err != nil {
		writeBookingError(c, err)
		return nil, false
	}
	if !b.IsParticipant(caller(c)) {
		writeError(c, http.StatusForbidden, "forbidden: not a participant of this booking")
		return nil, false
	}
	return b, true
}

// redact hides the start code from everyone but the client, who hands it to the guard in person.
func redact(c *gin.Context, b *booking.Booking) *booking.Booking {
	if b == nil || b.ClientID == caller(c) {
		return b
	}
	out := b.Clone()
	out.StartCode = ""
	return out
}

func redactAll(c *gin.Context, list []*booking.Booking) []*booking.Booking {
	out := make([]*booking.Booking, len(list))
	for i, b := range list {
		out[i] = redact(c, b)
	}
	return out
}
