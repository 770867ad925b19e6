// README: Booking handlers: create, read, status changes, start code verification, rating.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"escort/internal/modules/booking"
	"escort/internal/modules/lifecycle"
	"escort/internal/types"
)

type BookingHandler struct {
	engine *lifecycle.Engine
}

func NewBookingHandler(engine *lifecycle.Engine) *BookingHandler {
	return &BookingHandler{engine: engine}
}

type placeReq struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
	City    string  `json:"city"`
}

func (p placeReq) place() booking.Place {
	return booking.Place{Point: types.Point{Lat: p.Lat, Lng: p.Lng}, Address: p.Address, City: p.City}
}

type createBookingReq struct {
	GuardID       string      `json:"guard_id"`
	ScheduledDate string      `json:"scheduled_date" binding:"required"`
	ScheduledTime string      `json:"scheduled_time" binding:"required"`
	Duration      int         `json:"duration" binding:"required"`
	Pickup        placeReq    `json:"pickup"`
	Destination   *placeReq   `json:"destination"`
	Amount        types.Money `json:"amount"`
	PlatformFee   types.Money `json:"platform_fee"`
	GuardPayout   types.Money `json:"guard_payout"`
}

func (h *BookingHandler) Create(c *gin.Context) {
	if isGuard(c) {
		writeError(c, http.StatusForbidden, "forbidden: only clients create bookings")
		return
	}
	var req createBookingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cmd := booking.CreateCommand{
		ClientID:      caller(c),
		ScheduledDate: req.ScheduledDate,
		ScheduledTime: req.ScheduledTime,
		Duration:      req.Duration,
		Pickup:        req.Pickup.place(),
		Amount:        req.Amount,
		PlatformFee:   req.PlatformFee,
		GuardPayout:   req.GuardPayout,
	}
	if req.GuardID != "" {
		g := types.ID(req.GuardID)
		cmd.GuardID = &g
	}
	if req.Destination != nil {
		d := req.Destination.place()
		cmd.Destination = &d
	}
	b, err := h.engine.CreateBooking(c.Request.Context(), cmd)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, b)
}

func (h *BookingHandler) Get(c *gin.Context) {
	b, ok := participantBooking(c, h.engine)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, redact(c, b))
}

// List returns the caller's bookings; ?role=guard lists the ones assigned to them.
func (h *BookingHandler) List(c *gin.Context) {
	role := booking.Role(c.DefaultQuery("role", string(booking.RoleClient)))
	if role == booking.RoleGuard && !isGuard(c) {
		writeError(c, http.StatusForbidden, "forbidden: guard role required")
		return
	}
	list, err := h.engine.GetBookingsByUser(c.Request.Context(), caller(c), role)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"bookings": redactAll(c, list)})
}

type statusReq struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// UpdateStatus applies a client or guard driven transition. Accepting and rejecting are
// reserved for guards; an unassigned booking is claimed by the accepting guard.
func (h *BookingHandler) UpdateStatus(c *gin.Context) {
	id, ok := bookingParam(c)
	if !ok {
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	b, err := h.engine.GetBookingByID(c.Request.Context(), id)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	status := booking.Status(req.Status).Canonical()
	switch status {
	case booking.StatusAccepted, booking.StatusRejected:
		if !isGuard(c) {
			writeError(c, http.StatusForbidden, "forbidden: guard role required")
			return
		}
		if b.GuardID != nil && *b.GuardID != caller(c) {
			writeError(c, http.StatusForbidden, "forbidden: booking is assigned to another guard")
			return
		}
	default:
		if !b.IsParticipant(caller(c)) {
			writeError(c, http.StatusForbidden, "forbidden: not a participant of this booking")
			return
		}
	}
	updated, err := h.engine.UpdateBookingStatus(c.Request.Context(), booking.StatusCommand{
		BookingID: id,
		Status:    booking.Status(req.Status),
		ActorID:   caller(c),
		Reason:    req.Reason,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, redact(c, updated))
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *BookingHandler) Cancel(c *gin.Context) {
	b, ok := participantBooking(c, h.engine)
	if !ok {
		return
	}
	var req cancelReq
	_ = c.ShouldBindJSON(&req)
	by := booking.RoleClient
	if b.ClientID != caller(c) {
		by = booking.RoleGuard
	}
	updated, err := h.engine.CancelBooking(c.Request.Context(), booking.CancelCommand{
		BookingID:   b.ID,
		CancelledBy: string(by),
		Reason:      req.Reason,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, redact(c, updated))
}

type extendReq struct {
	ExtraHours int `json:"extra_hours" binding:"required"`
}

func (h *BookingHandler) Extend(c *gin.Context) {
	b, ok := participantBooking(c, h.engine)
	if !ok {
		return
	}
	if b.ClientID != caller(c) {
		writeError(c, http.StatusForbidden, "forbidden: only the client extends a booking")
		return
	}
	var req extendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	updated, err := h.engine.ExtendBooking(c.Request.Context(), booking.ExtendCommand{BookingID: b.ID, ExtraHours: req.ExtraHours})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

type rateReq struct {
	Score     int            `json:"score" binding:"required"`
	Breakdown map[string]int `json:"breakdown"`
	Review    string         `json:"review"`
}

func (h *BookingHandler) Rate(c *gin.Context) {
	b, ok := participantBooking(c, h.engine)
	if !ok {
		return
	}
	if b.ClientID != caller(c) {
		writeError(c, http.StatusForbidden, "forbidden: only the client rates a booking")
		return
	}
	var req rateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	updated, err := h.engine.RateBooking(c.Request.Context(), booking.RateCommand{
		BookingID: b.ID,
		Score:     req.Score,
		Breakdown: req.Breakdown,
		Review:    req.Review,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

type verifyReq struct {
	Code string `json:"code" binding:"required"`
}

type verifyResp struct {
	Success       bool             `json:"success"`
	AlreadyActive bool             `json:"already_active,omitempty"`
	Booking       *booking.Booking `json:"booking,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// Verify is the guard's side of the start code handshake.
func (h *BookingHandler) Verify(c *gin.Context) {
	id, ok := bookingParam(c)
	if !ok {
		return
	}
	if !isGuard(c) {
		writeError(c, http.StatusForbidden, "forbidden: guard role required")
		return
	}
	var req verifyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := h.engine.VerifyStartCode(c.Request.Context(), booking.VerifyCommand{
		BookingID:            id,
		Code:                 req.Code,
		ActorID:              caller(c),
		RequireAssignedGuard: true,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	if err := res.Err(); err != nil {
		writeJSON(c, http.StatusUnprocessableEntity, verifyResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, verifyResp{Success: true, AlreadyActive: res.AlreadyActive, Booking: redact(c, res.Booking)})
}

func (h *BookingHandler) Visibility(c *gin.Context) {
	b, ok := participantBooking(c, h.engine)
	if !ok {
		return
	}
	res, err := h.engine.EvaluateVisibility(c.Request.Context(), b.ID)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
