// README: Tracking handlers: session start/stop, the current view, a websocket view stream and the app foreground signal.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"escort/internal/modules/lifecycle"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

type TrackingHandler struct {
	engine   *lifecycle.Engine
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

func NewTrackingHandler(engine *lifecycle.Engine, log logrus.FieldLogger) *TrackingHandler {
	return &TrackingHandler{
		engine: engine,
		// Mobile clients do not send an Origin header.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log.WithField("component", "tracking_ws"),
	}
}

func (h *TrackingHandler) Start(c *gin.Context) {
	b, ok := participantBooking(c, h.engine)
	if !ok {
		return
	}
	s, err := h.engine.StartTracking(c.Request.Context(), b.ID)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, s.View())
}

func (h *TrackingHandler) Stop(c *gin.Context) {
	b, ok := participantBooking(c, h.engine)
	if !ok {
		return
	}
	h.engine.StopTracking(b.ID)
	c.Status(http.StatusNoContent)
}

func (h *TrackingHandler) View(c *gin.Context) {
	b, ok := participantBooking(c, h.engine)
	if !ok {
		return
	}
	s, err := h.engine.Session(b.ID)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, s.View())
}

// Stream pushes every view change over a websocket until the session or the socket closes.
// Slow readers only ever receive the latest view.
func (h *TrackingHandler) Stream(c *gin.Context) {
	b, ok := participantBooking(c, h.engine)
	if !ok {
		return
	}
	s, err := h.engine.Session(b.ID)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	updates := make(chan lifecycle.View, 1)
	unlisten := s.Listen(func(v lifecycle.View) {
		select {
		case updates <- v:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- v:
			default:
			}
		}
	})
	defer unlisten()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	write := func(v lifecycle.View) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v) == nil
	}
	if !write(s.View()) {
		return
	}
	for {
		select {
		case v := <-updates:
			if !write(v) || v.Closed {
				return
			}
		case <-s.Done():
			// The final closed view is normally delivered through updates first.
			select {
			case v := <-updates:
				_ = write(v)
			default:
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tracking stopped"),
				time.Now().Add(wsWriteWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

type foregroundReq struct {
	Active bool `json:"active"`
}

// Foreground switches booking polling between the idle and active tiers.
func (h *TrackingHandler) Foreground(c *gin.Context) {
	var req foregroundReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	h.engine.SetPollingActive(req.Active)
	writeJSON(c, http.StatusOK, map[string]any{"polling_interval_ms": h.engine.CurrentPollingInterval().Milliseconds()})
}
