// README: Location handlers: guard position ingest and nearby guard lookup.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"escort/internal/modules/lifecycle"
	"escort/internal/modules/location"
	"escort/internal/types"
)

// NearbyFinder lists online guards around a point.
type NearbyFinder interface {
	NearbyGuards(ctx context.Context, center types.Point, radiusKm float64) ([]location.NearbyGuard, error)
}

type LocationHandler struct {
	engine *lifecycle.Engine
	nearby NearbyFinder
}

// NewLocationHandler builds the handler. nearby may be nil, in which case lookups answer 503.
func NewLocationHandler(engine *lifecycle.Engine, nearby NearbyFinder) *LocationHandler {
	return &LocationHandler{engine: engine, nearby: nearby}
}

type locationReq struct {
	Lat        float64    `json:"lat"`
	Lng        float64    `json:"lng"`
	AccuracyM  float64    `json:"accuracy_m"`
	RecordedAt *time.Time `json:"recorded_at"`
}

func (h *LocationHandler) Update(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing id")
		return
	}
	// Only the authenticated guard may update their own location.
	if !isGuard(c) {
		writeError(c, http.StatusForbidden, "forbidden: guard role required")
		return
	}
	if string(caller(c)) != id {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	sample := location.Sample{
		UserID:    types.ID(id),
		UserType:  location.UserTypeGuard,
		Point:     types.Point{Lat: req.Lat, Lng: req.Lng},
		AccuracyM: req.AccuracyM,
	}
	if req.RecordedAt != nil {
		sample.RecordedAt = *req.RecordedAt
	}
	accepted, err := h.engine.HandlePosition(c.Request.Context(), sample)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"accepted": accepted})
}

func (h *LocationHandler) Nearby(c *gin.Context) {
	if h.nearby == nil {
		writeError(c, http.StatusServiceUnavailable, "nearby lookup unavailable")
		return
	}
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	radius, errRadius := strconv.ParseFloat(c.DefaultQuery("radius_km", "5"), 64)
	center := types.Point{Lat: lat, Lng: lng}
	if errLat != nil || errLng != nil || errRadius != nil || radius <= 0 || !center.Valid() {
		writeError(c, http.StatusBadRequest, "invalid lat, lng or radius_km")
		return
	}
	guards, err := h.nearby.NearbyGuards(c.Request.Context(), center, radius)
	if err != nil {
		_ = c.Error(err)
		writeError(c, http.StatusBadGateway, "nearby lookup failed")
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"guards": guards})
}
