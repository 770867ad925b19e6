// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"escort/internal/http/handlers"
	"escort/internal/http/middleware"
	"escort/internal/infra"
	"escort/internal/modules/lifecycle"
)

type RouterDeps struct {
	Engine        *lifecycle.Engine
	Verifier      infra.TokenVerifier
	Nearby        handlers.NearbyFinder
	WebhookSecret string
	Log           logrus.FieldLogger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	payments := handlers.NewPaymentHandler(deps.Engine, deps.WebhookSecret)
	r.POST("/api/payments/webhook", payments.Webhook)

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	bookings := handlers.NewBookingHandler(deps.Engine)
	api.POST("/bookings", bookings.Create)
	api.GET("/bookings", bookings.List)
	api.GET("/bookings/:id", bookings.Get)
	api.POST("/bookings/:id/status", bookings.UpdateStatus)
	api.POST("/bookings/:id/cancel", bookings.Cancel)
	api.POST("/bookings/:id/extend", bookings.Extend)
	api.POST("/bookings/:id/rate", bookings.Rate)
	api.POST("/bookings/:id/verify", bookings.Verify)
	api.GET("/bookings/:id/visibility", bookings.Visibility)

	tracking := handlers.NewTrackingHandler(deps.Engine, deps.Log)
	api.POST("/bookings/:id/tracking", tracking.Start)
	api.GET("/bookings/:id/tracking", tracking.View)
	api.DELETE("/bookings/:id/tracking", tracking.Stop)
	api.GET("/bookings/:id/tracking/stream", tracking.Stream)
	api.POST("/app/foreground", tracking.Foreground)

	locations := handlers.NewLocationHandler(deps.Engine, deps.Nearby)
	api.PUT("/guards/:id/location", locations.Update)
	api.GET("/guards/nearby", locations.Nearby)

	return r
}
