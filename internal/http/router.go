// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"lifelink/internal/http/handlers"
	"lifelink/internal/http/middleware"
)

func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logging(s.deps.Log), middleware.Recovery(s.deps.Log))

	emergencyHandler := handlers.NewEmergencyHandler(s.deps.Dispatch)
	r.POST("/api/emergencies", emergencyHandler.Create)
	r.POST("/api/accidents", emergencyHandler.ReportAccident)
	r.GET("/api/emergencies/:id", emergencyHandler.Get)
	r.GET("/api/emergencies/:id/events", emergencyHandler.History)
	r.POST("/api/emergencies/:id/cancel", emergencyHandler.Cancel)

	locationHandler := handlers.NewLocationHandler(s.deps.Dispatch, s.deps.NearbyRadiusKm)
	r.GET("/api/ambulances/nearby", locationHandler.Nearby)

	crewHandler := handlers.NewCrewHandler(s.deps.Dispatch, s.deps.Tokens)
	r.POST("/api/ambulance/login", crewHandler.Login)

	crew := r.Group("/api/ambulance", middleware.Auth(s.deps.Verifier), middleware.RequireRole(handlers.CrewRole))
	crew.POST("/logout", crewHandler.Logout)
	crew.POST("/location", locationHandler.Update)
	crew.GET("/assignment", crewHandler.Assignment)
	crew.POST("/emergencies/:id/accept", crewHandler.Accept)
	crew.POST("/emergencies/:id/decline", crewHandler.Decline)
	crew.POST("/emergencies/:id/complete", crewHandler.Complete)

	controlHandler := handlers.NewControlHandler(s.deps.Dispatch, s.deps.Feed, s.deps.Hub, s.deps.Log)
	r.POST("/api/dispatch/sweep", controlHandler.Sweep)
	r.GET("/api/control/dashboard", controlHandler.Dashboard)
	r.GET("/api/control/notifications", controlHandler.Notifications)
	r.POST("/api/control/notifications/:id/read", controlHandler.MarkRead)
	r.GET("/api/control/live", controlHandler.Live)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	return r
}
