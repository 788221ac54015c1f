// README: API gateway; holds the service dependencies the routes delegate to.
package http

import (
	"github.com/sirupsen/logrus"

	"lifelink/internal/http/handlers"
	"lifelink/internal/infra"
	"lifelink/internal/realtime"
)

// DispatchService is the full surface of dispatch.Service used over HTTP.
type DispatchService interface {
	handlers.EmergencyService
	handlers.CrewService
	handlers.LocationService
	handlers.ControlService
}

type ServerDeps struct {
	Dispatch       DispatchService
	Feed           handlers.Feed
	Hub            *realtime.Hub
	Tokens         handlers.TokenIssuer
	Verifier       infra.TokenVerifier
	Log            logrus.FieldLogger
	NearbyRadiusKm float64
}

type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	handlers.RegisterValidators()
	return &Server{deps: deps}
}
