// README: Location handlers: crew position updates and the nearest-ambulance preview.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"lifelink/internal/modules/dispatch"
	"lifelink/internal/types"
)

const (
	defaultNearbyLimit = 5
	maxNearbyLimit     = 50
)

type LocationService interface {
	UpdateLocation(ctx context.Context, id types.ID, p types.Point) error
	Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]dispatch.NearbyAmbulance, error)
}

type LocationHandler struct {
	dispatch      LocationService
	defaultRadius float64
}

func NewLocationHandler(svc LocationService, defaultRadiusKm float64) *LocationHandler {
	return &LocationHandler{dispatch: svc, defaultRadius: defaultRadiusKm}
}

type nearbyQuery struct {
	Lat      *float64 `form:"lat" binding:"required,gte=-90,lte=90"`
	Lng      *float64 `form:"lng" binding:"required,gte=-180,lte=180"`
	RadiusKm float64  `form:"radius_km" binding:"omitempty,gt=0,lte=200"`
	Limit    int      `form:"limit" binding:"omitempty,gte=1"`
}

// Update is called by the crew device; the ambulance id comes from the token.
func (h *LocationHandler) Update(c *gin.Context) {
	id, ok := crewID(c)
	if !ok {
		return
	}
	var req pointReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	if err := h.dispatch.UpdateLocation(c.Request.Context(), id, req.point()); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"ack": true})
}

func (h *LocationHandler) Nearby(c *gin.Context) {
	var q nearbyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return
	}
	radius := q.RadiusKm
	if radius == 0 {
		radius = h.defaultRadius
	}
	limit := q.Limit
	switch {
	case limit == 0:
		limit = defaultNearbyLimit
	case limit > maxNearbyLimit:
		limit = maxNearbyLimit
	}

	center := types.Point{Lat: *q.Lat, Lng: *q.Lng}
	list, err := h.dispatch.Nearby(c.Request.Context(), center, radius, limit)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	if list == nil {
		list = []dispatch.NearbyAmbulance{}
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"location":   center,
		"radius_km":  radius,
		"ambulances": list,
	})
}
