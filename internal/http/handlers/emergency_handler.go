// README: Emergency intake handlers for the control room and roadside reporters.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"lifelink/internal/modules/dispatch"
	"lifelink/internal/modules/emergency"
	"lifelink/internal/types"
)

type EmergencyService interface {
	Create(ctx context.Context, cmd dispatch.CreateCommand) (*dispatch.CreateResult, error)
	CreateAccident(ctx context.Context, r dispatch.AccidentReport) (*dispatch.CreateResult, error)
	Get(ctx context.Context, id types.ID) (*emergency.Emergency, error)
	History(ctx context.Context, id types.ID) ([]emergency.Event, error)
	CancelPending(ctx context.Context, cmd dispatch.CancelCommand) (*emergency.Emergency, error)
}

type EmergencyHandler struct {
	dispatch EmergencyService
}

func NewEmergencyHandler(svc EmergencyService) *EmergencyHandler {
	return &EmergencyHandler{dispatch: svc}
}

type pointReq struct {
	Lat *float64 `json:"lat" binding:"required,gte=-90,lte=90"`
	Lng *float64 `json:"lng" binding:"required,gte=-180,lte=180"`
}

func (p pointReq) point() types.Point {
	return types.Point{Lat: *p.Lat, Lng: *p.Lng}
}

type locationReq struct {
	pointReq
	Address string `json:"address" binding:"max=300"`
}

func (l locationReq) location() emergency.Location {
	return emergency.Location{Point: l.point(), Address: l.Address}
}

type createEmergencyReq struct {
	Type            string      `json:"type" binding:"omitempty,oneof=accident medical fire other"`
	Location        locationReq `json:"location"`
	Severity        string      `json:"severity" binding:"required,oneof=low medium high critical"`
	PatientCount    int         `json:"patient_count" binding:"omitempty,gte=1,lte=100"`
	Description     string      `json:"description" binding:"max=2000"`
	CallerName      string      `json:"caller_name" binding:"max=120"`
	CallerPhone     string      `json:"caller_phone" binding:"max=32"`
	VehicleInvolved bool        `json:"vehicle_involved"`
	FireHazard      bool        `json:"fire_hazard"`
	ChemicalHazard  bool        `json:"chemical_hazard"`
	Injuries        []string    `json:"injuries" binding:"omitempty,max=20,dive,max=80"`
	BloodTypeNeeded string      `json:"blood_type_needed" binding:"omitempty,bloodtype"`
}

type accidentReq struct {
	Location        locationReq `json:"location"`
	Severity        string      `json:"severity" binding:"required,oneof=low medium high critical"`
	PatientCount    int         `json:"patient_count" binding:"omitempty,gte=1,lte=100"`
	Description     string      `json:"description" binding:"max=2000"`
	ReporterName    string      `json:"reporter_name" binding:"max=120"`
	ReporterPhone   string      `json:"reporter_phone" binding:"max=32"`
	VehicleInvolved bool        `json:"vehicle_involved"`
	FireHazard      bool        `json:"fire_hazard"`
	ChemicalHazard  bool        `json:"chemical_hazard"`
	Injuries        []string    `json:"injuries" binding:"omitempty,max=20,dive,max=80"`
}

type cancelReq struct {
	Reason string `json:"reason" binding:"max=300"`
}

// createResponse keeps the reporter-facing shape flat: the match is null when
// the emergency is waiting in the queue.
type createResponse struct {
	EmergencyID types.ID             `json:"emergency_id"`
	Status      emergency.Status     `json:"status"`
	Match       *dispatch.MatchInfo  `json:"match"`
	Message     string               `json:"message"`
	Emergency   *emergency.Emergency `json:"emergency"`
}

func (h *EmergencyHandler) Create(c *gin.Context) {
	var req createEmergencyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	res, err := h.dispatch.Create(c.Request.Context(), dispatch.CreateCommand{
		Kind:         emergency.Kind(req.Type),
		Location:     req.Location.location(),
		Severity:     emergency.Severity(req.Severity),
		PatientCount: req.PatientCount,
		Description:  req.Description,
		CallerName:   req.CallerName,
		CallerPhone:  req.CallerPhone,
		Hazards: emergency.Hazards{
			VehicleInvolved: req.VehicleInvolved,
			Fire:            req.FireHazard,
			Chemical:        req.ChemicalHazard,
		},
		Injuries:        req.Injuries,
		BloodTypeNeeded: req.BloodTypeNeeded,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toCreateResponse(res))
}

func (h *EmergencyHandler) ReportAccident(c *gin.Context) {
	var req accidentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	res, err := h.dispatch.CreateAccident(c.Request.Context(), dispatch.AccidentReport{
		Location:        req.Location.location(),
		Severity:        emergency.Severity(req.Severity),
		PatientCount:    req.PatientCount,
		Description:     req.Description,
		ReporterName:    req.ReporterName,
		ReporterPhone:   req.ReporterPhone,
		VehicleInvolved: req.VehicleInvolved,
		FireHazard:      req.FireHazard,
		ChemicalHazard:  req.ChemicalHazard,
		Injuries:        req.Injuries,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toCreateResponse(res))
}

func toCreateResponse(res *dispatch.CreateResult) createResponse {
	out := createResponse{
		EmergencyID: res.Emergency.ID,
		Status:      res.Emergency.Status,
		Match:       res.Match,
		Message:     res.Message,
		Emergency:   res.Emergency,
	}
	if out.Match != nil {
		m := *out.Match
		m.DistanceKm = round1(m.DistanceKm)
		m.EtaMinutes = round1(m.EtaMinutes)
		out.Match = &m
	}
	return out
}

func (h *EmergencyHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid emergency id")
		return
	}
	e, err := h.dispatch.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (h *EmergencyHandler) History(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid emergency id")
		return
	}
	events, err := h.dispatch.History(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	if events == nil {
		events = []emergency.Event{}
	}
	writeJSON(c, http.StatusOK, map[string]any{"emergency_id": id, "events": events})
}

// Cancel is the operator's manual cancel; only pending emergencies qualify.
func (h *EmergencyHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid emergency id")
		return
	}
	var req cancelReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBindError(c, err)
		return
	}
	e, err := h.dispatch.CancelPending(c.Request.Context(), dispatch.CancelCommand{
		EmergencyID: types.ID(id),
		Reason:      req.Reason,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"emergency_id": e.ID, "status": e.Status, "cancel_reason": e.CancelReason})
}
