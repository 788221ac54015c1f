// README: Ambulance crew handlers: session, current assignment, accept/decline/complete.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"lifelink/internal/http/middleware"
	"lifelink/internal/modules/ambulance"
	"lifelink/internal/modules/dispatch"
	"lifelink/internal/modules/emergency"
	"lifelink/internal/types"
)

// CrewRole is the token role carried by ambulance sessions.
const CrewRole = "ambulance"

type CrewService interface {
	Login(ctx context.Context, cmd dispatch.LoginCommand) (*ambulance.Ambulance, error)
	Logout(ctx context.Context, id types.ID) (*ambulance.Ambulance, error)
	Assignment(ctx context.Context, ambulanceID types.ID) (*dispatch.AssignmentView, error)
	Accept(ctx context.Context, cmd dispatch.CrewCommand) (*dispatch.AcceptResult, error)
	Decline(ctx context.Context, cmd dispatch.DeclineCommand) (*emergency.Emergency, error)
	Complete(ctx context.Context, cmd dispatch.CrewCommand) (*dispatch.CompleteResult, error)
}

type TokenIssuer interface {
	Issue(subject, role string) (string, time.Time, error)
}

type CrewHandler struct {
	dispatch CrewService
	tokens   TokenIssuer
}

func NewCrewHandler(svc CrewService, tokens TokenIssuer) *CrewHandler {
	return &CrewHandler{dispatch: svc, tokens: tokens}
}

type loginReq struct {
	DeviceID  string `json:"device_id" binding:"required,max=64"`
	Password  string `json:"password" binding:"required,max=128"`
	PushToken string `json:"push_token" binding:"max=4096"`
}

type declineReq struct {
	Reason string `json:"reason" binding:"max=300"`
}

func (h *CrewHandler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	a, err := h.dispatch.Login(c.Request.Context(), dispatch.LoginCommand{
		DeviceID:  req.DeviceID,
		Password:  req.Password,
		PushToken: req.PushToken,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	token, exp, err := h.tokens.Issue(string(a.ID), CrewRole)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": exp,
		"ambulance":  a,
	})
}

func (h *CrewHandler) Logout(c *gin.Context) {
	id, ok := crewID(c)
	if !ok {
		return
	}
	a, err := h.dispatch.Logout(c.Request.Context(), id)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"ambulance_id": a.ID, "status": a.Status})
}

func (h *CrewHandler) Assignment(c *gin.Context) {
	id, ok := crewID(c)
	if !ok {
		return
	}
	v, err := h.dispatch.Assignment(c.Request.Context(), id)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"assignment": v})
}

func (h *CrewHandler) Accept(c *gin.Context) {
	cmd, ok := crewCommand(c)
	if !ok {
		return
	}
	res, err := h.dispatch.Accept(c.Request.Context(), cmd)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"emergency_id":          res.Emergency.ID,
		"status":                res.Emergency.Status,
		"google_maps_link":      res.MapsLink,
		"eta_minutes":           round1(res.EtaMinutes),
		"response_time_seconds": round1(res.ResponseTimeSeconds),
		"message":               res.Message,
		"emergency":             res.Emergency,
	})
}

func (h *CrewHandler) Decline(c *gin.Context) {
	cmd, ok := crewCommand(c)
	if !ok {
		return
	}
	var req declineReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBindError(c, err)
		return
	}
	e, err := h.dispatch.Decline(c.Request.Context(), dispatch.DeclineCommand{
		EmergencyID: cmd.EmergencyID,
		AmbulanceID: cmd.AmbulanceID,
		Reason:      req.Reason,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"emergency_id": e.ID,
		"status":       e.Status,
		"message":      "Emergency declined; searching for another ambulance",
	})
}

func (h *CrewHandler) Complete(c *gin.Context) {
	cmd, ok := crewCommand(c)
	if !ok {
		return
	}
	res, err := h.dispatch.Complete(c.Request.Context(), cmd)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{
		"emergency_id":          res.Emergency.ID,
		"status":                res.Emergency.Status,
		"lives_saved":           res.LivesSaved,
		"response_time_minutes": round1(res.ResponseTimeMinutes),
		"total_time_minutes":    round1(res.TotalTimeMinutes),
	})
}

// crewID reads the ambulance id from the verified token. It writes the error
// response itself when the caller is not a crew session.
func crewID(c *gin.Context) (types.ID, bool) {
	if middleware.CallerRole(c) != CrewRole {
		writeError(c, http.StatusForbidden, "forbidden: ambulance role required")
		return "", false
	}
	uid := middleware.CallerUID(c)
	if !isValidID(uid) {
		writeError(c, http.StatusUnauthorized, "invalid token subject")
		return "", false
	}
	return types.ID(uid), true
}

func crewCommand(c *gin.Context) (dispatch.CrewCommand, bool) {
	ambulanceID, ok := crewID(c)
	if !ok {
		return dispatch.CrewCommand{}, false
	}
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid emergency id")
		return dispatch.CrewCommand{}, false
	}
	return dispatch.CrewCommand{EmergencyID: types.ID(id), AmbulanceID: ambulanceID}, true
}
