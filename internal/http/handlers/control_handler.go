// README: Control-room handlers: dispatch sweep, dashboard, notifications, live feed.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"lifelink/internal/modules/activity"
	"lifelink/internal/modules/dispatch"
	"lifelink/internal/realtime"
	"lifelink/internal/types"
)

const (
	feedLimit         = 20
	maxFeedLimit      = 200
	notificationLimit = 50
)

type ControlService interface {
	Sweep(ctx context.Context) (dispatch.SweepResult, error)
	Dashboard(ctx context.Context) (*dispatch.Dashboard, error)
}

type Feed interface {
	Notifications(ctx context.Context, unreadOnly bool, limit int) ([]activity.Notification, error)
	UnreadCount(ctx context.Context) (int64, error)
	MarkRead(ctx context.Context, id types.ID) error
	RecentActivities(ctx context.Context, limit int) ([]activity.Activity, error)
	RecentDecisions(ctx context.Context, limit int) ([]activity.Decision, error)
}

type ControlHandler struct {
	dispatch ControlService
	feed     Feed
	hub      *realtime.Hub
	log      logrus.FieldLogger

	mu        sync.Mutex
	lastSweep *dispatch.SweepResult
}

func NewControlHandler(svc ControlService, feed Feed, hub *realtime.Hub, log logrus.FieldLogger) *ControlHandler {
	return &ControlHandler{dispatch: svc, feed: feed, hub: hub, log: log}
}

type notificationsQuery struct {
	Unread bool `form:"unread"`
	Limit  int  `form:"limit" binding:"omitempty,gte=1"`
}

type dashboardResponse struct {
	*dispatch.Dashboard
	UnreadNotifications int64                   `json:"unread_notifications"`
	Notifications       []activity.Notification `json:"notifications"`
	RecentActivities    []activity.Activity     `json:"recent_activities"`
	RecentDecisions     []activity.Decision     `json:"recent_decisions"`
}

type sweepResponse struct {
	dispatch.SweepResult
	Errors []string `json:"errors,omitempty"`
}

// Sweep reports a partial sweep as 200 with its counts and the records that failed;
// only a sweep that could not run at all is an error response.
func (h *ControlHandler) Sweep(c *gin.Context) {
	res, err := h.sweep(c.Request.Context())
	if err != nil && !partialSweep(err) {
		writeDispatchError(c, err)
		return
	}
	out := sweepResponse{SweepResult: res}
	if err != nil {
		_ = c.Error(err)
		out.Errors = sweepErrors(err)
	}
	writeJSON(c, http.StatusOK, out)
}

func (h *ControlHandler) sweep(ctx context.Context) (dispatch.SweepResult, error) {
	res, err := h.dispatch.Sweep(ctx)
	if (err == nil || partialSweep(err)) && !res.Skipped {
		h.mu.Lock()
		h.lastSweep = &res
		h.mu.Unlock()
	}
	return res, err
}

// Dashboard runs a sweep first so the view never shows an offer past its window.
// The activity feed is best effort: a sink outage leaves its lists empty.
func (h *ControlHandler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.sweep(ctx); err != nil {
		h.log.WithError(err).Warn("dashboard sweep failed")
	}
	d, err := h.dispatch.Dashboard(ctx)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	h.mu.Lock()
	d.LastSweep = h.lastSweep
	h.mu.Unlock()

	out := dashboardResponse{
		Dashboard:        d,
		Notifications:    []activity.Notification{},
		RecentActivities: []activity.Activity{},
		RecentDecisions:  []activity.Decision{},
	}
	if n, err := h.feed.UnreadCount(ctx); err != nil {
		h.log.WithError(err).Warn("dashboard unread count failed")
	} else {
		out.UnreadNotifications = n
	}
	if list, err := h.feed.Notifications(ctx, true, feedLimit); err != nil {
		h.log.WithError(err).Warn("dashboard notifications failed")
	} else if list != nil {
		out.Notifications = list
	}
	if list, err := h.feed.RecentActivities(ctx, feedLimit); err != nil {
		h.log.WithError(err).Warn("dashboard activities failed")
	} else if list != nil {
		out.RecentActivities = list
	}
	if list, err := h.feed.RecentDecisions(ctx, feedLimit); err != nil {
		h.log.WithError(err).Warn("dashboard decisions failed")
	} else if list != nil {
		out.RecentDecisions = list
	}
	writeJSON(c, http.StatusOK, out)
}

func (h *ControlHandler) Notifications(c *gin.Context) {
	var q notificationsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeBindError(c, err)
		return
	}
	limit := q.Limit
	switch {
	case limit == 0:
		limit = notificationLimit
	case limit > maxFeedLimit:
		limit = maxFeedLimit
	}
	ctx := c.Request.Context()
	list, err := h.feed.Notifications(ctx, q.Unread, limit)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	unread, err := h.feed.UnreadCount(ctx)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	if list == nil {
		list = []activity.Notification{}
	}
	writeJSON(c, http.StatusOK, map[string]any{"notifications": list, "unread_count": unread})
}

func (h *ControlHandler) MarkRead(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid notification id")
		return
	}
	if err := h.feed.MarkRead(c.Request.Context(), types.ID(id)); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"id": id, "read": true})
}

// Live upgrades to a websocket; ?kinds=decision,notification narrows the stream.
func (h *ControlHandler) Live(c *gin.Context) {
	var kinds []string
	if raw := c.Query("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, k)
			}
		}
	}
	if err := realtime.Serve(h.hub, c.Writer, c.Request, kinds); err != nil {
		h.log.WithError(err).Debug("live subscription refused")
	}
}

type multiError interface{ Unwrap() []error }

// partialSweep reports whether err is the joined per-pass failures of a sweep that ran.
func partialSweep(err error) bool {
	_, ok := err.(multiError)
	return ok
}

// sweepErrors flattens pass errors into one message per failed record.
func sweepErrors(err error) []string {
	var out []string
	for _, pass := range unwrapJoined(err) {
		for _, rec := range unwrapJoined(pass) {
			out = append(out, rec.Error())
		}
	}
	return out
}

func unwrapJoined(err error) []error {
	if j, ok := err.(multiError); ok {
		return j.Unwrap()
	}
	return []error{err}
}
