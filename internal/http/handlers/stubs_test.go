package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"lifelink/internal/http/handlers"
	httpmiddleware "lifelink/internal/http/middleware"
	"lifelink/internal/infra"
	"lifelink/internal/modules/activity"
	"lifelink/internal/modules/ambulance"
	"lifelink/internal/modules/dispatch"
	"lifelink/internal/modules/emergency"
	"lifelink/internal/realtime"
	"lifelink/internal/types"
)

const (
	unitID      = "6f1c2b7e-0d4a-4c7e-9a61-2f3e4d5c6b7a"
	emergencyID = "0b6a3e1d-8c2f-4e5a-9b7c-1d2e3f4a5b6c"
)

// stubDispatch records the last command and returns canned results.
type stubDispatch struct {
	mu sync.Mutex

	created   *dispatch.CreateCommand
	accident  *dispatch.AccidentReport
	crew      *dispatch.CrewCommand
	declined  *dispatch.DeclineCommand
	cancelled *dispatch.CancelCommand
	location  *types.Point
	nearbyArg struct {
		center types.Point
		radius float64
		limit  int
	}
	sweeps []string

	createRes   *dispatch.CreateResult
	emergency   *emergency.Emergency
	events      []emergency.Event
	unit        *ambulance.Ambulance
	assignment  *dispatch.AssignmentView
	acceptRes   *dispatch.AcceptResult
	completeRes *dispatch.CompleteResult
	nearby      []dispatch.NearbyAmbulance
	sweepRes    dispatch.SweepResult
	dashboard   *dispatch.Dashboard
	err         error
	sweepErr    error
}

func (s *stubDispatch) Create(_ context.Context, cmd dispatch.CreateCommand) (*dispatch.CreateResult, error) {
	s.created = &cmd
	return s.createRes, s.err
}

func (s *stubDispatch) CreateAccident(_ context.Context, r dispatch.AccidentReport) (*dispatch.CreateResult, error) {
	s.accident = &r
	return s.createRes, s.err
}

func (s *stubDispatch) Get(context.Context, types.ID) (*emergency.Emergency, error) {
	return s.emergency, s.err
}

func (s *stubDispatch) History(context.Context, types.ID) ([]emergency.Event, error) {
	return s.events, s.err
}

func (s *stubDispatch) CancelPending(_ context.Context, cmd dispatch.CancelCommand) (*emergency.Emergency, error) {
	s.cancelled = &cmd
	return s.emergency, s.err
}

func (s *stubDispatch) Login(context.Context, dispatch.LoginCommand) (*ambulance.Ambulance, error) {
	return s.unit, s.err
}

func (s *stubDispatch) Logout(context.Context, types.ID) (*ambulance.Ambulance, error) {
	return s.unit, s.err
}

func (s *stubDispatch) Assignment(context.Context, types.ID) (*dispatch.AssignmentView, error) {
	return s.assignment, s.err
}

func (s *stubDispatch) Accept(_ context.Context, cmd dispatch.CrewCommand) (*dispatch.AcceptResult, error) {
	s.crew = &cmd
	return s.acceptRes, s.err
}

func (s *stubDispatch) Decline(_ context.Context, cmd dispatch.DeclineCommand) (*emergency.Emergency, error) {
	s.declined = &cmd
	return s.emergency, s.err
}

func (s *stubDispatch) Complete(_ context.Context, cmd dispatch.CrewCommand) (*dispatch.CompleteResult, error) {
	s.crew = &cmd
	return s.completeRes, s.err
}

func (s *stubDispatch) UpdateLocation(_ context.Context, _ types.ID, p types.Point) error {
	s.location = &p
	return s.err
}

func (s *stubDispatch) Nearby(_ context.Context, center types.Point, radiusKm float64, limit int) ([]dispatch.NearbyAmbulance, error) {
	s.nearbyArg.center, s.nearbyArg.radius, s.nearbyArg.limit = center, radiusKm, limit
	return s.nearby, s.err
}

func (s *stubDispatch) Sweep(context.Context) (dispatch.SweepResult, error) {
	s.mu.Lock()
	s.sweeps = append(s.sweeps, "sweep")
	s.mu.Unlock()
	return s.sweepRes, s.sweepErr
}

func (s *stubDispatch) Dashboard(context.Context) (*dispatch.Dashboard, error) {
	s.mu.Lock()
	s.sweeps = append(s.sweeps, "dashboard")
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	d := *s.dashboard
	return &d, nil
}

type stubFeed struct {
	notifications []activity.Notification
	unread        int64
	markErr       error
	err           error
	marked        types.ID
	unreadOnly    bool
	limit         int
}

func (f *stubFeed) Notifications(_ context.Context, unreadOnly bool, limit int) ([]activity.Notification, error) {
	f.unreadOnly, f.limit = unreadOnly, limit
	return f.notifications, f.err
}

func (f *stubFeed) UnreadCount(context.Context) (int64, error) { return f.unread, f.err }

func (f *stubFeed) MarkRead(_ context.Context, id types.ID) error {
	f.marked = id
	return f.markErr
}

func (f *stubFeed) RecentActivities(context.Context, int) ([]activity.Activity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []activity.Activity{{Type: "emergency_reported"}}, nil
}

func (f *stubFeed) RecentDecisions(context.Context, int) ([]activity.Decision, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []activity.Decision{{Action: "assigned", Status: activity.DecisionSuccess}}, nil
}

type stubIssuer struct{}

func (stubIssuer) Issue(subject, role string) (string, time.Time, error) {
	return "token-for-" + subject + "-" + role, time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC), nil
}

// stubTokenVerifier is a test double for infra.TokenVerifier.
type stubTokenVerifier struct {
	token *infra.AuthToken
	err   error
}

func (s *stubTokenVerifier) Verify(context.Context, string) (*infra.AuthToken, error) {
	return s.token, s.err
}

func makeVerifier(uid, role string) *stubTokenVerifier {
	return &stubTokenVerifier{token: &infra.AuthToken{UID: uid, Role: role}}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// buildTestRouter wires the handlers the same way the server does, minus logging.
func buildTestRouter(svc *stubDispatch, feed *stubFeed, verifier infra.TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handlers.RegisterValidators()
	r := gin.New()

	eh := handlers.NewEmergencyHandler(svc)
	r.POST("/api/emergencies", eh.Create)
	r.POST("/api/accidents", eh.ReportAccident)
	r.GET("/api/emergencies/:id", eh.Get)
	r.GET("/api/emergencies/:id/events", eh.History)
	r.POST("/api/emergencies/:id/cancel", eh.Cancel)

	lh := handlers.NewLocationHandler(svc, 25)
	r.GET("/api/ambulances/nearby", lh.Nearby)

	ch := handlers.NewCrewHandler(svc, stubIssuer{})
	r.POST("/api/ambulance/login", ch.Login)
	crew := r.Group("/api/ambulance", httpmiddleware.Auth(verifier))
	crew.POST("/logout", ch.Logout)
	crew.POST("/location", lh.Update)
	crew.GET("/assignment", ch.Assignment)
	crew.POST("/emergencies/:id/accept", ch.Accept)
	crew.POST("/emergencies/:id/decline", ch.Decline)
	crew.POST("/emergencies/:id/complete", ch.Complete)

	hub := realtime.NewHub(quietLogger())
	ctl := handlers.NewControlHandler(svc, feed, hub, quietLogger())
	r.POST("/api/dispatch/sweep", ctl.Sweep)
	r.GET("/api/control/dashboard", ctl.Dashboard)
	r.GET("/api/control/notifications", ctl.Notifications)
	r.POST("/api/control/notifications/:id/read", ctl.MarkRead)
	r.GET("/api/control/live", ctl.Live)
	return r
}

func doRequest(r *gin.Engine, method, path string, body interface{}, authHeader string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return out
}
