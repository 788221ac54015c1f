package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"lifelink/internal/infra"
	"lifelink/internal/modules/ambulance"
	"lifelink/internal/modules/dispatch"
	"lifelink/internal/modules/emergency"
	"lifelink/internal/realtime"
)

const (
	testUnit      = "6f1c2b7e-0d4a-4c7e-9a61-2f3e4d5c6b7a"
	testEmergency = "0b6a3e1d-8c2f-4e5a-9b7c-1d2e3f4a5b6c"
)

// partialDispatch implements only what the routing tests exercise.
type partialDispatch struct {
	DispatchService
	accepted *dispatch.CrewCommand
}

func (p *partialDispatch) Login(context.Context, dispatch.LoginCommand) (*ambulance.Ambulance, error) {
	return &ambulance.Ambulance{ID: testUnit, Status: ambulance.StatusAvailable}, nil
}

func (p *partialDispatch) Accept(_ context.Context, cmd dispatch.CrewCommand) (*dispatch.AcceptResult, error) {
	p.accepted = &cmd
	return &dispatch.AcceptResult{Emergency: &emergency.Emergency{ID: cmd.EmergencyID, Status: emergency.StatusOnDuty}}, nil
}

func newTestServer(svc DispatchService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetOutput(io.Discard)
	issuer := infra.NewJWTIssuer("routes-secret", time.Hour)
	return NewServer(ServerDeps{
		Dispatch:       svc,
		Hub:            realtime.NewHub(log),
		Tokens:         issuer,
		Verifier:       issuer,
		Log:            log,
		NearbyRadiusKm: 25,
	}).Routes()
}

func call(r http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRoutes_Health(t *testing.T) {
	w := call(newTestServer(&partialDispatch{}), http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("health = %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected request id header")
	}
}

func TestRoutes_LoginTokenOpensCrewRoutes(t *testing.T) {
	svc := &partialDispatch{}
	r := newTestServer(svc)

	if w := call(r, http.MethodPost, "/api/ambulance/emergencies/"+testEmergency+"/accept", nil, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("without token: expected 401, got %d", w.Code)
	}

	w := call(r, http.MethodPost, "/api/ambulance/login", map[string]string{"device_id": "dev-1", "password": "pw"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil || login.Token == "" {
		t.Fatalf("no token in %s", w.Body.String())
	}

	w = call(r, http.MethodPost, "/api/ambulance/emergencies/"+testEmergency+"/accept", nil, login.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if svc.accepted == nil || svc.accepted.AmbulanceID != testUnit {
		t.Fatalf("accept not attributed to the token subject: %+v", svc.accepted)
	}
}
