package controllers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiprotichDev/NetPesa/app/models"
	"github.com/KiprotichDev/NetPesa/internal/pkg/netgrant"
)

type recordingController struct {
	revoked []string
}

func (r *recordingController) Grant(context.Context, string, string, string) netgrant.Result {
	return netgrant.Result{Success: true}
}

func (r *recordingController) Revoke(_ context.Context, mac string) netgrant.Result {
	r.revoked = append(r.revoked, mac)
	return netgrant.Result{Success: true}
}

func newSessionApp(sessions *memSessionRepo, audit *memAudit, ctrl netgrant.Controller) *fiber.App {
	app := fiber.New()
	sc := NewSessionController(sessions, audit, ctrl)
	app.Post("/api/v1/sessions/disconnect", sc.HandleDisconnect)
	app.Get("/api/v1/sessions/status", sc.HandleStatus)
	return app
}

func TestDisconnectClosesActiveSession(t *testing.T) {
	sessions := &memSessionRepo{active: map[string]*models.Session{
		"AA:BB:CC:DD:EE:0F": {ID: 1, MacAddress: "AA:BB:CC:DD:EE:0F", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	audit := &memAudit{}
	ctrl := &recordingController{}
	app := newSessionApp(sessions, audit, ctrl)

	req := httptest.NewRequest("POST", "/api/v1/sessions/disconnect",
		strings.NewReader(`{"mac_address":"aa:bb:cc:dd:ee:0f"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{"AA:BB:CC:DD:EE:0F"}, ctrl.revoked)
	s := sessions.active["AA:BB:CC:DD:EE:0F"]
	require.NotNil(t, s.DisconnectedAt)
	assert.Equal(t, models.DisconnectReasonUser, s.DisconnectReason)
	assert.Equal(t, []string{models.AuditActionSessionDisconnect}, audit.actions)
}

func TestDisconnectWithoutActiveSession(t *testing.T) {
	sessions := &memSessionRepo{active: map[string]*models.Session{}}
	app := newSessionApp(sessions, &memAudit{}, &recordingController{})

	req := httptest.NewRequest("POST", "/api/v1/sessions/disconnect",
		strings.NewReader(`{"mac_address":"AA:BB:CC:DD:EE:0F"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestSessionStatus(t *testing.T) {
	sessions := &memSessionRepo{active: map[string]*models.Session{
		"AA:BB:CC:DD:EE:0F": {ID: 1, MacAddress: "AA:BB:CC:DD:EE:0F", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	app := newSessionApp(sessions, &memAudit{}, &recordingController{})

	req := httptest.NewRequest("GET", "/api/v1/sessions/status?mac=AA:BB:CC:DD:EE:0F", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	req = httptest.NewRequest("GET", "/api/v1/sessions/status?mac=AA:BB:CC:DD:EE:01", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
