package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiprotichDev/NetPesa/app/models"
)

type recordingAudit struct {
	actions []string
}

func (r *recordingAudit) Write(action, detail, actor string) error {
	r.actions = append(r.actions, action)
	return nil
}

func newAllowlistApp(audit *recordingAudit) *fiber.App {
	// ProxyHeader lets the test drive c.IP() through a request header.
	app := fiber.New(fiber.Config{ProxyHeader: "X-Forwarded-For"})
	app.Post("/callback", GatewayAllowlist(audit), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestGatewayAllowlistAcceptsGatewayRange(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	audit := &recordingAudit{}
	app := newAllowlistApp(audit)

	req := httptest.NewRequest("POST", "/callback", nil)
	req.Header.Set("X-Forwarded-For", "196.201.214.15")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, audit.actions)
}

func TestGatewayAllowlistRejectsUnknownSource(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	audit := &recordingAudit{}
	app := newAllowlistApp(audit)

	req := httptest.NewRequest("POST", "/callback", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, []string{models.AuditActionWebhookRejected}, audit.actions)
}

func TestGatewayAllowlistBypassedInDev(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	audit := &recordingAudit{}
	app := newAllowlistApp(audit)

	req := httptest.NewRequest("POST", "/callback", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestParseAllowlist(t *testing.T) {
	nets := parseAllowlist("10.0.0.1, 192.168.0.0/16, garbage")
	require.Len(t, nets, 2)
	assert.Equal(t, "10.0.0.1/32", nets[0].String())
	assert.Equal(t, "192.168.0.0/16", nets[1].String())
}
