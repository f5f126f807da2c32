package opsapi

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phishtriage/pkg/metrics"
)

func doGet(app *fiber.App, url string) (*http.Response, []byte) {
	req := httptest.NewRequest("GET", url, nil)
	resp, err := app.Test(req)
	if err != nil {
		panic(err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHealthAlwaysReportsOK(t *testing.T) {
	app := fiber.New()
	h := New(metrics.NewRegistry())
	h.Mount(app)

	resp, body := doGet(app, "/health")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "\"status\":\"ok\"")
}

func TestReadyReportsOKWhenAllComponentsHealthy(t *testing.T) {
	app := fiber.New()
	h := New(metrics.NewRegistry())
	h.Register("cache", func() error { return nil })
	h.Register("history", func() error { return nil })
	h.Mount(app)

	resp, body := doGet(app, "/ready")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "\"cache\":\"ok\"")
}

func TestReadyReportsServiceUnavailableWhenAComponentFails(t *testing.T) {
	app := fiber.New()
	h := New(metrics.NewRegistry())
	h.Register("cache", func() error { return nil })
	h.Register("history", func() error { return errors.New("connection refused") })
	h.Mount(app)

	resp, body := doGet(app, "/ready")
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "connection refused")
}

func TestMetricsReportsCountersAndPercentiles(t *testing.T) {
	m := metrics.NewRegistry()
	m.Counter("webhook_notifications_received").Inc()
	m.Observe("risk_score", 7.5)

	app := fiber.New()
	h := New(m)
	h.Mount(app)

	resp, body := doGet(app, "/metrics")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "webhook_notifications_received")
	assert.Contains(t, string(body), "risk_score")
}
