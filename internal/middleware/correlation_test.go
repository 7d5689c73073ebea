package middleware_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/middleware"
)

func correlationApp() *fiber.App {
	app := fiber.New()
	app.Use(middleware.CorrelationID())
	app.Get("/echo", func(c *fiber.Ctx) error {
		fromCtx := middleware.CorrelationIDFromContext(c.UserContext())
		return c.SendString(middleware.GetCorrelationID(c) + "|" + fromCtx)
	})
	return app
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCorrelationIDPropagatesIncomingHeader(t *testing.T) {
	app := correlationApp()

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	resp, err := app.Test(req)
	require.NoError(t, err)

	require.Equal(t, "corr-123", resp.Header.Get("X-Correlation-ID"))
	require.Equal(t, "corr-123|corr-123", readBody(t, resp))
}

func TestCorrelationIDFromQueryForUpgrades(t *testing.T) {
	app := correlationApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/echo?correlation_id=ws-7", nil))
	require.NoError(t, err)
	require.Equal(t, "ws-7", resp.Header.Get("X-Correlation-ID"))
}

func TestCorrelationIDGeneratedWhenMissingOrOversized(t *testing.T) {
	app := correlationApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/echo", nil))
	require.NoError(t, err)
	generated := resp.Header.Get("X-Correlation-ID")
	require.Len(t, generated, 36)

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set("X-Correlation-ID", strings.Repeat("x", 200))
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Len(t, resp.Header.Get("X-Correlation-ID"), 36)
}

func TestContextWithCorrelationIgnoresBlank(t *testing.T) {
	ctx := middleware.ContextWithCorrelation(context.Background(), "  ")
	require.Empty(t, middleware.CorrelationIDFromContext(ctx))

	ctx = middleware.ContextWithCorrelation(ctx, " abc ")
	require.Equal(t, "abc", middleware.CorrelationIDFromContext(ctx))
}

func TestRateLimitKeysByUser(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", c.Get("X-User"))
		return c.Next()
	})
	app.Use(middleware.RateLimit("chat", 1, time.Minute))
	app.Get("/rooms", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
		req.Header.Set("X-User", user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	require.Equal(t, fiber.StatusOK, call("u-alice"))
	require.Equal(t, fiber.StatusTooManyRequests, call("u-alice"))
	require.Equal(t, fiber.StatusOK, call("u-bob"))
}
