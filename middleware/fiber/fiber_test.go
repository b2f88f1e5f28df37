package fiber

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gopremium/pkg/entitlement"
	"github.com/mihaimyh/gopremium/storage/memory"
)

// Test helper to create a test manager over in-memory storage
func setupTestManager(t *testing.T) (*entitlement.Manager, *memory.Storage) {
	t.Helper()

	storage := memory.New()
	manager, err := entitlement.NewManager(storage, entitlement.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager, storage
}

// Test helper to give a user an active web subscription
func setupPremium(t *testing.T, manager *entitlement.Manager, userID string) {
	t.Helper()

	now := time.Now().UTC()
	_, err := manager.ApplyWebEvent(context.Background(),
		entitlement.EventRef{Provider: entitlement.ProviderStripe, EventID: "evt_" + userID},
		entitlement.WebSubscription{
			UserID:                 userID,
			ProviderSubscriptionID: "sub_" + userID,
			Status:                 entitlement.WebStatusActive,
			CurrentPeriodStart:     now.Add(-time.Hour),
			CurrentPeriodEnd:       now.Add(30 * 24 * time.Hour),
			AssertedAt:             now,
		})
	if err != nil {
		t.Fatalf("Failed to set up premium: %v", err)
	}
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Get("/api/:user", RequirePremium(cfg), func(c *fiber.Ctx) error {
		userID, _ := c.Locals(UserIDKey).(string)
		return c.SendString(userID)
	})
	return app
}

func serve(t *testing.T, app *fiber.App, path, userID string) (int, string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestRequirePremium(t *testing.T) {
	manager, _ := setupTestManager(t)
	setupPremium(t, manager, "user1")

	app := newApp(Config{Checker: manager, GetUserID: FromHeader("X-User-ID")})

	tests := []struct {
		name     string
		userID   string
		wantCode int
	}{
		{"premium user", "user1", fiber.StatusOK},
		{"free user", "user2", fiber.StatusPaymentRequired},
		{"anonymous", "", fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := serve(t, app, "/api/x", tt.userID)
			if code != tt.wantCode {
				t.Fatalf("Expected status %d, got %d", tt.wantCode, code)
			}
			if tt.wantCode == fiber.StatusOK && body != tt.userID {
				t.Errorf("Expected user ID %q in locals, got %q", tt.userID, body)
			}
		})
	}
}

func TestRequirePremium_StorageError(t *testing.T) {
	manager, storage := setupTestManager(t)
	storage.FailOn("GetUserEntitlement", entitlement.ErrStorageUnavailable)

	app := newApp(Config{Checker: manager, GetUserID: FromHeader("X-User-ID")})

	if code, _ := serve(t, app, "/api/x", "user1"); code != fiber.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", code)
	}
}

func TestRequirePremium_CustomCallbacks(t *testing.T) {
	manager, storage := setupTestManager(t)

	app := newApp(Config{
		Checker:   manager,
		GetUserID: FromHeader("X-User-ID"),
		OnUnauthorized: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusForbidden).SendString("login")
		},
		OnNotPremium: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusForbidden).SendString("upgrade")
		},
		OnError: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
		},
	})

	if _, body := serve(t, app, "/api/x", ""); body != "login" {
		t.Errorf("Expected custom unauthorized body, got %q", body)
	}
	if _, body := serve(t, app, "/api/x", "user2"); body != "upgrade" {
		t.Errorf("Expected custom not-premium body, got %q", body)
	}

	storage.FailOn("GetUserEntitlement", entitlement.ErrStorageUnavailable)
	if code, _ := serve(t, app, "/api/x", "user2"); code != fiber.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", code)
	}
}

func TestExtractors(t *testing.T) {
	manager, _ := setupTestManager(t)
	setupPremium(t, manager, "user1")

	t.Run("param", func(t *testing.T) {
		app := newApp(Config{Checker: manager, GetUserID: FromParam("user")})
		if code, _ := serve(t, app, "/api/user1", ""); code != fiber.StatusOK {
			t.Errorf("Expected status 200, got %d", code)
		}
	})

	t.Run("context", func(t *testing.T) {
		app := fiber.New()
		app.Get("/api", func(c *fiber.Ctx) error {
			c.Locals("UserID", "user1")
			return c.Next()
		}, RequirePremium(Config{Checker: manager, GetUserID: FromContext("UserID")}), func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusNoContent)
		})
		if code, _ := serve(t, app, "/api", ""); code != fiber.StatusNoContent {
			t.Errorf("Expected status 204, got %d", code)
		}
	})
}
