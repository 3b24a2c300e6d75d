package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"anypay.backend/internal/config"
	"anypay.backend/internal/infrastructure/registry"
	"anypay.backend/internal/interfaces/http/handlers"
	"anypay.backend/pkg/jwt"
)

func testRouter(t *testing.T) (*gin.Engine, *jwt.JWTService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	chains, err := registry.Load(registry.Options{})
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	jwtService := jwt.NewJWTService("secret", time.Minute, "anypay")

	cfg := &config.Config{Bridge: config.BridgeConfig{WebhookSecret: "whsec", WebhookMaxSkew: time.Minute}}
	r := newRouter(cfg, routeDeps{
		chainHandler:      handlers.NewChainHandler(chains),
		balanceHandler:    handlers.NewBalanceHandler(nil),
		debtHandler:       handlers.NewDebtHandler(nil),
		settlementHandler: handlers.NewSettlementHandler(nil),
		webhookHandler:    handlers.NewWebhookHandler(nil, nil),
		healthHandler:     handlers.NewHealthHandler(nil),
		jwtService:        jwtService,
	})
	return r, jwtService
}

func TestRegisterAPIV1Routes_RegistersKeyRoutes(t *testing.T) {
	r, _ := testRouter(t)

	expects := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/api/v1/chains"},
		{"GET", "/api/v1/chains/:chainId"},
		{"GET", "/api/v1/balances"},
		{"POST", "/api/v1/debts"},
		{"GET", "/api/v1/debts/mine"},
		{"GET", "/api/v1/debts/:id"},
		{"POST", "/api/v1/settlements/prepare"},
		{"POST", "/api/v1/settlements/submit"},
		{"POST", "/api/v1/settlements/finalize"},
		{"POST", "/api/v1/webhooks/bridge"},
		{"GET", "/api/v1/admin/debts"},
		{"POST", "/api/v1/admin/reconcile"},
	}

	routes := r.Routes()
	for _, exp := range expects {
		found := false
		for _, route := range routes {
			if route.Method == exp.method && route.Path == exp.path {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("route %s %s not registered", exp.method, exp.path)
		}
	}
}

func TestRouter_PublicRoutesRespond(t *testing.T) {
	r, _ := testRouter(t)

	for _, path := range []string{"/health", "/metrics", "/api/v1/chains"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestRouter_ProtectedRoutes(t *testing.T) {
	r, jwtService := testRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/debts/mine", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, err := jwtService.GenerateToken("alice", "", jwt.RoleUser)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-operator, got %d", rec.Code)
	}
}

func TestRouter_WebhookRequiresSignature(t *testing.T) {
	r, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/bridge", strings.NewReader(`{"messageId":"0x01"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned webhook, got %d", rec.Code)
	}
}
