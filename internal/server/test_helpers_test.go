package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/guildhall-labs/guildhall/backend/internal/auth"
	"github.com/guildhall-labs/guildhall/backend/internal/ledger"
	"github.com/guildhall-labs/guildhall/backend/internal/platform"
	"github.com/guildhall-labs/guildhall/backend/internal/tickets"
	"gorm.io/gorm"
)

const (
	testGatewayKey    = "test-gateway-key"
	testSigningSecret = "test-signing-secret"
)

type routerFixture struct {
	handler  http.Handler
	issuer   *auth.TokenIssuer
	platform *platform.Memory
	events   *EventDispatcher
	tickets  *tickets.Service
	ledger   *ledger.Service
}

// stubTokenManager lets middleware tests force validation outcomes without
// minting real tokens.
type stubTokenManager struct {
	subject     string
	validateErr error
}

func (s stubTokenManager) IssueActorToken(context.Context, string) (string, int64, error) {
	return "stub-token", 60, nil
}

func (s stubTokenManager) ValidateToken(string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	return s.subject, nil
}

func mustRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(t.TempDir(), "router.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ledger.Snapshot{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := ledger.NewStore(ledger.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}

	memory := platform.NewMemory()
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Store:     store,
		Directory: memory,
		Remover:   memory,
		Notifier:  memory,
		Roll:      func(min, _ int) int { return min },
	})
	if err != nil {
		t.Fatalf("unexpected ledger error: %v", err)
	}

	ticketService, err := tickets.NewService(tickets.ServiceConfig{
		Channels:        memory,
		Notifier:        memory,
		Directory:       memory,
		SupportCategory: "support",
		StaffRoles:      []string{"administration", "moderator"},
		ElevatedRoles:   []string{"owner", "administration"},
		CloseGraceDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected tickets error: %v", err)
	}
	t.Cleanup(ticketService.Shutdown)

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	events := NewEventDispatcher()

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		Tickets:      ticketService,
		Ledger:       ledgerService,
		Events:       events,
		GatewayKey:   testGatewayKey,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	return routerFixture{
		handler:  handler,
		issuer:   issuer,
		platform: memory,
		events:   events,
		tickets:  ticketService,
		ledger:   ledgerService,
	}
}

// do performs a request against the router, minting an actor token for
// memberID when one is given.
func (f routerFixture) do(t *testing.T, method, path string, body any, memberID string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if memberID != "" {
		token, _, err := f.issuer.IssueActorToken(context.Background(), memberID)
		if err != nil {
			t.Fatalf("failed to issue actor token: %v", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}
