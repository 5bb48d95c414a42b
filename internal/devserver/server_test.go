package devserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"e2ee-sdk/internal/directory"
	"e2ee-sdk/internal/domain"
	"e2ee-sdk/internal/jwtsigner"
	"e2ee-sdk/internal/service"
	"e2ee-sdk/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *jwtsigner.Signer) {
	t.Helper()
	signer, err := jwtsigner.NewFromBase64("", "test-kid", "http://localhost")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(directory.NewMemory(), signer, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, signer
}

func newHTTPBackedSDK(t *testing.T, ts *httptest.Server) *service.SDK {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	sdk, err := service.New(context.Background(), service.Options{
		Directory: directory.NewHTTPClient(ts.URL),
		Store:     st,
		CacheTTL:  -1,
	})
	if err != nil {
		t.Fatalf("new sdk: %v", err)
	}
	return sdk
}

func TestEndToEndOverHTTP(t *testing.T) {
	ctx := context.Background()
	ts, signer := newTestServer(t)

	signupJWT, err := signer.SignupToken("test-app", BearerTTL)
	if err != nil {
		t.Fatalf("signup token: %v", err)
	}

	alice := newHTTPBackedSDK(t, ts)
	bob := newHTTPBackedSDK(t, ts)
	aliceInfo, err := alice.CreateAccount(ctx, "alice", "laptop", signupJWT, 0)
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bobInfo, err := bob.CreateAccount(ctx, "bob", "laptop", signupJWT, 0)
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}

	if err := alice.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	session, err := alice.CreateEncryptionSession(ctx, []string{aliceInfo.UserID, bobInfo.UserID})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	encrypted, err := session.EncryptMessage("over the wire")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	bobSession, err := bob.RetrieveEncryptionSession(ctx, session.ID(), false)
	if err != nil {
		t.Fatalf("bob retrieve: %v", err)
	}
	clear, err := bobSession.DecryptMessage(encrypted)
	if err != nil {
		t.Fatalf("bob decrypt: %v", err)
	}
	if clear != "over the wire" {
		t.Fatalf("message mismatch: %q", clear)
	}
}

func TestSignupRequiresValidToken(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestServer(t)

	alice := newHTTPBackedSDK(t, ts)
	_, err := alice.CreateAccount(ctx, "alice", "laptop", "not-a-jwt", 0)
	if !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("bad signup token: want ErrAccessDenied, got %v", err)
	}
}

func TestBearerRequiredOnAPIRoutes(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/heartbeat")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", resp.StatusCode)
	}
}

func TestErrorMappingAcrossWire(t *testing.T) {
	ctx := context.Background()
	ts, signer := newTestServer(t)

	signupJWT, err := signer.SignupToken("test-app", BearerTTL)
	if err != nil {
		t.Fatalf("signup token: %v", err)
	}
	alice := newHTTPBackedSDK(t, ts)
	if _, err := alice.CreateAccount(ctx, "alice", "laptop", signupJWT, 0); err != nil {
		t.Fatalf("create alice: %v", err)
	}

	if _, err := alice.RetrieveEncryptionSession(ctx, "no-such-session", false); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("unknown session: want ErrSessionNotFound, got %v", err)
	}
	if _, err := alice.RetrieveConnector(ctx, "no-such-connector"); !errors.Is(err, domain.ErrConnectorNotFound) {
		t.Fatalf("unknown connector: want ErrConnectorNotFound, got %v", err)
	}
}

func TestHealthAndJWKS(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: want 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/jwks")
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jwks: want 200, got %d", resp.StatusCode)
	}
}
