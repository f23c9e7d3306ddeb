package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"pterobot/internal/crypto"
	"pterobot/internal/panel"
	"pterobot/internal/storage"
)

// panelStub serves /api/client/account for a fixed set of keys.
func panelStub(t *testing.T, accounts map[string]panel.Account) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/client/account", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		acct, ok := accounts[key]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "user", "attributes": acct})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, accounts map[string]panel.Account, admins ...string) *Service {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, "sqlite", ":memory:", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	key, _ := base64.StdEncoding.DecodeString("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	keyring, err := crypto.NewKeyring("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	srv := panelStub(t, accounts)
	pc := panel.New(panel.Config{
		BaseURL:     srv.URL,
		AdminAPIKey: "admin-key",
		HTTPClient:  srv.Client(),
		Logger:      zerolog.Nop(),
	})

	adminSet := map[string]bool{}
	for _, a := range admins {
		adminSet[a] = true
	}
	return New(Config{
		Store:   store,
		Panel:   pc,
		Keyring: keyring,
		Logger:  zerolog.Nop(),
		IsAdmin: func(id string) bool { return adminSet[id] },
	})
}

func TestBindVerifiesKeyBeforePersisting(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, map[string]panel.Account{
		"good": {ID: 10, Username: "alice", Email: "alice@example.com"},
	})

	if _, err := svc.Bind(ctx, "100", BindAPIKey, "", "stolen"); !errors.Is(err, panel.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for bad key, got %v", err)
	}
	if bound, _ := svc.IsBound(ctx, "100"); bound {
		t.Fatal("failed bind must not persist a row")
	}

	acct, err := svc.Bind(ctx, "100", BindAPIKey, "", "good")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if acct.PanelUserID != 10 {
		t.Fatalf("expected panel user 10, got %d", acct.PanelUserID)
	}
}

func TestBindIdentityCheck(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, map[string]panel.Account{
		"good": {ID: 10, Username: "alice", Email: "alice@example.com"},
	})

	if _, err := svc.Bind(ctx, "100", BindEmailAPI, "bob@example.com", "good"); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch, got %v", err)
	}
	if _, err := svc.Bind(ctx, "100", BindUsernameAPI, "bob", "good"); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch, got %v", err)
	}
	if _, err := svc.Bind(ctx, "100", BindEmailAPI, "ALICE@example.com", "good"); err != nil {
		t.Fatalf("case-insensitive email match should bind: %v", err)
	}
}

func TestBindRejectsDoubleBinding(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, map[string]panel.Account{
		"k1": {ID: 10, Username: "alice", Email: "alice@example.com"},
		"k2": {ID: 11, Username: "bob", Email: "bob@example.com"},
	})

	if _, err := svc.Bind(ctx, "100", BindAPIKey, "", "k1"); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if _, err := svc.Bind(ctx, "100", BindAPIKey, "", "k2"); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
	// same panel account from a different chat user
	if _, err := svc.Bind(ctx, "200", BindAPIKey, "", "k1"); !errors.Is(err, ErrPanelAccountTaken) {
		t.Fatalf("expected ErrPanelAccountTaken, got %v", err)
	}
}

func TestUnbindThenRebind(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, map[string]panel.Account{
		"k1": {ID: 10, Username: "alice", Email: "alice@example.com"},
	})

	if _, err := svc.Bind(ctx, "100", BindAPIKey, "", "k1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := svc.Unbind(ctx, "100"); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if _, err := svc.RequireBound(ctx, "100"); !errors.Is(err, ErrNotBound) {
		t.Fatalf("expected ErrNotBound after unbind, got %v", err)
	}
	if _, err := svc.Bind(ctx, "100", BindAPIKey, "", "k1"); err != nil {
		t.Fatalf("rebind after unbind: %v", err)
	}
	// idempotent on an unknown user
	if err := svc.Unbind(ctx, "999"); err != nil {
		t.Fatalf("unbind of unbound user should be a no-op: %v", err)
	}
}

func TestRequireBoundUnsealsKey(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, map[string]panel.Account{
		"secret-key": {ID: 10, Username: "alice", Email: "alice@example.com"},
	})

	if _, err := svc.Bind(ctx, "100", BindAPIKey, "", "secret-key"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	sess, err := svc.RequireBound(ctx, "100")
	if err != nil {
		t.Fatalf("require bound: %v", err)
	}
	if sess.APIKey != "secret-key" {
		t.Fatalf("expected unsealed key, got %q", sess.APIKey)
	}
	if sess.Account.APIKeySealed == "secret-key" {
		t.Fatal("stored key must be sealed, not plaintext")
	}
}

func TestRequireAdmin(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, map[string]panel.Account{
		"k1": {ID: 10, Username: "alice", Email: "alice@example.com"},
		"k2": {ID: 11, Username: "bob", Email: "bob@example.com"},
	}, "100")

	if _, err := svc.Bind(ctx, "100", BindAPIKey, "", "k1"); err != nil {
		t.Fatalf("bind admin: %v", err)
	}
	if _, err := svc.Bind(ctx, "200", BindAPIKey, "", "k2"); err != nil {
		t.Fatalf("bind user: %v", err)
	}

	if _, err := svc.RequireAdmin(ctx, "100"); err != nil {
		t.Fatalf("admin should pass: %v", err)
	}
	if _, err := svc.RequireAdmin(ctx, "200"); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if _, err := svc.RequireAdmin(ctx, "300"); !errors.Is(err, ErrNotBound) {
		t.Fatalf("unbound user gates on binding first, got %v", err)
	}
}
