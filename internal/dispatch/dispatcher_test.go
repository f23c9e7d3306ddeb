package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"pterobot/internal/auth"
	"pterobot/internal/panel"
	"pterobot/internal/storage"
)

// fakePanel simulates the subset of the panel API the dispatcher touches and
// records the mutating calls it receives.
type fakePanel struct {
	mu          sync.Mutex
	userServers map[string][]panel.Server // api key -> servers
	nextID      int64
	createCalls int
	powerCalls  []string
	deleteCalls []string
	srv         *httptest.Server
}

func newFakePanel(t *testing.T) *fakePanel {
	t.Helper()
	fp := &fakePanel{userServers: map[string][]panel.Server{}, nextID: 100}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/application/nests", func(w http.ResponseWriter, r *http.Request) {
		writeList(w, []any{attrs(map[string]any{"id": 1, "name": "Generic"})})
	})
	mux.HandleFunc("/api/application/nests/1/eggs", func(w http.ResponseWriter, r *http.Request) {
		writeList(w, []any{attrs(map[string]any{"id": 5, "name": "NodeJS", "startup": "{{STARTUP_CMD}}"})})
	})
	mux.HandleFunc("/api/application/nodes", func(w http.ResponseWriter, r *http.Request) {
		writeList(w, []any{attrs(map[string]any{"id": 1, "name": "node01"})})
	})
	mux.HandleFunc("/api/application/servers", func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		defer fp.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			var all []any
			for _, servers := range fp.userServers {
				for _, s := range servers {
					all = append(all, attrs(map[string]any{"id": s.ID, "uuid": s.UUID, "name": s.Name}))
				}
			}
			writeList(w, all)
		case http.MethodPost:
			fp.createCalls++
			var payload struct {
				Name string `json:"name"`
			}
			_ = json.NewDecoder(r.Body).Decode(&payload)
			fp.nextID++
			s := panel.Server{ID: fp.nextID, UUID: fmt.Sprintf("u%d", fp.nextID), Name: payload.Name, Status: "installing"}
			fp.userServers["user-key"] = append(fp.userServers["user-key"], s)
			writeObject(w, map[string]any{"id": s.ID, "uuid": s.UUID, "name": s.Name})
		}
	})
	mux.HandleFunc("/api/application/servers/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.NotFound(w, r)
			return
		}
		fp.mu.Lock()
		defer fp.mu.Unlock()
		fp.deleteCalls = append(fp.deleteCalls, r.URL.Path)
		id := strings.TrimPrefix(r.URL.Path, "/api/application/servers/")
		for key, servers := range fp.userServers {
			kept := servers[:0]
			for _, s := range servers {
				if fmt.Sprintf("%d", s.ID) != id {
					kept = append(kept, s)
				}
			}
			fp.userServers[key] = kept
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/api/client/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		fp.mu.Lock()
		servers := append([]panel.Server(nil), fp.userServers[key]...)
		fp.mu.Unlock()

		if r.URL.Path == "/api/client/" {
			var items []any
			for _, s := range servers {
				items = append(items, attrs(map[string]any{"id": s.ID, "uuid": s.UUID, "identifier": s.Identifier, "name": s.Name}))
			}
			writeList(w, items)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/api/client/servers/")
		switch {
		case strings.HasSuffix(rest, "/resources"):
			writeObject(w, map[string]any{"current_state": "running", "resources": map[string]any{"memory_bytes": 1 << 20}})
		case strings.HasSuffix(rest, "/power"):
			fp.mu.Lock()
			fp.powerCalls = append(fp.powerCalls, r.URL.Path)
			fp.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			for _, s := range servers {
				if s.UUID == rest || s.Identifier == rest {
					writeObject(w, map[string]any{"id": s.ID, "uuid": s.UUID, "name": s.Name})
					return
				}
			}
			http.NotFound(w, r)
		}
	})

	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

func attrs(a map[string]any) map[string]any {
	return map[string]any{"object": "server", "attributes": a}
}

func writeList(w http.ResponseWriter, items []any) {
	if items == nil {
		items = []any{}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": items})
}

func writeObject(w http.ResponseWriter, a map[string]any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "server", "attributes": a})
}

func newTestDispatcher(t *testing.T, fp *fakePanel) (*Dispatcher, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", ":memory:", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	pc := panel.New(panel.Config{
		BaseURL:     fp.srv.URL,
		AdminAPIKey: "admin-key",
		HTTPClient:  fp.srv.Client(),
		Logger:      zerolog.Nop(),
	})
	return New(Config{Store: store, Panel: pc, Logger: zerolog.Nop()}), store
}

func testSession(chatUserID string) auth.Session {
	return auth.Session{
		Account: storage.BoundAccount{ChatUserID: chatUserID, PanelUserID: 5},
		APIKey:  "user-key",
	}
}

func TestResolutionPrecedence(t *testing.T) {
	servers := []panel.Server{
		{UUID: "abc123", ID: 7, Name: "Foo"},
		{UUID: "xyz999", ID: 9, Name: "abc123"},
	}

	got, err := matchServer(servers, "abc123")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.UUID != "abc123" {
		t.Fatalf("uuid exact match must beat name match, got %q", got.UUID)
	}

	got, err = matchServer(servers, "9")
	if err != nil || got.UUID != "xyz999" {
		t.Fatalf("numeric id match failed: %+v %v", got, err)
	}

	got, err = matchServer(servers, "xyz")
	if err != nil || got.UUID != "xyz999" {
		t.Fatalf("uuid prefix match failed: %+v %v", got, err)
	}

	got, err = matchServer(servers, "FOO")
	if err != nil || got.UUID != "abc123" {
		t.Fatalf("case-insensitive name match failed: %+v %v", got, err)
	}

	if _, err := matchServer(servers, "nothing"); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("expected ErrServerNotFound, got %v", err)
	}
	if _, err := matchServer(servers, ""); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("empty identifier must not match, got %v", err)
	}
}

func TestOwnershipIsolation(t *testing.T) {
	ctx := context.Background()
	fp := newFakePanel(t)
	fp.userServers["user-key"] = []panel.Server{{ID: 1, UUID: "mine1", Name: "Mine"}}
	fp.userServers["other-key"] = []panel.Server{{ID: 2, UUID: "foreign-uuid", Name: "Theirs"}}
	d, _ := newTestDispatcher(t, fp)

	_, err := d.ResolveOwnedServer(ctx, testSession("100"), "foreign-uuid")
	if !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("another user's server must resolve as not found, got %v", err)
	}
}

func TestCreateThenDeleteByName(t *testing.T) {
	ctx := context.Background()
	fp := newFakePanel(t)
	d, store := newTestDispatcher(t, fp)
	sess := testSession("100")

	created, err := d.ExecuteCreate(ctx, sess, CreateSpec{
		Name: "Test", EggID: 5, MemoryMB: 1024, DiskMB: 5120, CPUPercent: 100,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	owned, err := store.ListOwnedServers(ctx, "100")
	if err != nil || len(owned) != 1 || owned[0].ServerUUID != created.UUID {
		t.Fatalf("expected one owned record for %s, got %+v %v", created.UUID, owned, err)
	}

	if err := d.ExecuteDelete(ctx, sess, "Test"); err != nil {
		t.Fatalf("delete by name: %v", err)
	}
	owned, _ = store.ListOwnedServers(ctx, "100")
	if len(owned) != 0 {
		t.Fatalf("owned record must be gone after delete, got %+v", owned)
	}
	if len(fp.deleteCalls) != 1 {
		t.Fatalf("expected one delete call, got %v", fp.deleteCalls)
	}
	want := fmt.Sprintf("/api/application/servers/%d", created.ID)
	if fp.deleteCalls[0] != want {
		t.Fatalf("delete must use the internal id, got %q want %q", fp.deleteCalls[0], want)
	}
}

// A bookkeeping failure after the panel accepted the create must not surface
// as a create error: the worker retries those, and a retry would provision a
// second server for the same command.
func TestCreateSurvivesOwnershipRecordFailure(t *testing.T) {
	ctx := context.Background()
	fp := newFakePanel(t)
	d, store := newTestDispatcher(t, fp)
	sess := testSession("100")

	if _, err := store.DB().ExecContext(ctx, "DROP TABLE user_servers"); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	created, err := d.ExecuteCreate(ctx, sess, CreateSpec{
		Name: "Test", EggID: 5, MemoryMB: 1024, DiskMB: 5120, CPUPercent: 100,
	})
	if err != nil {
		t.Fatalf("create must succeed when only the ownership record fails: %v", err)
	}
	if created.UUID == "" {
		t.Fatalf("created server missing uuid: %+v", created)
	}
	if fp.createCalls != 1 {
		t.Fatalf("expected exactly one panel create call, got %d", fp.createCalls)
	}
}

func TestPowerOnUnownedServerIssuesNoCall(t *testing.T) {
	ctx := context.Background()
	fp := newFakePanel(t)
	fp.userServers["user-key"] = []panel.Server{{ID: 1, UUID: "mine1", Name: "Mine"}}
	fp.userServers["other-key"] = []panel.Server{{ID: 2, UUID: "foreign-uuid", Name: "Theirs"}}
	d, _ := newTestDispatcher(t, fp)

	_, err := d.ExecutePower(ctx, testSession("100"), "foreign-uuid", panel.PowerRestart)
	if !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("expected ErrServerNotFound, got %v", err)
	}
	if len(fp.powerCalls) != 0 {
		t.Fatalf("no power call may be issued for an unowned server, got %v", fp.powerCalls)
	}
}

func TestPowerReportsPostActionStatus(t *testing.T) {
	ctx := context.Background()
	fp := newFakePanel(t)
	fp.userServers["user-key"] = []panel.Server{{ID: 1, UUID: "mine1", Name: "Mine"}}
	d, _ := newTestDispatcher(t, fp)

	after, err := d.ExecutePower(ctx, testSession("100"), "mine1", panel.PowerStart)
	if err != nil {
		t.Fatalf("power: %v", err)
	}
	if len(fp.powerCalls) != 1 {
		t.Fatalf("expected one power call, got %v", fp.powerCalls)
	}
	if after.Status != panel.StatusRunning {
		t.Fatalf("expected refreshed status, got %q", after.Status)
	}
}

func TestMonitorSnapshot(t *testing.T) {
	ctx := context.Background()
	fp := newFakePanel(t)
	fp.userServers["user-key"] = []panel.Server{{ID: 1, UUID: "mine1", Name: "Mine"}}
	d, _ := newTestDispatcher(t, fp)

	snap, err := d.ExecuteMonitor(ctx, testSession("100"), "Mine")
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if snap.Status != panel.StatusRunning || snap.Degraded {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Resources.MemoryBytes != 1<<20 {
		t.Fatalf("expected resource data, got %+v", snap.Resources)
	}
}

func TestCreateFailsWithoutEggsOrNodes(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/application/nests", func(w http.ResponseWriter, r *http.Request) {
		writeList(w, nil)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store, err := storage.Open(ctx, "sqlite", ":memory:", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	pc := panel.New(panel.Config{BaseURL: srv.URL, AdminAPIKey: "admin-key", HTTPClient: srv.Client(), Logger: zerolog.Nop()})
	d := New(Config{Store: store, Panel: pc, Logger: zerolog.Nop()})

	_, err = d.ExecuteCreate(ctx, testSession("100"), CreateSpec{Name: "Test", EggID: 5, MemoryMB: 1024, DiskMB: 5120, CPUPercent: 100})
	if !errors.Is(err, ErrNoServerTypes) {
		t.Fatalf("expected ErrNoServerTypes, got %v", err)
	}
}
