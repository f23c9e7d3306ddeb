package panel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{
		BaseURL:     srv.URL,
		AdminAPIKey: "admin-key",
		HTTPClient:  srv.Client(),
		Logger:      zerolog.Nop(),
	})
	return c, srv
}

func TestListServersDegradesStatusOnResourceFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/client/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/client/":
			_, _ = w.Write([]byte(`{"object":"list","data":[
				{"object":"server","attributes":{"uuid":"u1","name":"One","identifier":"u1short"}},
				{"object":"server","attributes":{"uuid":"u2","name":"Two","identifier":"u2short"}},
				{"object":"server","attributes":{"uuid":"u3","name":"Three","identifier":"u3short"}}]}`))
		case "/api/client/servers/u2/resources":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			if strings.HasSuffix(r.URL.Path, "/resources") {
				_, _ = w.Write([]byte(`{"object":"stats","attributes":{"current_state":"running","resources":{"memory_bytes":1024}}}`))
				return
			}
			http.NotFound(w, r)
		}
	})
	c, _ := newTestClient(t, mux)

	servers, err := c.User("user-key").ListServers(context.Background())
	if err != nil {
		t.Fatalf("list servers: %v", err)
	}
	if len(servers) != 3 {
		t.Fatalf("expected 3 servers despite one resource failure, got %d", len(servers))
	}
	byUUID := map[string]string{}
	for _, s := range servers {
		byUUID[s.UUID] = s.Status
	}
	if byUUID["u1"] != StatusRunning || byUUID["u3"] != StatusRunning {
		t.Fatalf("expected running status for healthy servers, got %v", byUUID)
	}
	if byUUID["u2"] != StatusUnknown {
		t.Fatalf("expected unknown status for failing server, got %q", byUUID["u2"])
	}
}

func TestValidationErrorsPassThrough(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/application/nests", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"nest","attributes":{"id":1,"name":"Generic"}}]}`))
	})
	mux.HandleFunc("/api/application/nests/1/eggs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"egg","attributes":{"id":5,"name":"Generic Egg","startup":"./start.sh"}}]}`))
	})
	mux.HandleFunc("/api/application/servers", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":[{"detail":"memory must be at least 128"}]}`))
	})
	c, _ := newTestClient(t, mux)

	_, err := c.CreateServer(context.Background(), CreateServerInput{
		Name: "Test", PanelUserID: 1, EggID: 5, MemoryMB: 64, DiskMB: 512, CPUPercent: 50,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if !strings.Contains(err.Error(), "memory must be at least 128") {
		t.Fatalf("validation detail not passed through: %v", err)
	}
}

func TestValidationErrorsMapShape(t *testing.T) {
	detail := flattenValidationErrors([]byte(`{"errors":{"limits.memory":["memory must be at least 128"],"name":["name is required"]}}`))
	if !strings.Contains(detail, "limits.memory: memory must be at least 128") {
		t.Fatalf("map-shape field errors not flattened: %q", detail)
	}
	if !strings.Contains(detail, "name: name is required") {
		t.Fatalf("second field missing: %q", detail)
	}
}

func TestDeleteServerUsesInternalID(t *testing.T) {
	var deletedPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/application/servers", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[
			{"object":"server","attributes":{"id":7,"uuid":"abc123","name":"Foo"}},
			{"object":"server","attributes":{"id":9,"uuid":"xyz999","name":"Bar"}}]}`))
	})
	mux.HandleFunc("/api/application/servers/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deletedPath = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	})
	c, _ := newTestClient(t, mux)

	if err := c.DeleteServer(context.Background(), "abc123"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deletedPath != "/api/application/servers/7" {
		t.Fatalf("expected delete by internal id 7, got %q", deletedPath)
	}
}

func TestDeleteServerUnknownIdentifier(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/application/servers", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	})
	c, _ := newTestClient(t, mux)

	err := c.DeleteServer(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEggAggregationSkipsFailingNest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/application/nests", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[
			{"object":"nest","attributes":{"id":1,"name":"Minecraft"}},
			{"object":"nest","attributes":{"id":2,"name":"Broken"}}]}`))
	})
	mux.HandleFunc("/api/application/nests/1/eggs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[
			{"object":"egg","attributes":{"id":10,"name":"Paper"}},
			{"object":"egg","attributes":{"id":0,"name":"Malformed"}}]}`))
	})
	mux.HandleFunc("/api/application/nests/2/eggs", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	c, _ := newTestClient(t, mux)

	eggs, err := c.ListEggs(context.Background())
	if err != nil {
		t.Fatalf("list eggs: %v", err)
	}
	if len(eggs) != 1 {
		t.Fatalf("expected 1 valid egg, got %d", len(eggs))
	}
	if eggs[0].Name != "Paper" || eggs[0].NestName != "Minecraft" {
		t.Fatalf("unexpected egg %+v", eggs[0])
	}
}

func TestCredentialAndNotFoundClassification(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/client/account", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"object":"user","attributes":{"id":4,"username":"alice","email":"alice@example.com"}}`))
	})
	c, _ := newTestClient(t, mux)

	if _, err := c.User("bad-key").AccountInfo(context.Background()); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}

	acct, err := c.User("good-key").AccountInfo(context.Background())
	if err != nil {
		t.Fatalf("account info: %v", err)
	}
	if acct.ID != 4 || acct.Username != "alice" {
		t.Fatalf("unexpected account %+v", acct)
	}

	if _, err := c.User("good-key").ServerDetails(context.Background(), "nothere"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for 404, got %v", err)
	}
}

func TestUnreachablePanel(t *testing.T) {
	c := New(Config{
		BaseURL:     "http://127.0.0.1:1",
		AdminAPIKey: "admin-key",
		Logger:      zerolog.Nop(),
	})
	_, err := c.ListAllServers(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestDecodeObjectAcceptsFlatShape(t *testing.T) {
	var a Account
	if err := decodeObject([]byte(`{"id":7,"username":"bob","email":"bob@example.com"}`), &a); err != nil {
		t.Fatalf("decode flat: %v", err)
	}
	if a.ID != 7 || a.Username != "bob" {
		t.Fatalf("unexpected account %+v", a)
	}

	var b Account
	if err := decodeObject([]byte(`{"object":"user","attributes":{"id":8,"username":"eve","email":"eve@example.com"}}`), &b); err != nil {
		t.Fatalf("decode wrapped: %v", err)
	}
	if b.ID != 8 || b.Username != "eve" {
		t.Fatalf("unexpected account %+v", b)
	}
}

func TestStartupInference(t *testing.T) {
	cases := []struct {
		egg, nest string
		memory    int64
		want      string
	}{
		{"NodeJS Generic", "Generic", 0, "node index.js"},
		{"Python 3", "Generic", 0, "python main.py"},
		{"Java 17", "Generic", 0, "java -jar server.jar"},
		{"Golang", "Generic", 0, "./main"},
		{"Rust", "Generic", 0, "./target/release/server"},
		{"Docker Generic", "Generic", 0, "./start.sh"},
		{"AIO", "Generic", 0, "bash"},
		{"Custom", "Minecraft", 2048, "java -Xmx2048M -Xms2048M -jar server.jar nogui"},
		{"Custom", "Minecraft", 0, "java -Xmx1024M -Xms1024M -jar server.jar nogui"},
		{"Custom", "Generic", 0, `echo "Server configured with smart defaults"`},
	}
	for _, tc := range cases {
		if got := inferStartupCommand(tc.egg, tc.nest, tc.memory); got != tc.want {
			t.Fatalf("inferStartupCommand(%q, %q, %d) = %q, want %q", tc.egg, tc.nest, tc.memory, got, tc.want)
		}
	}
}

func TestCreateServerSubstitutesStartupPlaceholder(t *testing.T) {
	var created map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/application/nests", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"nest","attributes":{"id":1,"name":"Generic"}}]}`))
	})
	mux.HandleFunc("/api/application/nests/1/eggs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"egg","attributes":{"id":5,"name":"NodeJS","startup":"{{STARTUP_CMD}}","docker_image":"ghcr.io/pterodactyl/yolks:nodejs_20"}}]}`))
	})
	mux.HandleFunc("/api/application/servers", func(w http.ResponseWriter, r *http.Request) {
		decodeBody(t, r, &created)
		_, _ = w.Write([]byte(`{"object":"server","attributes":{"id":3,"uuid":"u1","name":"Test"}}`))
	})
	c, _ := newTestClient(t, mux)

	s, err := c.CreateServer(context.Background(), CreateServerInput{
		Name: "Test", PanelUserID: 2, EggID: 5, MemoryMB: 1024, DiskMB: 5120, CPUPercent: 100,
	})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	if s.UUID != "u1" {
		t.Fatalf("unexpected server %+v", s)
	}
	env, _ := created["environment"].(map[string]any)
	if env["STARTUP_CMD"] != "node index.js" {
		t.Fatalf("expected inferred STARTUP_CMD, got %v", env["STARTUP_CMD"])
	}
	if created["docker_image"] != "ghcr.io/pterodactyl/yolks:nodejs_20" {
		t.Fatalf("expected egg docker image, got %v", created["docker_image"])
	}
}

func decodeBody(t *testing.T, r *http.Request, out any) {
	t.Helper()
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
}
