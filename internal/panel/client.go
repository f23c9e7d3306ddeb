package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pterobot/internal/metrics"
)

type Config struct {
	// BaseURL is the panel root, without the /api suffix.
	BaseURL     string
	AdminAPIKey string
	HTTPClient  *http.Client
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Client issues admin-scoped calls against /api/application. A per-invocation
// user scope is obtained with User; credential scope is never mutated on a
// shared instance.
type Client struct {
	rest rest
	root string
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	root := strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{
		root: root,
		rest: rest{
			baseURL: root + "/api/application",
			apiKey:  cfg.AdminAPIKey,
			http:    cfg.HTTPClient,
			logger:  cfg.Logger,
			metrics: cfg.Metrics,
		},
	}
}

// User returns a client bound to a caller-supplied key for /api/client calls.
// The returned value shares the transport but owns its credential, so
// overlapping invocations for different users cannot leak onto each other's
// keys.
func (c *Client) User(apiKey string) *UserClient {
	return &UserClient{rest: rest{
		baseURL: c.root + "/api/client",
		apiKey:  apiKey,
		http:    c.rest.http,
		logger:  c.rest.logger,
		metrics: c.rest.metrics,
	}}
}

type CreateUserInput struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Password  string `json:"password"`
}

type CreateServerInput struct {
	Name        string
	Description string
	PanelUserID int64
	EggID       int64
	MemoryMB    int64
	DiskMB      int64
	CPUPercent  int64
	LocationID  int64
}

func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	body, err := c.rest.do(ctx, http.MethodGet, "/users", nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeList(body)
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(items))
	for _, raw := range items {
		var u User
		if err := decodeObject(raw, &u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (c *Client) GetUser(ctx context.Context, userID int64) (User, error) {
	body, err := c.rest.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d", userID), nil)
	if err != nil {
		return User{}, err
	}
	var u User
	if err := decodeObject(body, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

func (c *Client) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	body, err := c.rest.do(ctx, http.MethodPost, "/users", in)
	if err != nil {
		return User{}, err
	}
	var u User
	if err := decodeObject(body, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// ListNodes returns deploy targets, dropping malformed entries that lack an
// id or a name.
func (c *Client) ListNodes(ctx context.Context) ([]Node, error) {
	body, err := c.rest.do(ctx, http.MethodGet, "/nodes", nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeList(body)
	if err != nil {
		return nil, err
	}
	out := make([]Node, 0, len(items))
	for _, raw := range items {
		var n Node
		if err := decodeObject(raw, &n); err != nil {
			continue
		}
		if n.ID == 0 || n.Name == "" {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *Client) ListNodeAllocations(ctx context.Context, nodeID int64) ([]Allocation, error) {
	body, err := c.rest.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%d/allocations", nodeID), nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeList(body)
	if err != nil {
		return nil, err
	}
	out := make([]Allocation, 0, len(items))
	for _, raw := range items {
		var a Allocation
		if err := decodeObject(raw, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ListEggs aggregates eggs across all nests. A failure fetching one nest's
// eggs is logged and skipped so a single broken nest cannot empty the whole
// catalog; malformed eggs are dropped.
func (c *Client) ListEggs(ctx context.Context) ([]Egg, error) {
	body, err := c.rest.do(ctx, http.MethodGet, "/nests", nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeList(body)
	if err != nil {
		return nil, err
	}

	out := make([]Egg, 0)
	for _, raw := range items {
		var n nest
		if err := decodeObject(raw, &n); err != nil || n.ID == 0 {
			continue
		}
		eggsBody, err := c.rest.do(ctx, http.MethodGet, fmt.Sprintf("/nests/%d/eggs", n.ID), nil)
		if err != nil {
			c.rest.logger.Warn().Err(err).Int64("nest_id", n.ID).Str("nest", n.Name).Msg("failed to fetch eggs for nest")
			continue
		}
		eggItems, err := decodeList(eggsBody)
		if err != nil {
			c.rest.logger.Warn().Err(err).Int64("nest_id", n.ID).Msg("failed to decode eggs for nest")
			continue
		}
		for _, eggRaw := range eggItems {
			var e Egg
			if err := decodeObject(eggRaw, &e); err != nil {
				continue
			}
			if e.ID == 0 || e.Name == "" {
				continue
			}
			e.NestID = n.ID
			e.NestName = n.Name
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *Client) ListAllServers(ctx context.Context) ([]Server, error) {
	body, err := c.rest.do(ctx, http.MethodGet, "/servers", nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeList(body)
	if err != nil {
		return nil, err
	}
	out := make([]Server, 0, len(items))
	for _, raw := range items {
		var s Server
		if err := decodeObject(raw, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// CreateServer composes the creation payload from the explicit limits, the
// chosen egg's docker image, startup template and environment, and an
// inferred startup command when the template carries the {{STARTUP_CMD}}
// placeholder.
func (c *Client) CreateServer(ctx context.Context, in CreateServerInput) (Server, error) {
	eggs, err := c.ListEggs(ctx)
	if err != nil {
		return Server{}, err
	}
	var egg *Egg
	for i := range eggs {
		if eggs[i].ID == in.EggID {
			egg = &eggs[i]
			break
		}
	}
	if egg == nil {
		return Server{}, newError(ErrNotFound, 0, fmt.Sprintf("egg %d", in.EggID))
	}

	env := map[string]any{}
	for k, v := range egg.Environment {
		env[k] = v
	}
	if strings.Contains(egg.Startup, startupPlaceholder) {
		env["STARTUP_CMD"] = inferStartupCommand(egg.Name, egg.NestName, in.MemoryMB)
	}
	eggName := strings.ToLower(egg.Name)
	nestName := strings.ToLower(egg.NestName)
	if strings.Contains(eggName, "paper") {
		env["SERVER_JARFILE"] = "server.jar"
		env["BUILD_NUMBER"] = "latest"
	} else if strings.Contains(nestName, "minecraft") {
		env["SERVER_JARFILE"] = "server.jar"
	}

	dockerImage := egg.DockerImage
	if dockerImage == "" {
		dockerImage = "ghcr.io/pterodactyl/yolks:java_17"
	}
	startup := egg.Startup
	if startup == "" {
		startup = `echo "Starting server..."`
	}
	location := in.LocationID
	if location <= 0 {
		location = 1
	}

	payload := map[string]any{
		"name":         in.Name,
		"description":  in.Description,
		"user":         in.PanelUserID,
		"egg":          in.EggID,
		"docker_image": dockerImage,
		"startup":      startup,
		"limits": map[string]any{
			"memory": in.MemoryMB,
			"swap":   0,
			"disk":   in.DiskMB,
			"io":     500,
			"cpu":    in.CPUPercent,
		},
		"feature_limits": map[string]any{
			"databases":   0,
			"backups":     1,
			"allocations": 1,
		},
		"deploy": map[string]any{
			"locations":    []int64{location},
			"dedicated_ip": false,
			"port_range":   []string{},
		},
		"environment": env,
	}

	body, err := c.rest.do(ctx, http.MethodPost, "/servers", payload)
	if err != nil {
		return Server{}, err
	}
	var s Server
	if err := decodeObject(body, &s); err != nil {
		return Server{}, err
	}
	return s, nil
}

// DeleteServer resolves a uuid or numeric id against the full server list
// before deleting, because the delete endpoint only accepts the internal
// numeric id.
func (c *Client) DeleteServer(ctx context.Context, identifier string) error {
	servers, err := c.ListAllServers(ctx)
	if err != nil {
		return err
	}
	for _, s := range servers {
		if s.UUID == identifier || strconv.FormatInt(s.ID, 10) == identifier {
			_, err := c.rest.do(ctx, http.MethodDelete, fmt.Sprintf("/servers/%d", s.ID), nil)
			return err
		}
	}
	return newError(ErrNotFound, 0, fmt.Sprintf("server %q", identifier))
}

func (c *Client) SuspendServer(ctx context.Context, internalID int64) error {
	_, err := c.rest.do(ctx, http.MethodPost, fmt.Sprintf("/servers/%d/suspend", internalID), nil)
	return err
}

func (c *Client) UnsuspendServer(ctx context.Context, internalID int64) error {
	_, err := c.rest.do(ctx, http.MethodPost, fmt.Sprintf("/servers/%d/unsuspend", internalID), nil)
	return err
}

// rest is the shared request core. One instance per credential scope.
type rest struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func (r rest) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal panel payload: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build panel request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if r.metrics != nil {
		r.metrics.PanelRequests.Inc()
	}
	resp, err := r.http.Do(req)
	if err != nil {
		if r.metrics != nil {
			r.metrics.PanelErrors.Inc()
		}
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read panel response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if r.metrics != nil {
			r.metrics.PanelErrors.Inc()
		}
		return nil, classifyStatus(resp.StatusCode, body)
	}
	return body, nil
}
