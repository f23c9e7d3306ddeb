package panel

import (
	"encoding/json"
	"fmt"
)

// Server statuses as the bot reports them. The panel emits more states during
// installs and transfers; anything unrecognized degrades to unknown.
const (
	StatusRunning  = "running"
	StatusOffline  = "offline"
	StatusStarting = "starting"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusUnknown  = "unknown"
)

// Power signals accepted by the client API.
const (
	PowerStart   = "start"
	PowerStop    = "stop"
	PowerRestart = "restart"
	PowerKill    = "kill"
)

func ValidPowerAction(action string) bool {
	switch action {
	case PowerStart, PowerStop, PowerRestart, PowerKill:
		return true
	}
	return false
}

type Server struct {
	ID            int64         `json:"id"`
	UUID          string        `json:"uuid"`
	Identifier    string        `json:"identifier"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Status        string        `json:"status"`
	Limits        Limits        `json:"limits"`
	FeatureLimits FeatureLimits `json:"feature_limits"`
}

type Limits struct {
	Memory int64 `json:"memory"`
	Swap   int64 `json:"swap"`
	Disk   int64 `json:"disk"`
	IO     int64 `json:"io"`
	CPU    int64 `json:"cpu"`
}

type FeatureLimits struct {
	Databases   int64 `json:"databases"`
	Backups     int64 `json:"backups"`
	Allocations int64 `json:"allocations"`
}

type Account struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Admin    bool   `json:"admin"`
}

type User struct {
	ID        int64  `json:"id"`
	UUID      string `json:"uuid"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type Node struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Allocation struct {
	ID       int64  `json:"id"`
	IP       string `json:"ip"`
	Port     int64  `json:"port"`
	Assigned bool   `json:"assigned"`
}

// Egg is a server-type template. NestID and NestName are filled in during
// aggregation since the per-nest listing does not repeat them.
type Egg struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	NestID      int64          `json:"nest_id"`
	NestName    string         `json:"nest_name"`
	DockerImage string         `json:"docker_image"`
	Startup     string         `json:"startup"`
	Environment map[string]any `json:"environment"`
}

type nest struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ResourceUsage struct {
	CurrentState string    `json:"current_state"`
	Suspended    bool      `json:"is_suspended"`
	Resources    Resources `json:"resources"`
}

type Resources struct {
	MemoryBytes      int64   `json:"memory_bytes"`
	CPUAbsolute      float64 `json:"cpu_absolute"`
	DiskBytes        int64   `json:"disk_bytes"`
	NetworkTxBytes   int64   `json:"network_tx_bytes"`
	NetworkRxBytes   int64   `json:"network_rx_bytes"`
	DiskIOWriteBytes int64   `json:"disk_io_write_bytes"`
	DiskIOReadBytes  int64   `json:"disk_io_read_bytes"`
	UptimeMS         int64   `json:"uptime"`
}

// The panel wraps payloads in {"object": ..., "attributes": {...}} envelopes,
// but some deployments (and some endpoints) return the attributes flat.
// decodeObject accepts either shape so callers only ever see canonical types.
func decodeObject(raw []byte, out any) error {
	var env struct {
		Attributes json.RawMessage `json:"attributes"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Attributes) > 0 && string(env.Attributes) != "null" {
		raw = env.Attributes
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode panel object: %w", err)
	}
	return nil
}

func decodeList(raw []byte) ([]json.RawMessage, error) {
	var env struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode panel list: %w", err)
	}
	return env.Data, nil
}
