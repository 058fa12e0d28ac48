package v1

import "time"

// HostStatus is the registry's view of a worker machine.
type HostStatus string

const (
	HostOnline  HostStatus = "online"
	HostBusy    HostStatus = "busy"
	HostOffline HostStatus = "offline"
)

// HostCapabilities describes what a host can run
type HostCapabilities struct {
	SupportedAgents []AgentType       `json:"supported_agents"`
	MaxConcurrent   int               `json:"max_concurrent"`
	Cwd             string            `json:"cwd,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
}

// Host represents a connected worker machine
type Host struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Status        HostStatus       `json:"status"`
	Capabilities  HostCapabilities `json:"capabilities"`
	ActiveTaskIDs []string         `json:"active_task_ids"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	ConnectedAt   time.Time        `json:"connected_at"`
}

// RegisterHostRequest is sent by a worker over its control channel
type RegisterHostRequest struct {
	Name         string           `json:"name" binding:"required"`
	Capabilities HostCapabilities `json:"capabilities"`
}

// RegisterHostResponse returns the assigned host ID
type RegisterHostResponse struct {
	HostID string `json:"host_id"`
}

// HeartbeatRequest keeps a host registration alive
type HeartbeatRequest struct {
	HostID string `json:"host_id" binding:"required"`
}

// HostModel is one model advertised by a host's agent runtime
type HostModel struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Name     string `json:"name"`
}

// HealthResponse is the /health payload
type HealthResponse struct {
	Status       string          `json:"status"`
	Version      string          `json:"version"`
	WorkerURL    string          `json:"worker_url,omitempty"`
	DataDir      string          `json:"data_dir"`
	FeatureFlags map[string]bool `json:"feature_flags"`
}
