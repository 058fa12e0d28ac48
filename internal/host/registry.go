// Package host tracks connected worker machines and routes executions onto
// them.
package host

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/apierr"
	"github.com/vibekan/vibekan/internal/common/config"
	"github.com/vibekan/vibekan/internal/common/logger"
	"github.com/vibekan/vibekan/internal/events/bus"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

// Registry tracks hosts, their capabilities, and reservations. All mutations
// are serialised under one lock; selection reads a consistent snapshot and
// reservation is atomic with its capacity check.
type Registry struct {
	mu     sync.Mutex
	hosts  map[string]*hostRecord
	cfg    config.HostsConfig
	bus    bus.EventBus
	logger *logger.Logger
}

type hostRecord struct {
	host          v1.Host
	activeTaskIDs map[string]struct{}
}

// NewRegistry creates a host registry. When the local host is enabled in the
// config it is registered immediately so a single-node install can execute
// tasks without external workers.
func NewRegistry(cfg config.HostsConfig, eventBus bus.EventBus, log *logger.Logger) *Registry {
	r := &Registry{
		hosts:  make(map[string]*hostRecord),
		cfg:    cfg,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "host-registry")),
	}
	if cfg.LocalEnabled {
		agents := make([]v1.AgentType, 0, len(cfg.LocalAgents))
		for _, a := range cfg.LocalAgents {
			agents = append(agents, v1.AgentType(a))
		}
		r.register(cfg.LocalName, v1.HostCapabilities{
			SupportedAgents: agents,
			MaxConcurrent:   cfg.LocalMaxConcurrent,
		})
	}
	return r
}

// Register adds a host and returns its assigned ID.
func (r *Registry) Register(name string, caps v1.HostCapabilities) (string, error) {
	if name == "" {
		return "", apierr.New(apierr.KindValidation, "host name is required")
	}
	if caps.MaxConcurrent <= 0 {
		return "", apierr.New(apierr.KindValidation, "host max_concurrent must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.register(name, caps)
	r.publish(id)
	return id, nil
}

// register assumes the caller holds the lock (or is the constructor).
func (r *Registry) register(name string, caps v1.HostCapabilities) string {
	now := time.Now().UTC()
	id := uuid.New().String()
	r.hosts[id] = &hostRecord{
		host: v1.Host{
			ID:            id,
			Name:          name,
			Status:        v1.HostOnline,
			Capabilities:  caps,
			LastHeartbeat: now,
			ConnectedAt:   now,
		},
		activeTaskIDs: make(map[string]struct{}),
	}
	r.logger.Info("Host registered",
		zap.String("host_id", id),
		zap.String("name", name),
		zap.Int("max_concurrent", caps.MaxConcurrent))
	return id
}

// Deregister removes a host.
func (r *Registry) Deregister(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[hostID]; ok {
		delete(r.hosts, hostID)
		r.logger.Info("Host deregistered", zap.String("host_id", hostID))
	}
}

// Heartbeat refreshes a host's liveness. An offline host comes back online.
func (r *Registry) Heartbeat(hostID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.hosts[hostID]
	if !ok {
		return apierr.Newf(apierr.KindNotFound, "host not found: %s", hostID)
	}
	rec.host.LastHeartbeat = time.Now().UTC()
	if rec.host.Status == v1.HostOffline {
		rec.host.Status = r.statusFor(rec)
		r.logger.Info("Host back online", zap.String("host_id", hostID))
		r.publish(hostID)
	}
	return nil
}

// Get returns a snapshot of one host.
func (r *Registry) Get(hostID string) (v1.Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.hosts[hostID]
	if !ok {
		return v1.Host{}, apierr.Newf(apierr.KindNotFound, "host not found: %s", hostID)
	}
	return r.snapshot(rec), nil
}

// List returns snapshots of all hosts ordered by connect time.
func (r *Registry) List() []v1.Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]v1.Host, 0, len(r.hosts))
	for _, rec := range r.hosts {
		hosts = append(hosts, r.snapshot(rec))
	}
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].ConnectedAt.Equal(hosts[j].ConnectedAt) {
			return hosts[i].ID < hosts[j].ID
		}
		return hosts[i].ConnectedAt.Before(hosts[j].ConnectedAt)
	})
	return hosts
}

// Select picks a host able to run agentType. With an explicit host ID the
// host must be online, support the agent, and have spare capacity. Otherwise
// eligible hosts are ranked by load ratio, ties broken by earliest connect.
func (r *Registry) Select(agentType v1.AgentType, explicitHostID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if explicitHostID != "" {
		rec, ok := r.hosts[explicitHostID]
		if !ok {
			return "", apierr.Newf(apierr.KindNotFound, "host not found: %s", explicitHostID)
		}
		if r.liveStatus(rec) == v1.HostOffline {
			return "", apierr.Newf(apierr.KindPrecondition, "host %s is offline", explicitHostID)
		}
		if !supportsAgent(rec, agentType) {
			return "", apierr.Newf(apierr.KindPrecondition, "host %s does not support %s", explicitHostID, agentType)
		}
		if len(rec.activeTaskIDs) >= rec.host.Capabilities.MaxConcurrent {
			return "", apierr.Newf(apierr.KindPrecondition, "host %s is at capacity", explicitHostID)
		}
		return explicitHostID, nil
	}

	var best *hostRecord
	var bestRatio float64
	for _, rec := range r.hosts {
		if r.liveStatus(rec) == v1.HostOffline {
			continue
		}
		if !supportsAgent(rec, agentType) {
			continue
		}
		if len(rec.activeTaskIDs) >= rec.host.Capabilities.MaxConcurrent {
			continue
		}
		ratio := float64(len(rec.activeTaskIDs)) / float64(rec.host.Capabilities.MaxConcurrent)
		if best == nil || ratio < bestRatio ||
			(ratio == bestRatio && rec.host.ConnectedAt.Before(best.host.ConnectedAt)) {
			best = rec
			bestRatio = ratio
		}
	}
	if best == nil {
		return "", apierr.Newf(apierr.KindPrecondition, "no host available for agent %s", agentType)
	}
	return best.host.ID, nil
}

// Reserve adds a task to a host's active set, atomically with the capacity
// check.
func (r *Registry) Reserve(hostID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.hosts[hostID]
	if !ok {
		return apierr.Newf(apierr.KindNotFound, "host not found: %s", hostID)
	}
	if r.liveStatus(rec) == v1.HostOffline {
		return apierr.Newf(apierr.KindPrecondition, "host %s is offline", hostID)
	}
	if len(rec.activeTaskIDs) >= rec.host.Capabilities.MaxConcurrent {
		return apierr.Newf(apierr.KindPrecondition, "host %s is at capacity", hostID)
	}
	rec.activeTaskIDs[taskID] = struct{}{}
	rec.host.Status = r.statusFor(rec)
	r.publish(hostID)
	return nil
}

// Release removes a task from a host's active set. Releasing an unknown
// reservation is a no-op.
func (r *Registry) Release(hostID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.hosts[hostID]
	if !ok {
		return
	}
	if _, reserved := rec.activeTaskIDs[taskID]; !reserved {
		return
	}
	delete(rec.activeTaskIDs, taskID)
	if rec.host.Status != v1.HostOffline {
		rec.host.Status = r.statusFor(rec)
	}
	r.publish(hostID)
}

// RunSweeper marks hosts offline when their heartbeat lapses. Blocks until
// the context is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-r.cfg.LivenessWindowDuration())
	for id, rec := range r.hosts {
		if rec.host.Status != v1.HostOffline && rec.host.LastHeartbeat.Before(cutoff) {
			rec.host.Status = v1.HostOffline
			r.logger.Warn("Host missed heartbeat, marking offline",
				zap.String("host_id", id),
				zap.Time("last_heartbeat", rec.host.LastHeartbeat))
			r.publish(id)
		}
	}
}

// liveStatus evaluates the liveness window at read time so a lapsed host is
// never selected between sweeps.
func (r *Registry) liveStatus(rec *hostRecord) v1.HostStatus {
	if rec.host.Status == v1.HostOffline {
		return v1.HostOffline
	}
	cutoff := time.Now().UTC().Add(-r.cfg.LivenessWindowDuration())
	if rec.host.LastHeartbeat.Before(cutoff) {
		return v1.HostOffline
	}
	return r.statusFor(rec)
}

func (r *Registry) statusFor(rec *hostRecord) v1.HostStatus {
	if len(rec.activeTaskIDs) >= rec.host.Capabilities.MaxConcurrent {
		return v1.HostBusy
	}
	return v1.HostOnline
}

func (r *Registry) snapshot(rec *hostRecord) v1.Host {
	host := rec.host
	host.Status = r.liveStatus(rec)
	host.ActiveTaskIDs = make([]string, 0, len(rec.activeTaskIDs))
	for taskID := range rec.activeTaskIDs {
		host.ActiveTaskIDs = append(host.ActiveTaskIDs, taskID)
	}
	sort.Strings(host.ActiveTaskIDs)
	return host
}

// publish assumes the caller holds the lock.
func (r *Registry) publish(hostID string) {
	if r.bus == nil {
		return
	}
	rec, ok := r.hosts[hostID]
	if !ok {
		return
	}
	snapshot := r.snapshot(rec)
	_ = r.bus.Publish(context.Background(), bus.SubjectHostUpdated, bus.NewEvent(
		"host.updated", "host-registry", map[string]interface{}{
			"host_id": snapshot.ID,
			"status":  string(snapshot.Status),
			"active":  len(snapshot.ActiveTaskIDs),
		}))
}

func supportsAgent(rec *hostRecord, agentType v1.AgentType) bool {
	for _, a := range rec.host.Capabilities.SupportedAgents {
		if a == agentType {
			return true
		}
	}
	return false
}
