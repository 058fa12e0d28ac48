package host

import (
	"testing"
	"time"

	"github.com/vibekan/vibekan/internal/common/apierr"
	"github.com/vibekan/vibekan/internal/common/config"
	"github.com/vibekan/vibekan/internal/common/logger"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

func newTestRegistry(t *testing.T, localEnabled bool) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	cfg := config.HostsConfig{
		HeartbeatInterval:  15,
		LivenessWindow:     60,
		LocalEnabled:       localEnabled,
		LocalName:          "local",
		LocalMaxConcurrent: 2,
		LocalAgents:        []string{"opencode"},
	}
	return NewRegistry(cfg, nil, log)
}

func caps(agents []v1.AgentType, maxConcurrent int) v1.HostCapabilities {
	return v1.HostCapabilities{SupportedAgents: agents, MaxConcurrent: maxConcurrent}
}

func TestLocalHostRegisteredFromConfig(t *testing.T) {
	r := newTestRegistry(t, true)

	hosts := r.List()
	if len(hosts) != 1 {
		t.Fatalf("expected 1 host, got %d", len(hosts))
	}
	if hosts[0].Name != "local" || hosts[0].Status != v1.HostOnline {
		t.Errorf("unexpected local host: %+v", hosts[0])
	}
}

func TestSelectNoHostAvailable(t *testing.T) {
	r := newTestRegistry(t, false)

	_, err := r.Select(v1.AgentOpenCode, "")
	if apierr.KindOf(err) != apierr.KindPrecondition {
		t.Fatalf("expected precondition_failed, got %v", err)
	}
}

func TestSelectExplicitHostMismatch(t *testing.T) {
	r := newTestRegistry(t, false)
	hostID, err := r.Register("h1", caps([]v1.AgentType{v1.AgentOpenCode}, 2))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err = r.Select(v1.AgentCodex, hostID)
	if apierr.KindOf(err) != apierr.KindPrecondition {
		t.Fatalf("expected precondition_failed for unsupported agent, got %v", err)
	}

	got, err := r.Select(v1.AgentOpenCode, hostID)
	if err != nil {
		t.Fatalf("explicit select failed: %v", err)
	}
	if got != hostID {
		t.Errorf("expected %s, got %s", hostID, got)
	}
}

func TestSelectPrefersLeastLoaded(t *testing.T) {
	r := newTestRegistry(t, false)
	h1, _ := r.Register("h1", caps([]v1.AgentType{v1.AgentOpenCode}, 2))
	h2, _ := r.Register("h2", caps([]v1.AgentType{v1.AgentOpenCode}, 2))

	if err := r.Reserve(h1, "t1"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	got, err := r.Select(v1.AgentOpenCode, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if got != h2 {
		t.Errorf("expected least-loaded host %s, got %s", h2, got)
	}
}

func TestSelectTieBreaksByConnectedAt(t *testing.T) {
	r := newTestRegistry(t, false)
	h1, _ := r.Register("first", caps([]v1.AgentType{v1.AgentOpenCode}, 2))
	time.Sleep(5 * time.Millisecond)
	_, _ = r.Register("second", caps([]v1.AgentType{v1.AgentOpenCode}, 2))

	got, err := r.Select(v1.AgentOpenCode, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if got != h1 {
		t.Errorf("expected earliest-connected host %s, got %s", h1, got)
	}
}

func TestReserveCapacity(t *testing.T) {
	r := newTestRegistry(t, false)
	hostID, _ := r.Register("h1", caps([]v1.AgentType{v1.AgentOpenCode}, 2))

	if err := r.Reserve(hostID, "t1"); err != nil {
		t.Fatalf("Reserve t1 failed: %v", err)
	}
	if err := r.Reserve(hostID, "t2"); err != nil {
		t.Fatalf("Reserve t2 failed: %v", err)
	}

	host, _ := r.Get(hostID)
	if host.Status != v1.HostBusy {
		t.Errorf("expected busy at capacity, got %s", host.Status)
	}
	if len(host.ActiveTaskIDs) != 2 {
		t.Errorf("expected 2 active tasks, got %d", len(host.ActiveTaskIDs))
	}

	err := r.Reserve(hostID, "t3")
	if apierr.KindOf(err) != apierr.KindPrecondition {
		t.Fatalf("expected capacity rejection, got %v", err)
	}

	r.Release(hostID, "t1")
	host, _ = r.Get(hostID)
	if host.Status != v1.HostOnline {
		t.Errorf("expected online after release, got %s", host.Status)
	}
	if err := r.Reserve(hostID, "t3"); err != nil {
		t.Fatalf("Reserve after release failed: %v", err)
	}
}

func TestReleaseUnknownReservationIsNoop(t *testing.T) {
	r := newTestRegistry(t, false)
	hostID, _ := r.Register("h1", caps([]v1.AgentType{v1.AgentOpenCode}, 2))

	r.Release(hostID, "never-reserved")
	r.Release("missing-host", "t1")

	host, _ := r.Get(hostID)
	if len(host.ActiveTaskIDs) != 0 {
		t.Errorf("expected no active tasks, got %d", len(host.ActiveTaskIDs))
	}
}

func TestSweepMarksLapsedHostOffline(t *testing.T) {
	r := newTestRegistry(t, false)
	hostID, _ := r.Register("h1", caps([]v1.AgentType{v1.AgentOpenCode}, 2))

	// Age the heartbeat past the liveness window
	r.mu.Lock()
	r.hosts[hostID].host.LastHeartbeat = time.Now().UTC().Add(-2 * time.Minute)
	r.mu.Unlock()

	r.sweep()

	host, _ := r.Get(hostID)
	if host.Status != v1.HostOffline {
		t.Errorf("expected offline after sweep, got %s", host.Status)
	}

	_, err := r.Select(v1.AgentOpenCode, "")
	if apierr.KindOf(err) != apierr.KindPrecondition {
		t.Fatalf("offline host should not be selectable, got %v", err)
	}

	if err := r.Heartbeat(hostID); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	host, _ = r.Get(hostID)
	if host.Status != v1.HostOnline {
		t.Errorf("expected online after heartbeat, got %s", host.Status)
	}
}
