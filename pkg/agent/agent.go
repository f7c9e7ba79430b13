/*
Copyright 2025 The Glassdome Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package agent implements the per-platform pollers that translate platform
// reality into registry resources.
package agent

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/glassdome/glassdome/pkg/platform"
	"github.com/glassdome/glassdome/pkg/registry"
)

const (
	// pollTimeout bounds one whole poll cycle; a cycle that exceeds it is
	// dropped rather than allowed to block the loop.
	pollTimeout = 15 * time.Second

	// callTimeout bounds each platform sub-call within a cycle.
	callTimeout = 5 * time.Second
)

var (
	metricPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glassdome_agent_polls_total",
		Help: "Completed agent poll cycles.",
	}, []string{"agent"})
	metricPollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glassdome_agent_poll_errors_total",
		Help: "Agent poll cycles that ended in error.",
	}, []string{"agent"})
)

// Agent polls one platform instance and registers what it sees. On error it
// resets its client handle and keeps going; it never crashes the process.
type Agent struct {
	name     string
	platform string
	instance string
	tier     int
	interval time.Duration
	factory  platform.Factory
	store    *registry.Store
	log      logr.Logger

	client   platform.Client
	known    map[string]registry.ResourceType
	polls    int
	errCount int
}

// New constructs an agent. The poll interval should correspond to the tier
// (1s for tier 1, 5-10s for tier 2, 30-60s for tier 3).
func New(name, platformName, instance string, tier int, interval time.Duration, factory platform.Factory, store *registry.Store, log logr.Logger) *Agent {
	return &Agent{
		name:     name,
		platform: platformName,
		instance: instance,
		tier:     tier,
		interval: interval,
		factory:  factory,
		store:    store,
		log:      log.WithName(name),
		known:    map[string]registry.ResourceType{},
	}
}

// Run executes the poll loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.log.Info("agent starting", "platform", a.platform, "tier", a.tier, "interval", a.interval.String())
	for {
		select {
		case <-ctx.Done():
			a.log.Info("agent stopping")
			return nil
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

// PollOnce runs a single poll cycle. Exposed for tests and manual triggers.
func (a *Agent) PollOnce(ctx context.Context) { a.pollOnce(ctx) }

func (a *Agent) pollOnce(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	if err := a.poll(cycleCtx); err != nil {
		a.errCount++
		metricPollErrors.WithLabelValues(a.name).Inc()
		a.log.Error(err, "poll failed")
		// Drop the client so the next cycle reconnects from scratch.
		a.client = nil
		return
	}
	a.polls++
	metricPolls.WithLabelValues(a.name).Inc()
	a.store.AgentHeartbeat(a.name, map[string]any{
		"polls":    a.polls,
		"errors":   a.errCount,
		"platform": a.platform,
		"instance": a.instance,
		"tier":     a.tier,
	})
}

func (a *Agent) poll(ctx context.Context) error {
	client, err := a.ensureClient(ctx)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	vms, err := client.ListVMs(callCtx)
	cancel()
	if err != nil {
		return err
	}

	callCtx, cancel = context.WithTimeout(ctx, callTimeout)
	hosts, hostErr := client.ListHosts(callCtx)
	cancel()
	if hostErr != nil {
		// VM data is still usable; hosts just stay stale this cycle.
		a.log.V(4).Info("host listing failed", "err", hostErr.Error())
	}

	seen := map[string]registry.ResourceType{}
	for _, vm := range vms {
		r := a.translateVM(vm)
		if r == nil {
			continue
		}
		a.store.Register(r)
		seen[r.ID] = r.Type
	}
	for _, h := range hosts {
		r := a.translateHost(h)
		if r == nil {
			continue
		}
		a.store.Register(r)
		seen[r.ID] = r.Type
	}

	// Anything we registered last cycle but no longer see has been deleted
	// out from under us.
	for id, typ := range a.known {
		if _, ok := seen[id]; ok {
			continue
		}
		prev, existed := a.store.Get(id)
		a.store.Delete(id)
		if typ == registry.TypeLabVM && a.tier == 1 && existed {
			a.store.PublishEvent(registry.StateChange{
				Kind:       registry.EventDeleted,
				ResourceID: id,
				OldState:   prev.State,
				NewState:   registry.StateDeleted,
				LabID:      prev.LabID,
				Agent:      a.name,
				Severity:   registry.SeverityAlert,
			})
		}
	}
	a.known = seen
	return nil
}

func (a *Agent) ensureClient(ctx context.Context) (platform.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	client, err := a.factory(ctx)
	if err != nil {
		return nil, err
	}
	a.client = client
	return client, nil
}

func (a *Agent) translateVM(vm platform.VMInfo) *registry.Resource {
	if !registry.ValidLocalID(vm.ID) {
		a.log.V(4).Info("skipping VM with unusable local id", "id", vm.ID)
		return nil
	}
	labID := LabIDFromName(vm.Name)
	typ := registry.TypeVM
	if labID != "" {
		typ = registry.TypeLabVM
	}
	ident := registry.PlatformIdentity{Platform: a.platform, Instance: a.instance, LocalID: vm.ID}
	cfg := map[string]string{}
	for k, v := range vm.Config {
		cfg[k] = v
	}
	if vm.IP != "" {
		cfg["ip"] = vm.IP
	}
	if vm.Host != "" {
		cfg["host"] = vm.Host
	}
	return &registry.Resource{
		ID:       ident.ResourceID(typ),
		Type:     typ,
		Name:     vm.Name,
		Platform: ident,
		State:    MapState(vm.State),
		LabID:    labID,
		Config:   cfg,
		Tier:     a.tier,
	}
}

func (a *Agent) translateHost(h platform.HostInfo) *registry.Resource {
	if !registry.ValidLocalID(h.ID) {
		return nil
	}
	ident := registry.PlatformIdentity{Platform: a.platform, Instance: a.instance, LocalID: h.ID}
	st := registry.StateHealthy
	if h.State != "up" && h.State != "online" && h.State != "healthy" && h.State != "" {
		st = registry.StateDegraded
	}
	return &registry.Resource{
		ID:       ident.ResourceID(registry.TypeHost),
		Type:     registry.TypeHost,
		Name:     h.Name,
		Platform: ident,
		State:    st,
		Config: map[string]string{
			"cpu_total":            itoa(h.CPUTotal),
			"memory_total_mib":     itoa64(h.MemoryTotalMiB),
			"memory_available_mib": itoa64(h.MemoryAvailableMiB),
			"disk_total_gib":       itoa64(h.DiskTotalGiB),
			"disk_available_gib":   itoa64(h.DiskAvailableGiB),
		},
		Tier: a.tier,
	}
}

// LabIDFromName extracts the lab association from the lab-<labid>-<suffix>
// naming convention. The rule is deterministic: no prefix, no association.
func LabIDFromName(name string) string {
	if !strings.HasPrefix(name, "lab-") {
		return ""
	}
	rest := name[len("lab-"):]
	idx := strings.Index(rest, "-")
	if idx <= 0 {
		return ""
	}
	return rest[:idx]
}

// MapState normalizes a platform state string to a registry state.
func MapState(s string) registry.ResourceState {
	switch strings.ToLower(s) {
	case "running", "poweredon", "on":
		return registry.StateRunning
	case "stopped", "poweredoff", "off", "shutoff", "deallocated", "terminated":
		return registry.StateStopped
	case "paused", "suspended":
		return registry.StatePaused
	case "creating", "provisioning", "pending":
		return registry.StateCreating
	case "deleting", "shutting-down":
		return registry.StateDeleting
	case "error":
		return registry.StateError
	default:
		return registry.StateUnknown
	}
}

func itoa(v int) string     { return strconv.Itoa(v) }
func itoa64(v int64) string { return strconv.FormatInt(v, 10) }
