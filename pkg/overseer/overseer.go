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

// Package overseer implements the control-plane entity that gates inbound
// requests, executes the approved ones against platform clients, and owns
// the Reaper mission engines. The Overseer never exits because of a
// downstream failure; only explicit shutdown or a failed init terminates it.
package overseer

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/glassdome/glassdome/pkg/knowledge"
	"github.com/glassdome/glassdome/pkg/platform"
	"github.com/glassdome/glassdome/pkg/reaper"
	"github.com/glassdome/glassdome/pkg/registry"
	"github.com/glassdome/glassdome/pkg/state"
)

// Loop cadences. Every loop polls its context at the top of each iteration
// so shutdown is never delayed by more than one tick.
const (
	MonitorInterval   = 30 * time.Second
	StateSyncInterval = 60 * time.Second
	HealthInterval    = 300 * time.Second

	// dequeueWait bounds one execution-loop wait; on timeout the loop
	// re-checks its context and waits again.
	dequeueWait = time.Second

	// queueCapacity bounds the approved-request queue. The gate denies
	// rather than blocks when the queue is full.
	queueCapacity = 128
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glassdome_requests_total",
		Help: "Gated requests by action and decision.",
	}, []string{"action", "decision"})
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glassdome_request_queue_depth",
		Help: "Approved requests awaiting execution.",
	})
)

// Decision is the gate's answer to one request.
type Decision struct {
	Approved      bool   `json:"approved"`
	RequestID     string `json:"request_id"`
	Reason        string `json:"reason,omitempty"`
	QueuePosition int    `json:"queue_position,omitempty"`
}

// Overseer owns System State, the request queue, the platform client cache,
// and the Reaper mission engines.
type Overseer struct {
	state     *state.Store
	registry  *registry.Store
	advisor   knowledge.Advisor
	factories map[string]platform.Factory
	log       logr.Logger

	clientMU sync.Mutex
	clients  map[string]platform.Client

	queue chan string

	taskQueue reaper.TaskQueue
	bus       reaper.EventBus
	missions  reaper.MissionStore
	planner   reaper.MissionPlanner

	engineMU sync.Mutex
	engines  map[string]*reaper.Engine

	flagMU    sync.Mutex
	accepting bool
}

// ReaperDeps bundles the shared Reaper infrastructure every mission engine
// binds to.
type ReaperDeps struct {
	Queue   reaper.TaskQueue
	Bus     reaper.EventBus
	Store   reaper.MissionStore
	Planner reaper.MissionPlanner
}

// New constructs an Overseer. Platform clients are built lazily from the
// factory map on first use, so credential failures surface at call time as
// AuthError, not at startup.
func New(st *state.Store, reg *registry.Store, advisor knowledge.Advisor, factories map[string]platform.Factory, deps ReaperDeps, log logr.Logger) *Overseer {
	return &Overseer{
		state:     st,
		registry:  reg,
		advisor:   advisor,
		factories: factories,
		log:       log.WithName("overseer"),
		clients:   map[string]platform.Client{},
		queue:     make(chan string, queueCapacity),
		taskQueue: deps.Queue,
		bus:       deps.Bus,
		missions:  deps.Store,
		planner:   deps.Planner,
		engines:   map[string]*reaper.Engine{},
		accepting: true,
	}
}

// Run executes the four loops until ctx is cancelled, then shuts down
// gracefully: the gate stops accepting, every mission engine is stopped, and
// System State is persisted one final time.
func (o *Overseer) Run(ctx context.Context) error {
	o.log.Info("overseer starting",
		"platforms", len(o.factories),
		"monitor_interval", MonitorInterval.String())

	g, loopCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.monitorLoop(loopCtx) })
	g.Go(func() error { return o.executionLoop(loopCtx) })
	g.Go(func() error { return o.stateSyncLoop(loopCtx) })
	g.Go(func() error { return o.healthLoop(loopCtx) })
	err := g.Wait()

	o.Shutdown()
	return err
}

// Shutdown stops the gate, every Reaper engine, and persists System State.
// Safe to call more than once.
func (o *Overseer) Shutdown() {
	o.flagMU.Lock()
	if !o.accepting {
		o.flagMU.Unlock()
		return
	}
	o.accepting = false
	o.flagMU.Unlock()

	o.engineMU.Lock()
	engines := make([]*reaper.Engine, 0, len(o.engines))
	for _, e := range o.engines {
		engines = append(engines, e)
	}
	o.engineMU.Unlock()
	for _, e := range engines {
		e.Stop()
	}

	if err := o.state.Save(); err != nil {
		o.log.Error(err, "failed to persist system state on shutdown")
	}
	o.log.Info("overseer stopped", "engines_stopped", len(engines))
}

func (o *Overseer) isAccepting() bool {
	o.flagMU.Lock()
	defer o.flagMU.Unlock()
	return o.accepting
}

// monitorLoop walks System State for anomalies and consults the advisor for
// each. It never remediates; corrective action is the lab controller's job.
func (o *Overseer) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.monitorOnce(ctx)
		}
	}
}

// MonitorOnce runs a single monitor pass. Exposed for tests and manual
// triggers.
func (o *Overseer) MonitorOnce(ctx context.Context) { o.monitorOnce(ctx) }

func (o *Overseer) monitorOnce(ctx context.Context) {
	for _, vm := range o.state.ListVMs() {
		if vm.Status != state.VMUnknown && vm.Status != state.VMError {
			continue
		}
		o.consult(ctx, "vm_anomaly", map[string]any{
			"vm_id":    vm.ID,
			"name":     vm.Name,
			"platform": vm.Platform,
			"status":   string(vm.Status),
		})
	}
	for _, h := range o.state.ListHosts() {
		if h.Status != state.HostDegraded && h.Status != state.HostDown {
			continue
		}
		o.consult(ctx, "host_anomaly", map[string]any{
			"platform": h.Platform,
			"host":     h.Identifier,
			"status":   string(h.Status),
		})
	}
}

// consult runs the advisor and logs findings. Advisory output never blocks
// anything; a failed consult is logged and forgotten.
func (o *Overseer) consult(ctx context.Context, topic string, details map[string]any) {
	findings, err := o.advisor.Consult(ctx, topic, details)
	if err != nil {
		o.log.Error(err, "advisor consult failed", "topic", topic)
		return
	}
	for _, f := range findings {
		if f.Priority == knowledge.PriorityHigh {
			o.log.Info("HIGH PRIORITY advisory", "topic", topic, "summary", f.Summary)
			continue
		}
		o.log.V(2).Info("advisory", "topic", topic, "priority", f.Priority, "summary", f.Summary)
	}
}

// executionLoop dequeues approved requests with a bounded wait and runs the
// per-action handler. A handler failure marks the request failed; the loop
// always survives.
func (o *Overseer) executionLoop(ctx context.Context) error {
	timer := time.NewTimer(dequeueWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-o.queue:
			metricQueueDepth.Set(float64(len(o.queue)))
			o.executeRequest(ctx, id)
		case <-timer.C:
		}
		timer.Reset(dequeueWait)
	}
}

// ExecuteNext drains and executes at most one queued request. Exposed for
// tests and the CLI's synchronous deploy path.
func (o *Overseer) ExecuteNext(ctx context.Context) bool {
	select {
	case id := <-o.queue:
		metricQueueDepth.Set(float64(len(o.queue)))
		o.executeRequest(ctx, id)
		return true
	default:
		return false
	}
}

// stateSyncLoop projects registry observations back into System State: the
// controller reconciles reality toward intent, this closes the loop in the
// other direction so the ledger tracks what the agents actually see.
func (o *Overseer) stateSyncLoop(ctx context.Context) error {
	ticker := time.NewTicker(StateSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.syncOnce()
		}
	}
}

// SyncOnce runs a single state-sync pass. Exposed for tests.
func (o *Overseer) SyncOnce() { o.syncOnce() }

func (o *Overseer) syncOnce() {
	if o.registry == nil {
		return
	}
	synced := 0
	for _, t := range []registry.ResourceType{registry.TypeVM, registry.TypeLabVM} {
		for _, r := range o.registry.ListByType(t) {
			vm, ok := o.state.GetVM(r.Platform.LocalID)
			if !ok {
				continue
			}
			status := projectStatus(r.State)
			ip := r.Config["ip"]
			if vm.Status == status && (ip == "" || vm.IP == ip) {
				continue
			}
			vm.Status = status
			if ip != "" {
				vm.IP = ip
			}
			if err := o.state.PutVM(vm); err != nil {
				o.log.Error(err, "failed to sync vm state", "vm", vm.ID)
				continue
			}
			synced++
		}
	}
	if synced > 0 {
		o.log.V(2).Info("state sync applied registry observations", "vms", synced)
	}
}

func projectStatus(s registry.ResourceState) state.VMStatus {
	switch s {
	case registry.StateRunning:
		return state.VMRunning
	case registry.StateStopped, registry.StatePaused:
		return state.VMStopped
	case registry.StateCreating:
		return state.VMCreating
	case registry.StateError, registry.StateDegraded:
		return state.VMError
	case registry.StateDeleted, registry.StateDeleting:
		return state.VMDeleted
	default:
		return state.VMUnknown
	}
}

// healthLoop periodically logs an aggregated liveness summary.
func (o *Overseer) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.logHealth()
		}
	}
}

func (o *Overseer) logHealth() {
	pending, approved := 0, 0
	for _, r := range o.state.ListRequests() {
		switch r.Status {
		case state.RequestPending:
			pending++
		case state.RequestApproved:
			approved++
		}
	}
	o.engineMU.Lock()
	engines := len(o.engines)
	o.engineMU.Unlock()
	o.log.Info("health summary",
		"vms", len(o.state.ListVMs()),
		"hosts", len(o.state.ListHosts()),
		"requests_pending", pending,
		"requests_approved", approved,
		"queue_depth", len(o.queue),
		"missions", engines)
}
