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

package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// recentEventCap bounds the ring buffer retained for late subscribers.
	recentEventCap = 1000

	// subscriberBuffer is the per-subscriber channel depth. A subscriber
	// that falls behind loses events rather than blocking the store.
	subscriberBuffer = 64

	// agentTTL is how long a heartbeat keeps an agent listed as alive.
	agentTTL = 120 * time.Second
)

var (
	metricResources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "glassdome_registry_resources",
		Help: "Registered resources by type.",
	}, []string{"type"})
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glassdome_registry_events_total",
		Help: "Registry events published by kind.",
	}, []string{"kind"})
	metricActiveDrifts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glassdome_registry_active_drifts",
		Help: "Drifts currently unresolved.",
	})
)

// AgentStatus is the last heartbeat reported by a platform agent.
type AgentStatus struct {
	Name     string         `json:"name"`
	Status   map[string]any `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
	Alive    bool           `json:"alive"`
}

// Status aggregates registry counts for dashboards.
type Status struct {
	Resources    int                  `json:"resources"`
	ByType       map[ResourceType]int `json:"by_type"`
	Labs         int                  `json:"labs"`
	ActiveDrifts int                  `json:"active_drifts"`
	Agents       int                  `json:"agents"`
}

type subscription struct {
	labID string
	ch    chan StateChange
}

// Store is the single-process registry. All indexes are maintained under one
// lock so a mutation and its index updates are one logical transaction.
type Store struct {
	mu sync.RWMutex

	resources map[string]*Resource
	byType    map[ResourceType]map[string]struct{}
	byLab     map[string]map[string]struct{}

	drifts      map[string]*Drift
	driftsByLab map[string]map[string]struct{}

	agents map[string]*AgentStatus

	recent []StateChange
	subs   map[int]*subscription
	nextID int
}

// NewStore returns an empty registry store.
func NewStore() *Store {
	return &Store{
		resources:   map[string]*Resource{},
		byType:      map[ResourceType]map[string]struct{}{},
		byLab:       map[string]map[string]struct{}{},
		drifts:      map[string]*Drift{},
		driftsByLab: map[string]map[string]struct{}{},
		agents:      map[string]*AgentStatus{},
		subs:        map[int]*subscription{},
	}
}

// Register upserts a resource and emits Created, StateChanged, or Updated
// depending on what changed. The store keeps its own copy of r.
func (s *Store) Register(r *Resource) {
	now := time.Now().UTC()
	cp := r.DeepCopy()
	cp.UpdatedAt = now
	cp.LastSeen = now

	s.mu.Lock()
	prev, existed := s.resources[cp.ID]
	if existed {
		cp.CreatedAt = prev.CreatedAt
		// Desired fields belong to the reconciler, not to agent polls.
		// An upsert without them keeps the previous desires.
		if cp.DesiredState == "" {
			cp.DesiredState = prev.DesiredState
		}
		if cp.DesiredConfig == nil {
			cp.DesiredConfig = prev.DesiredConfig
		}
	} else {
		cp.CreatedAt = now
	}
	s.resources[cp.ID] = cp
	s.index(cp, prev)
	metricResources.WithLabelValues(string(cp.Type)).Set(float64(len(s.byType[cp.Type])))

	ev := StateChange{
		ResourceID: cp.ID,
		LabID:      cp.LabID,
		NewState:   cp.State,
		Timestamp:  now,
	}
	switch {
	case !existed:
		ev.Kind = EventCreated
	case prev.State != cp.State:
		ev.Kind = EventStateChanged
		ev.OldState = prev.State
	default:
		ev.Kind = EventUpdated
	}
	s.publishLocked(ev)
	s.mu.Unlock()
}

// SetDesired stamps desired state and config on an existing resource.
// Desired states other than running/stopped are rejected silently by
// clearing the field; the caller validates before this point.
func (s *Store) SetDesired(id string, state ResourceState, config map[string]string) bool {
	if state != "" && state != StateRunning && state != StateStopped {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return false
	}
	r.DesiredState = state
	if config != nil {
		r.DesiredConfig = config
	}
	r.UpdatedAt = time.Now().UTC()
	return true
}

// Get returns a copy of the resource, if present.
func (s *Store) Get(id string) (*Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, false
	}
	return r.DeepCopy(), true
}

// Delete removes a resource and emits Deleted. Ids are never reused.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	if !ok {
		return
	}
	delete(s.resources, id)
	s.unindex(r)
	metricResources.WithLabelValues(string(r.Type)).Set(float64(len(s.byType[r.Type])))
	s.publishLocked(StateChange{
		Kind:       EventDeleted,
		ResourceID: id,
		OldState:   r.State,
		NewState:   StateDeleted,
		LabID:      r.LabID,
		Timestamp:  time.Now().UTC(),
	})
}

// ListByType returns copies of every resource of type t, ordered by id.
func (s *Store) ListByType(t ResourceType) []*Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byType[t])
}

// ListByLab returns copies of every resource associated with a lab.
func (s *Store) ListByLab(labID string) []*Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byLab[labID])
}

// ListByPlatform returns copies of every resource on a platform, optionally
// narrowed to one instance.
func (s *Store) ListByPlatform(platform, instance string) []*Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Resource
	for _, r := range s.resources {
		if r.Platform.Platform != platform {
			continue
		}
		if instance != "" && r.Platform.Instance != instance {
			continue
		}
		out = append(out, r.DeepCopy())
	}
	sortResources(out)
	return out
}

// PublishEvent publishes an externally produced event (reconcile progress,
// alerts) to all matching subscribers and the recent ring.
func (s *Store) PublishEvent(ev StateChange) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.publishLocked(ev)
	s.mu.Unlock()
}

// SubscribeEvents returns a channel of future events and an unsubscribe
// function. With a labID, only events for that lab are delivered. New
// subscriptions begin at the current tail; delivery is at-most-once and
// laggards lose events.
func (s *Store) SubscribeEvents(labID string) (<-chan StateChange, func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	sub := &subscription{labID: labID, ch: make(chan StateChange, subscriberBuffer)}
	s.subs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if cur, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(cur.ch)
		}
		s.mu.Unlock()
	}
	return sub.ch, cancel
}

// GetRecentEvents returns up to n most recent events, oldest first.
func (s *Store) GetRecentEvents(n int) []StateChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]StateChange, n)
	copy(out, s.recent[len(s.recent)-n:])
	return out
}

// RecordDrift records (or replaces) the active drift for a resource and
// emits DriftDetected.
func (s *Store) RecordDrift(d *Drift) {
	cp := *d
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.drifts[cp.ResourceID]; ok && prev.LabID != cp.LabID {
		s.dropLabDriftLocked(prev)
	}
	s.drifts[cp.ResourceID] = &cp
	if cp.LabID != "" {
		if s.driftsByLab[cp.LabID] == nil {
			s.driftsByLab[cp.LabID] = map[string]struct{}{}
		}
		s.driftsByLab[cp.LabID][cp.ResourceID] = struct{}{}
	}
	metricActiveDrifts.Set(float64(len(s.drifts)))
	s.publishLocked(StateChange{
		Kind:       EventDriftDetected,
		ResourceID: cp.ResourceID,
		OldValue:   cp.Actual,
		NewValue:   cp.Expected,
		LabID:      cp.LabID,
		Timestamp:  time.Now().UTC(),
	})
}

// ResolveDrift clears the active drift for a resource, if any, and emits
// DriftResolved.
func (s *Store) ResolveDrift(resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drifts[resourceID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	d.ResolvedAt = &now
	delete(s.drifts, resourceID)
	s.dropLabDriftLocked(d)
	metricActiveDrifts.Set(float64(len(s.drifts)))
	s.publishLocked(StateChange{
		Kind:       EventDriftResolved,
		ResourceID: resourceID,
		LabID:      d.LabID,
		Timestamp:  now,
	})
}

// GetDrifts returns copies of active drifts, optionally for one lab only.
func (s *Store) GetDrifts(labID string) []*Drift {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Drift
	if labID != "" {
		for id := range s.driftsByLab[labID] {
			if d, ok := s.drifts[id]; ok {
				cp := *d
				out = append(out, &cp)
			}
		}
	} else {
		for _, d := range s.drifts {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// AgentHeartbeat records a heartbeat; the agent stays listed as alive for
// the TTL window.
func (s *Store) AgentHeartbeat(name string, status map[string]any) {
	now := time.Now().UTC()
	s.mu.Lock()
	s.agents[name] = &AgentStatus{Name: name, Status: status, LastSeen: now}
	s.publishLocked(StateChange{
		Kind:      EventAgentHeartbeat,
		Agent:     name,
		Timestamp: now,
	})
	s.mu.Unlock()
}

// GetAgentStatus returns the last heartbeat for a named agent.
func (s *Store) GetAgentStatus(name string) (*AgentStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[name]
	if !ok {
		return nil, false
	}
	cp := *a
	cp.Alive = time.Since(a.LastSeen) < agentTTL
	return &cp, true
}

// ListAgents returns every known agent with its liveness computed against
// the heartbeat TTL.
func (s *Store) ListAgents() []*AgentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AgentStatus, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		cp.Alive = time.Since(a.LastSeen) < agentTTL
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetLabSnapshot derives the grouped view of one lab.
func (s *Store) GetLabSnapshot(labID string) *LabSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &LabSnapshot{LabID: labID}
	for _, r := range s.collect(s.byLab[labID]) {
		switch r.Type {
		case TypeLabVM, TypeVM:
			snap.VMs = append(snap.VMs, *r)
			snap.TotalVMs++
			if r.State == StateRunning {
				snap.RunningVMs++
			}
			if r.Config["role"] == "gateway" {
				vm := *r
				snap.Gateway = &vm
			}
		case TypeLabNetwork:
			snap.Networks = append(snap.Networks, *r)
		}
	}
	snap.Healthy = len(s.driftsByLab[labID]) == 0 && snap.RunningVMs == snap.TotalVMs
	return snap
}

// ListLabs returns every lab id that currently has resources, sorted.
func (s *Store) ListLabs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byLab))
	for id, members := range s.byLab {
		if len(members) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Status returns aggregated counts.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Resources:    len(s.resources),
		ByType:       map[ResourceType]int{},
		ActiveDrifts: len(s.drifts),
		Agents:       len(s.agents),
	}
	for t, members := range s.byType {
		if len(members) > 0 {
			st.ByType[t] = len(members)
		}
	}
	for _, members := range s.byLab {
		if len(members) > 0 {
			st.Labs++
		}
	}
	return st
}

// index and unindex maintain the secondary indexes. Callers hold the lock.

func (s *Store) index(r, prev *Resource) {
	if prev != nil && (prev.Type != r.Type || prev.LabID != r.LabID) {
		s.unindex(prev)
	}
	if s.byType[r.Type] == nil {
		s.byType[r.Type] = map[string]struct{}{}
	}
	s.byType[r.Type][r.ID] = struct{}{}
	if r.LabID != "" {
		if s.byLab[r.LabID] == nil {
			s.byLab[r.LabID] = map[string]struct{}{}
		}
		s.byLab[r.LabID][r.ID] = struct{}{}
	}
}

func (s *Store) unindex(r *Resource) {
	delete(s.byType[r.Type], r.ID)
	if r.LabID != "" {
		delete(s.byLab[r.LabID], r.ID)
	}
}

func (s *Store) dropLabDriftLocked(d *Drift) {
	if d.LabID != "" {
		delete(s.driftsByLab[d.LabID], d.ResourceID)
	}
}

func (s *Store) publishLocked(ev StateChange) {
	metricEvents.WithLabelValues(string(ev.Kind)).Inc()
	s.recent = append(s.recent, ev)
	if len(s.recent) > recentEventCap {
		s.recent = s.recent[len(s.recent)-recentEventCap:]
	}
	for _, sub := range s.subs {
		if sub.labID != "" && sub.labID != ev.LabID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is behind; drop.
		}
	}
}

func (s *Store) collect(ids map[string]struct{}) []*Resource {
	out := make([]*Resource, 0, len(ids))
	for id := range ids {
		if r, ok := s.resources[id]; ok {
			out = append(out, r.DeepCopy())
		}
	}
	sortResources(out)
	return out
}

func sortResources(rs []*Resource) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Name != rs[j].Name {
			return rs[i].Name < rs[j].Name
		}
		return rs[i].ID < rs[j].ID
	})
}
