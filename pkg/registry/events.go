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

import "time"

// EventKind classifies a StateChange.
type EventKind string

const (
	EventCreated           EventKind = "created"
	EventUpdated           EventKind = "updated"
	EventDeleted           EventKind = "deleted"
	EventStateChanged      EventKind = "state_changed"
	EventDriftDetected     EventKind = "drift_detected"
	EventDriftResolved     EventKind = "drift_resolved"
	EventReconcileStart    EventKind = "reconcile_start"
	EventReconcileComplete EventKind = "reconcile_complete"
	EventReconcileFailed   EventKind = "reconcile_failed"
	EventAgentHeartbeat    EventKind = "agent_heartbeat"
)

// Event severities. Most events are informational; Tier-1 lab VM deletions
// are emitted a second time at alert severity.
const (
	SeverityInfo  = "info"
	SeverityAlert = "alert"
)

// StateChange is an immutable registry event. The timestamp is authoritative
// for audit but not for ordering; delivery order is the channel's.
type StateChange struct {
	Kind       EventKind     `json:"kind"`
	ResourceID string        `json:"resource_id,omitempty"`
	OldState   ResourceState `json:"old_state,omitempty"`
	NewState   ResourceState `json:"new_state,omitempty"`
	OldValue   string        `json:"old_value,omitempty"`
	NewValue   string        `json:"new_value,omitempty"`
	LabID      string        `json:"lab_id,omitempty"`
	Agent      string        `json:"agent,omitempty"`
	Severity   string        `json:"severity,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}
