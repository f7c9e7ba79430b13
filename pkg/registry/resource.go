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

// Package registry implements the keyed, indexed, event-emitting store of
// every resource the platform agents observe, plus drift detection over
// desired state.
package registry

import (
	"fmt"
	"strings"
	"time"
)

// ResourceType is the semantic type of a registry resource.
type ResourceType string

const (
	TypeLab           ResourceType = "lab"
	TypeLabVM         ResourceType = "lab_vm"
	TypeLabNetwork    ResourceType = "lab_network"
	TypeVM            ResourceType = "vm"
	TypeTemplate      ResourceType = "template"
	TypeStoragePool   ResourceType = "storage_pool"
	TypeHost          ResourceType = "host"
	TypeSwitch        ResourceType = "switch"
	TypeSwitchPort    ResourceType = "switch_port"
	TypeVLAN          ResourceType = "vlan"
	TypeStorageSystem ResourceType = "storage_system"
)

// ResourceState is the observed (or desired) state of a resource.
type ResourceState string

const (
	StateUnknown  ResourceState = "unknown"
	StateCreating ResourceState = "creating"
	StateRunning  ResourceState = "running"
	StateStopped  ResourceState = "stopped"
	StatePaused   ResourceState = "paused"
	StateError    ResourceState = "error"
	StateDeleting ResourceState = "deleting"
	StateDeleted  ResourceState = "deleted"
	StateDegraded ResourceState = "degraded"
	StateHealthy  ResourceState = "healthy"
)

// PlatformIdentity names where a resource lives: the platform, an optional
// instance tag for multi-instance platforms, and the platform-local id.
type PlatformIdentity struct {
	Platform string `json:"platform"`
	Instance string `json:"instance,omitempty"`
	LocalID  string `json:"local_id"`
}

// ResourceID builds the composite registry id. The format is
// <platform>:<instance>:<type>:<local_id> when an instance tag is present,
// otherwise <platform>:<type>:<local_id>. Local ids must not contain colons.
func (p PlatformIdentity) ResourceID(t ResourceType) string {
	if p.Instance != "" {
		return fmt.Sprintf("%s:%s:%s:%s", p.Platform, p.Instance, string(t), p.LocalID)
	}
	return fmt.Sprintf("%s:%s:%s", p.Platform, string(t), p.LocalID)
}

// ValidLocalID reports whether a platform-local id is usable in a composite
// resource id.
func ValidLocalID(id string) bool {
	return id != "" && !strings.Contains(id, ":")
}

// Resource is a single registry entity. The Registry exclusively owns
// Resource records: agents write them, the controller issues corrective
// platform actions, everything else is a read-only consumer.
type Resource struct {
	ID       string           `json:"id"`
	Type     ResourceType     `json:"type"`
	Name     string           `json:"name"`
	Platform PlatformIdentity `json:"platform"`
	State    ResourceState    `json:"state"`
	LabID    string           `json:"lab_id,omitempty"`

	// Config is the configuration snapshot observed on the platform.
	Config map[string]string `json:"config,omitempty"`

	// DesiredState and DesiredConfig are set only while the resource is
	// under reconciliation. DesiredState is restricted to running/stopped.
	DesiredState  ResourceState     `json:"desired_state,omitempty"`
	DesiredConfig map[string]string `json:"desired_config,omitempty"`

	// Tier controls the update cadence (1 = 1s, 2 = 5-10s, 3 = 30-60s).
	Tier int `json:"tier"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// DeepCopy returns a copy sharing no maps with r.
func (r *Resource) DeepCopy() *Resource {
	out := *r
	if r.Config != nil {
		out.Config = make(map[string]string, len(r.Config))
		for k, v := range r.Config {
			out.Config[k] = v
		}
	}
	if r.DesiredConfig != nil {
		out.DesiredConfig = make(map[string]string, len(r.DesiredConfig))
		for k, v := range r.DesiredConfig {
			out.DesiredConfig[k] = v
		}
	}
	return &out
}

// LabSnapshot is a derived, never-stored view of one lab's resources.
type LabSnapshot struct {
	LabID      string
	VMs        []Resource
	Networks   []Resource
	Gateway    *Resource
	TotalVMs   int
	RunningVMs int
	// Healthy is true when the lab has no active drifts and every VM is
	// running.
	Healthy bool
}
