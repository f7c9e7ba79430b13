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

// Package state holds the Overseer's durable ledger of what it believes it
// has deployed: VMs, hosts, services, and requests. This is not the
// registry; the registry reflects observed reality, this reflects intent.
package state

import (
	"fmt"
	"time"
)

// VMStatus is the Overseer's view of a deployed VM.
type VMStatus string

const (
	VMUnknown  VMStatus = "unknown"
	VMCreating VMStatus = "creating"
	VMRunning  VMStatus = "running"
	VMStopped  VMStatus = "stopped"
	VMError    VMStatus = "error"
	VMDeleted  VMStatus = "deleted"
)

// HostStatus is the Overseer's view of a hypervisor host.
type HostStatus string

const (
	HostUp       HostStatus = "up"
	HostDegraded HostStatus = "degraded"
	HostDown     HostStatus = "down"
	HostUnknown  HostStatus = "unknown"
)

// RequestStatus tracks a request through the gate and execution.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestDenied    RequestStatus = "denied"
	RequestExecuting RequestStatus = "executing"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// VMSpecs is the sizing recorded for a deployed VM.
type VMSpecs struct {
	OS        string `json:"os,omitempty"`
	Cores     int    `json:"cores,omitempty"`
	MemoryMiB int64  `json:"memory_mib,omitempty"`
	DiskGiB   int64  `json:"disk_gib,omitempty"`
}

// VM is one deployed virtual machine.
type VM struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Platform   string   `json:"platform"`
	Status     VMStatus `json:"status"`
	IP         string   `json:"ip,omitempty"`
	Specs      VMSpecs  `json:"specs"`
	Services   []string `json:"services,omitempty"`
	Production bool     `json:"is_production"`
	DeployedBy string   `json:"deployed_by,omitempty"`
	RequestID  string   `json:"request_id,omitempty"`
}

// HostResources carries capacity totals and headroom for a host. Absent
// (zero) available fields are treated as insufficient by HasResources.
type HostResources struct {
	CPUTotal           int   `json:"cpu_total,omitempty"`
	CPUAvailable       int   `json:"cpu_available,omitempty"`
	MemoryTotalMiB     int64 `json:"memory_total_mib,omitempty"`
	MemoryAvailableMiB int64 `json:"memory_available_mib,omitempty"`
	DiskTotalGiB       int64 `json:"disk_total_gib,omitempty"`
	DiskAvailableGiB   int64 `json:"disk_available_gib,omitempty"`
}

// Host is one hypervisor host, keyed by (platform, identifier).
type Host struct {
	Platform   string        `json:"platform"`
	Identifier string        `json:"identifier"`
	Status     HostStatus    `json:"status"`
	Resources  HostResources `json:"resources"`
	VMs        []string      `json:"vms,omitempty"`
}

// Key is the composite map key for a host.
func (h Host) Key() string { return HostKey(h.Platform, h.Identifier) }

// HostKey builds the composite host key used in the persisted document.
func HostKey(platform, identifier string) string {
	return fmt.Sprintf("%s/%s", platform, identifier)
}

// Service is one service exposed by a VM, keyed by (vm id, name).
type Service struct {
	VMID   string `json:"vm_id"`
	Name   string `json:"name"`
	Port   int    `json:"port,omitempty"`
	URL    string `json:"url,omitempty"`
	Status string `json:"status,omitempty"`
}

// ServiceKey builds the composite service key.
func ServiceKey(vmID, name string) string {
	return fmt.Sprintf("%s/%s", vmID, name)
}

// Request is a gated request with its full audit trail.
type Request struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	User        string         `json:"user"`
	Params      map[string]any `json:"params,omitempty"`
	Status      RequestStatus  `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	Result      string         `json:"result,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	ApprovedAt  *time.Time     `json:"approved_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// document is the on-disk shape: four top-level maps plus last_saved.
type document struct {
	VMs       map[string]*VM      `json:"vms"`
	Hosts     map[string]*Host    `json:"hosts"`
	Services  map[string]*Service `json:"services"`
	Requests  map[string]*Request `json:"requests"`
	LastSaved time.Time           `json:"last_saved"`
}
