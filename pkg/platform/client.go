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

// Package platform defines the uniform client contract every hypervisor and
// cloud adapter satisfies, together with the tagged error taxonomy callers
// dispatch on.
package platform

import (
	"context"
)

// VMSpec is the declarative description of a virtual machine to create.
// Memory is expressed in MiB, disk in GiB.
type VMSpec struct {
	Name       string            `json:"name"`
	OS         string            `json:"os"`
	Cores      int               `json:"cores"`
	MemoryMiB  int64             `json:"memory_mib"`
	DiskGiB    int64             `json:"disk_gib"`
	Network    string            `json:"network,omitempty"`
	Template   string            `json:"template,omitempty"`
	TargetHost string            `json:"target_host,omitempty"`
	LabID      string            `json:"lab_id,omitempty"`
	Production bool              `json:"production,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// VMInfo is the adapter-neutral view of a virtual machine. ID is the
// platform-local identifier and must not contain colons.
type VMInfo struct {
	ID     string
	Name   string
	State  string
	IP     string
	Host   string
	Config map[string]string
}

// HostInfo describes a hypervisor host or, for cloud platforms, the closest
// equivalent placement domain.
type HostInfo struct {
	ID                 string
	Name               string
	State              string
	CPUTotal           int
	CPUUsed            int
	MemoryTotalMiB     int64
	MemoryAvailableMiB int64
	DiskTotalGiB       int64
	DiskAvailableGiB   int64
}

// NetworkInfo describes a virtual network or bridge.
type NetworkInfo struct {
	ID   string
	Name string
	VLAN int
}

// Client is the single abstraction the control plane uses to talk to a
// platform. Implementations must be safe for concurrent use; connection
// pooling and rate-limit accounting are each adapter's responsibility.
//
// Deleting a VM that does not exist returns nil (idempotent delete).
type Client interface {
	TestConnection(ctx context.Context) error
	ListVMs(ctx context.Context) ([]VMInfo, error)
	GetVM(ctx context.Context, id string) (VMInfo, error)
	CreateVM(ctx context.Context, spec VMSpec) (VMInfo, error)
	StartVM(ctx context.Context, id string) error
	StopVM(ctx context.Context, id string) error
	DeleteVM(ctx context.Context, id string) error
	RenameVM(ctx context.Context, id, name string) error
	GetVMIP(ctx context.Context, id string) (string, error)
	ListHosts(ctx context.Context) ([]HostInfo, error)
	ListNetworks(ctx context.Context) ([]NetworkInfo, error)
}

// Factory constructs a Client for a named platform instance. The Overseer
// holds factories and instantiates clients lazily so that credential
// failures surface as AuthError at call time, not at startup.
type Factory func(ctx context.Context) (Client, error)
