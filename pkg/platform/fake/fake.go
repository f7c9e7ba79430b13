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

// Package fake provides an in-memory PlatformClient for tests and local
// development. It records every mutating call so tests can assert on the
// exact platform traffic a component produced.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/glassdome/glassdome/pkg/platform"
)

// Client is an in-memory platform.Client. The zero value is not usable;
// call NewClient.
type Client struct {
	mu     sync.Mutex
	nextID int
	vms    map[string]platform.VMInfo
	hosts  []platform.HostInfo
	nets   []platform.NetworkInfo

	// Calls records mutating operations as "op:id" strings in order.
	Calls []string

	// Fail, when set, is returned by every operation. Used to simulate
	// outages and credential failures.
	Fail error
}

// NewClient returns an empty fake with one host and one network.
func NewClient() *Client {
	return &Client{
		nextID: 100,
		vms:    map[string]platform.VMInfo{},
		hosts: []platform.HostInfo{{
			ID:                 "host1",
			Name:               "host1",
			State:              "up",
			CPUTotal:           16,
			MemoryTotalMiB:     65536,
			MemoryAvailableMiB: 32768,
			DiskTotalGiB:       1000,
			DiskAvailableGiB:   500,
		}},
		nets: []platform.NetworkInfo{{ID: "net0", Name: "default"}},
	}
}

// Seed installs a VM directly, bypassing CreateVM.
func (c *Client) Seed(vm platform.VMInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vms[vm.ID] = vm
}

// SetState force-sets the recorded state of a VM.
func (c *Client) SetState(id, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vm, ok := c.vms[id]; ok {
		vm.State = state
		c.vms[id] = vm
	}
}

// Remove drops a VM as if it vanished out-of-band.
func (c *Client) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vms, id)
}

// CallsMatching returns recorded calls with the given prefix.
func (c *Client) CallsMatching(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, call := range c.Calls {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			out = append(out, call)
		}
	}
	return out
}

func (c *Client) TestConnection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Fail
}

func (c *Client) ListVMs(ctx context.Context) ([]platform.VMInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return nil, c.Fail
	}
	out := make([]platform.VMInfo, 0, len(c.vms))
	for _, vm := range c.vms {
		out = append(out, vm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Client) GetVM(ctx context.Context, id string) (platform.VMInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return platform.VMInfo{}, c.Fail
	}
	vm, ok := c.vms[id]
	if !ok {
		return platform.VMInfo{}, &platform.NotFoundError{Kind: "vm", ID: id}
	}
	return vm, nil
}

func (c *Client) CreateVM(ctx context.Context, spec platform.VMSpec) (platform.VMInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return platform.VMInfo{}, c.Fail
	}
	if spec.Cores <= 0 || spec.MemoryMiB <= 0 {
		return platform.VMInfo{}, &platform.ValidationError{Reason: "cores and memory_mib must be positive"}
	}
	c.nextID++
	vm := platform.VMInfo{
		ID:    fmt.Sprintf("%d", c.nextID),
		Name:  spec.Name,
		State: "stopped",
		Host:  "host1",
	}
	c.vms[vm.ID] = vm
	c.Calls = append(c.Calls, "create:"+vm.ID)
	return vm, nil
}

func (c *Client) StartVM(ctx context.Context, id string) error {
	return c.setState(id, "running", "start")
}

func (c *Client) StopVM(ctx context.Context, id string) error {
	return c.setState(id, "stopped", "stop")
}

func (c *Client) setState(id, state, op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return c.Fail
	}
	vm, ok := c.vms[id]
	if !ok {
		return &platform.NotFoundError{Kind: "vm", ID: id}
	}
	vm.State = state
	c.vms[id] = vm
	c.Calls = append(c.Calls, op+":"+id)
	return nil
}

func (c *Client) DeleteVM(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return c.Fail
	}
	// Idempotent delete: a missing VM is a success.
	delete(c.vms, id)
	c.Calls = append(c.Calls, "delete:"+id)
	return nil
}

func (c *Client) RenameVM(ctx context.Context, id, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return c.Fail
	}
	vm, ok := c.vms[id]
	if !ok {
		return &platform.NotFoundError{Kind: "vm", ID: id}
	}
	vm.Name = name
	c.vms[id] = vm
	c.Calls = append(c.Calls, "rename:"+id+":"+name)
	return nil
}

func (c *Client) GetVMIP(ctx context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return "", c.Fail
	}
	vm, ok := c.vms[id]
	if !ok {
		return "", &platform.NotFoundError{Kind: "vm", ID: id}
	}
	return vm.IP, nil
}

func (c *Client) ListHosts(ctx context.Context) ([]platform.HostInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return nil, c.Fail
	}
	return append([]platform.HostInfo(nil), c.hosts...), nil
}

func (c *Client) ListNetworks(ctx context.Context) ([]platform.NetworkInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return nil, c.Fail
	}
	return append([]platform.NetworkInfo(nil), c.nets...), nil
}
