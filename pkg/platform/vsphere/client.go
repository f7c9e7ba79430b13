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

package vsphere

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/glassdome/glassdome/pkg/platform"
)

// Config names one vCenter or ESXi endpoint. An empty Thumbprint disables
// certificate verification.
type Config struct {
	Server     string `json:"server" yaml:"server"`
	Username   string `json:"username" yaml:"username"`
	Password   string `json:"password" yaml:"password"`
	Datacenter string `json:"datacenter" yaml:"datacenter"`
	Thumbprint string `json:"thumbprint,omitempty" yaml:"thumbprint,omitempty"`
}

// Client implements platform.Client against one vSphere endpoint. VM ids are
// managed object reference values ("vm-123").
type Client struct {
	session *Session
	log     logr.Logger
}

// NewFactory returns a lazy constructor for the endpoint. Sessions are cached
// per server/user/datacenter, so repeated factory calls are cheap.
func NewFactory(cfg Config, log logr.Logger) platform.Factory {
	return func(ctx context.Context) (platform.Client, error) {
		params := NewParams().
			WithServer(cfg.Server).
			WithUserInfo(cfg.Username, cfg.Password).
			WithDatacenter(cfg.Datacenter).
			WithThumbprint(cfg.Thumbprint)
		s, err := GetOrCreate(ctx, log, params)
		if err != nil {
			return nil, err
		}
		return &Client{session: s, log: log.WithName("vsphere")}, nil
	}
}

// TestConnection verifies the session is authenticated.
func (c *Client) TestConnection(ctx context.Context) error {
	us, err := c.session.SessionManager.UserSession(ctx)
	if err != nil {
		return &platform.TransientError{Op: "test connection", Err: err}
	}
	if us == nil {
		return &platform.AuthError{Platform: "vsphere", Err: errors.New("no active user session")}
	}
	return nil
}

// ListVMs returns every non-template VM in the datacenter.
func (c *Client) ListVMs(ctx context.Context) ([]platform.VMInfo, error) {
	vms, err := c.retrieveVMs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]platform.VMInfo, 0, len(vms))
	for i := range vms {
		if vms[i].Summary.Config.Template {
			continue
		}
		out = append(out, toVMInfo(&vms[i]))
	}
	return out, nil
}

// GetVM looks a VM up by managed object reference value.
func (c *Client) GetVM(ctx context.Context, id string) (platform.VMInfo, error) {
	vm, err := c.findVM(ctx, id)
	if err != nil {
		return platform.VMInfo{}, err
	}
	return toVMInfo(vm), nil
}

// CreateVM clones the named template. The clone is left powered off;
// starting is a separate operation.
func (c *Client) CreateVM(ctx context.Context, spec platform.VMSpec) (platform.VMInfo, error) {
	if spec.Name == "" {
		return platform.VMInfo{}, &platform.ValidationError{Reason: "vm name is required"}
	}
	if spec.Cores <= 0 || spec.MemoryMiB <= 0 {
		return platform.VMInfo{}, &platform.ValidationError{Reason: "cores and memory must be positive"}
	}
	if spec.Template == "" {
		return platform.VMInfo{}, &platform.ValidationError{Reason: "vsphere requires a template to clone"}
	}

	tpl, err := c.session.Finder.VirtualMachine(ctx, spec.Template)
	if err != nil {
		if isFinderNotFound(err) {
			return platform.VMInfo{}, &platform.NotFoundError{Kind: "template", ID: spec.Template}
		}
		return platform.VMInfo{}, &platform.TransientError{Op: "find template", Err: err}
	}

	folder, err := c.session.Finder.DefaultFolder(ctx)
	if err != nil {
		return platform.VMInfo{}, &platform.TransientError{Op: "find folder", Err: err}
	}
	pool, err := c.session.Finder.ResourcePoolOrDefault(ctx, "")
	if err != nil {
		return platform.VMInfo{}, &platform.TransientError{Op: "find resource pool", Err: err}
	}
	poolRef := pool.Reference()

	cloneSpec := types.VirtualMachineCloneSpec{
		Location: types.VirtualMachineRelocateSpec{Pool: &poolRef},
		Config: &types.VirtualMachineConfigSpec{
			NumCPUs:  int32(spec.Cores),
			MemoryMB: spec.MemoryMiB,
		},
	}
	task, err := tpl.Clone(ctx, folder, spec.Name, cloneSpec)
	if err != nil {
		return platform.VMInfo{}, &platform.TransientError{Op: "clone vm", Err: err}
	}
	info, err := task.WaitForResult(ctx, nil)
	if err != nil {
		return platform.VMInfo{}, &platform.TransientError{Op: "clone vm", Err: err}
	}
	ref, ok := info.Result.(types.ManagedObjectReference)
	if !ok {
		return platform.VMInfo{}, errors.Errorf("unexpected clone result %T", info.Result)
	}
	return c.GetVM(ctx, ref.Value)
}

// StartVM powers the VM on and waits for the task.
func (c *Client) StartVM(ctx context.Context, id string) error {
	vm, err := c.objectVM(ctx, id)
	if err != nil {
		return err
	}
	task, err := vm.PowerOn(ctx)
	if err != nil {
		return &platform.TransientError{Op: "power on", Err: err}
	}
	if err := task.Wait(ctx); err != nil {
		return &platform.TransientError{Op: "power on", Err: err}
	}
	return nil
}

// StopVM powers the VM off. Stopping an already-off VM is not an error.
func (c *Client) StopVM(ctx context.Context, id string) error {
	vm, err := c.objectVM(ctx, id)
	if err != nil {
		return err
	}
	state, err := vm.PowerState(ctx)
	if err != nil {
		return &platform.TransientError{Op: "power state", Err: err}
	}
	if state == types.VirtualMachinePowerStatePoweredOff {
		return nil
	}
	task, err := vm.PowerOff(ctx)
	if err != nil {
		return &platform.TransientError{Op: "power off", Err: err}
	}
	if err := task.Wait(ctx); err != nil {
		return &platform.TransientError{Op: "power off", Err: err}
	}
	return nil
}

// DeleteVM powers off and destroys the VM. A missing VM is a success.
func (c *Client) DeleteVM(ctx context.Context, id string) error {
	vm, err := c.objectVM(ctx, id)
	if err != nil {
		if platform.IsNotFound(err) {
			return nil
		}
		return err
	}
	// Destroy fails on a running VM; force the power state first and ignore
	// the error for VMs that are already off.
	if task, err := vm.PowerOff(ctx); err == nil {
		_ = task.Wait(ctx)
	}
	task, err := vm.Destroy(ctx)
	if err != nil {
		return &platform.TransientError{Op: "destroy vm", Err: err}
	}
	if err := task.Wait(ctx); err != nil {
		return &platform.TransientError{Op: "destroy vm", Err: err}
	}
	return nil
}

// RenameVM renames the VM in the inventory.
func (c *Client) RenameVM(ctx context.Context, id, name string) error {
	if name == "" {
		return &platform.ValidationError{Reason: "vm name is required"}
	}
	vm, err := c.objectVM(ctx, id)
	if err != nil {
		return err
	}
	task, err := vm.Rename(ctx, name)
	if err != nil {
		return &platform.TransientError{Op: "rename vm", Err: err}
	}
	if err := task.Wait(ctx); err != nil {
		return &platform.TransientError{Op: "rename vm", Err: err}
	}
	return nil
}

// GetVMIP returns the guest-reported primary IP. An empty address means the
// guest has not reported yet; the caller retries on its own cadence.
func (c *Client) GetVMIP(ctx context.Context, id string) (string, error) {
	vm, err := c.findVM(ctx, id)
	if err != nil {
		return "", err
	}
	ip := vm.Summary.Guest.IpAddress
	if ip == "" {
		return "", &platform.TransientError{Op: "get vm ip", Err: errors.Errorf("vm %s has not reported an address", id)}
	}
	return ip, nil
}

// ListHosts returns per-host compute capacity. Disk capacity comes from the
// datastores visible in the datacenter since storage is typically shared.
func (c *Client) ListHosts(ctx context.Context) ([]platform.HostInfo, error) {
	hostObjs, err := c.session.Finder.HostSystemList(ctx, "*")
	if err != nil {
		if isFinderNotFound(err) {
			return nil, nil
		}
		return nil, &platform.TransientError{Op: "list hosts", Err: err}
	}
	refs := make([]types.ManagedObjectReference, 0, len(hostObjs))
	for _, h := range hostObjs {
		refs = append(refs, h.Reference())
	}
	var hosts []mo.HostSystem
	pc := property.DefaultCollector(c.session.Client.Client)
	if err := pc.Retrieve(ctx, refs, []string{"summary"}, &hosts); err != nil {
		return nil, &platform.TransientError{Op: "list hosts", Err: err}
	}

	diskTotal, diskFree, err := c.datastoreCapacity(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]platform.HostInfo, 0, len(hosts))
	for i := range hosts {
		s := hosts[i].Summary
		total := int(s.Hardware.NumCpuCores)
		used := 0
		if s.Hardware.CpuMhz > 0 {
			used = int(s.QuickStats.OverallCpuUsage) / int(s.Hardware.CpuMhz)
		}
		memTotal := s.Hardware.MemorySize / (1 << 20)
		out = append(out, platform.HostInfo{
			ID:                 hosts[i].Reference().Value,
			Name:               s.Config.Name,
			State:              string(s.Runtime.ConnectionState),
			CPUTotal:           total,
			CPUUsed:            used,
			MemoryTotalMiB:     memTotal,
			MemoryAvailableMiB: memTotal - int64(s.QuickStats.OverallMemoryUsage),
			DiskTotalGiB:       diskTotal,
			DiskAvailableGiB:   diskFree,
		})
	}
	return out, nil
}

// ListNetworks returns every network and portgroup in the datacenter.
func (c *Client) ListNetworks(ctx context.Context) ([]platform.NetworkInfo, error) {
	nets, err := c.session.Finder.NetworkList(ctx, "*")
	if err != nil {
		if isFinderNotFound(err) {
			return nil, nil
		}
		return nil, &platform.TransientError{Op: "list networks", Err: err}
	}
	out := make([]platform.NetworkInfo, 0, len(nets))
	for _, n := range nets {
		info := platform.NetworkInfo{ID: n.Reference().Value}
		if named, ok := n.(interface{ Name() string }); ok {
			info.Name = named.Name()
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *Client) datastoreCapacity(ctx context.Context) (totalGiB, freeGiB int64, err error) {
	dsObjs, err := c.session.Finder.DatastoreList(ctx, "*")
	if err != nil {
		if isFinderNotFound(err) {
			return 0, 0, nil
		}
		return 0, 0, &platform.TransientError{Op: "list datastores", Err: err}
	}
	refs := make([]types.ManagedObjectReference, 0, len(dsObjs))
	for _, ds := range dsObjs {
		refs = append(refs, ds.Reference())
	}
	var stores []mo.Datastore
	pc := property.DefaultCollector(c.session.Client.Client)
	if err := pc.Retrieve(ctx, refs, []string{"summary"}, &stores); err != nil {
		return 0, 0, &platform.TransientError{Op: "list datastores", Err: err}
	}
	for i := range stores {
		totalGiB += stores[i].Summary.Capacity / (1 << 30)
		freeGiB += stores[i].Summary.FreeSpace / (1 << 30)
	}
	return totalGiB, freeGiB, nil
}

// retrieveVMs fetches summaries for every VM in the datacenter.
func (c *Client) retrieveVMs(ctx context.Context) ([]mo.VirtualMachine, error) {
	vmObjs, err := c.session.Finder.VirtualMachineList(ctx, "*")
	if err != nil {
		if isFinderNotFound(err) {
			return nil, nil
		}
		return nil, &platform.TransientError{Op: "list vms", Err: err}
	}
	refs := make([]types.ManagedObjectReference, 0, len(vmObjs))
	for _, vm := range vmObjs {
		refs = append(refs, vm.Reference())
	}
	var vms []mo.VirtualMachine
	pc := property.DefaultCollector(c.session.Client.Client)
	if err := pc.Retrieve(ctx, refs, []string{"summary", "runtime.host"}, &vms); err != nil {
		return nil, &platform.TransientError{Op: "list vms", Err: err}
	}
	return vms, nil
}

// findVM resolves a moref value to its retrieved properties. Inventory size
// in a lab deployment is small enough that a list-and-match is fine.
func (c *Client) findVM(ctx context.Context, id string) (*mo.VirtualMachine, error) {
	vms, err := c.retrieveVMs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range vms {
		if vms[i].Reference().Value == id {
			return &vms[i], nil
		}
	}
	return nil, &platform.NotFoundError{Kind: "vm", ID: id}
}

// objectVM returns an operation handle for a moref value, verifying the VM
// exists first so callers get a typed NotFoundError instead of a SOAP fault.
func (c *Client) objectVM(ctx context.Context, id string) (*object.VirtualMachine, error) {
	vm, err := c.findVM(ctx, id)
	if err != nil {
		return nil, err
	}
	return object.NewVirtualMachine(c.session.Client.Client, vm.Reference()), nil
}

func toVMInfo(vm *mo.VirtualMachine) platform.VMInfo {
	info := platform.VMInfo{
		ID:    vm.Reference().Value,
		Name:  vm.Summary.Config.Name,
		State: string(vm.Summary.Runtime.PowerState),
		IP:    vm.Summary.Guest.IpAddress,
		Config: map[string]string{
			"guest_os": vm.Summary.Config.GuestFullName,
		},
	}
	if vm.Runtime.Host != nil {
		info.Host = vm.Runtime.Host.Value
	}
	return info
}

func isFinderNotFound(err error) bool {
	var nfe *find.NotFoundError
	return errors.As(err, &nfe)
}
