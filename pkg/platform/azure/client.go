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

// Package azure adapts Azure virtual machines in one resource group to the
// uniform platform client contract.
package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/glassdome/glassdome/pkg/platform"
)

// Config names one subscription/resource-group pairing. Empty client
// credentials fall back to the SDK's default chain.
type Config struct {
	SubscriptionID string `json:"subscription_id" yaml:"subscription_id"`
	TenantID       string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	ClientID       string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret   string `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	ResourceGroup  string `json:"resource_group" yaml:"resource_group"`
	Location       string `json:"location" yaml:"location"`
	SubnetID       string `json:"subnet_id,omitempty" yaml:"subnet_id,omitempty"`
	AdminUsername  string `json:"admin_username,omitempty" yaml:"admin_username,omitempty"`
	AdminPassword  string `json:"admin_password,omitempty" yaml:"admin_password,omitempty"`
}

// computeAPI is the slice of the ARM compute surface the client consumes.
// Long-running SDK operations are resolved to completion behind it, which
// keeps the adapter testable without poller machinery.
type computeAPI interface {
	ListVMs(ctx context.Context) ([]*armcompute.VirtualMachine, error)
	GetVM(ctx context.Context, name string, instanceView bool) (armcompute.VirtualMachine, error)
	CreateVM(ctx context.Context, name string, vm armcompute.VirtualMachine) (armcompute.VirtualMachine, error)
	StartVM(ctx context.Context, name string) error
	DeallocateVM(ctx context.Context, name string) error
	DeleteVM(ctx context.Context, name string) error
}

// networkAPI is the slice of the ARM network surface the client consumes.
type networkAPI interface {
	GetInterface(ctx context.Context, name string) (armnetwork.Interface, error)
	CreateInterface(ctx context.Context, name string, iface armnetwork.Interface) (armnetwork.Interface, error)
	ListVirtualNetworks(ctx context.Context) ([]*armnetwork.VirtualNetwork, error)
}

// Client implements platform.Client against one resource group. VM ids are
// resource names within the group.
type Client struct {
	compute  computeAPI
	network  networkAPI
	rg       string
	location string
	subnetID string
	admin    string
	password string
	log      logr.Logger
}

// TestConnection lists the group once to prove the credential works.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.compute.ListVMs(ctx)
	return mapError("test connection", "", err)
}

// ListVMs returns every VM in the resource group with its live power state.
func (c *Client) ListVMs(ctx context.Context) ([]platform.VMInfo, error) {
	vms, err := c.compute.ListVMs(ctx)
	if err != nil {
		return nil, mapError("list vms", "", err)
	}
	out := make([]platform.VMInfo, 0, len(vms))
	for _, vm := range vms {
		name := deref(vm.Name)
		// The list call carries no instance view; fetch per VM. Group
		// sizes in lab deployments keep this cheap.
		full, err := c.compute.GetVM(ctx, name, true)
		if err != nil {
			return nil, mapError("list vms", name, err)
		}
		out = append(out, c.toVMInfo(ctx, &full))
	}
	return out, nil
}

// GetVM returns one VM with its live power state.
func (c *Client) GetVM(ctx context.Context, id string) (platform.VMInfo, error) {
	vm, err := c.compute.GetVM(ctx, id, true)
	if err != nil {
		return platform.VMInfo{}, mapError("get vm", id, err)
	}
	return c.toVMInfo(ctx, &vm), nil
}

// CreateVM provisions a NIC on the configured subnet and a VM from the image
// named by spec.Template ("publisher:offer:sku:version" or a resource id).
func (c *Client) CreateVM(ctx context.Context, spec platform.VMSpec) (platform.VMInfo, error) {
	if spec.Name == "" {
		return platform.VMInfo{}, &platform.ValidationError{Reason: "vm name is required"}
	}
	if spec.Cores <= 0 || spec.MemoryMiB <= 0 {
		return platform.VMInfo{}, &platform.ValidationError{Reason: "cores and memory must be positive"}
	}
	if spec.Template == "" {
		return platform.VMInfo{}, &platform.ValidationError{Reason: "azure requires an image reference as template"}
	}
	subnet := c.subnetID
	if spec.Network != "" {
		subnet = spec.Network
	}
	if subnet == "" {
		return platform.VMInfo{}, &platform.ValidationError{Reason: "azure requires a subnet id"}
	}

	nicName := spec.Name + "-nic"
	nic, err := c.network.CreateInterface(ctx, nicName, armnetwork.Interface{
		Location: to.Ptr(c.location),
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: []*armnetwork.InterfaceIPConfiguration{{
				Name: to.Ptr("primary"),
				Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
					PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodDynamic),
					Subnet:                    &armnetwork.Subnet{ID: to.Ptr(subnet)},
				},
			}},
		},
	})
	if err != nil {
		return platform.VMInfo{}, mapError("create nic", nicName, err)
	}

	vm := armcompute.VirtualMachine{
		Location: to.Ptr(c.location),
		Tags:     map[string]*string{"glassdome:lab": to.Ptr(spec.LabID)},
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(pickVMSize(spec.Cores, spec.MemoryMiB))),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: imageReference(spec.Template),
			},
			OSProfile: &armcompute.OSProfile{
				ComputerName:  to.Ptr(spec.Name),
				AdminUsername: to.Ptr(c.admin),
				AdminPassword: to.Ptr(c.password),
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{
					ID: nic.ID,
					Properties: &armcompute.NetworkInterfaceReferenceProperties{
						Primary: to.Ptr(true),
					},
				}},
			},
		},
	}
	created, err := c.compute.CreateVM(ctx, spec.Name, vm)
	if err != nil {
		return platform.VMInfo{}, mapError("create vm", spec.Name, err)
	}
	return c.toVMInfo(ctx, &created), nil
}

// StartVM starts a deallocated VM.
func (c *Client) StartVM(ctx context.Context, id string) error {
	return mapError("start vm", id, c.compute.StartVM(ctx, id))
}

// StopVM deallocates the VM so it stops accruing compute charges.
func (c *Client) StopVM(ctx context.Context, id string) error {
	return mapError("stop vm", id, c.compute.DeallocateVM(ctx, id))
}

// DeleteVM deletes the VM. A missing VM is a success.
func (c *Client) DeleteVM(ctx context.Context, id string) error {
	err := mapError("delete vm", id, c.compute.DeleteVM(ctx, id))
	if platform.IsNotFound(err) {
		return nil
	}
	return err
}

// RenameVM always fails: ARM resource names are immutable.
func (c *Client) RenameVM(_ context.Context, _, _ string) error {
	return &platform.ValidationError{Reason: "azure virtual machines cannot be renamed"}
}

// GetVMIP resolves the primary NIC's private address.
func (c *Client) GetVMIP(ctx context.Context, id string) (string, error) {
	vm, err := c.compute.GetVM(ctx, id, false)
	if err != nil {
		return "", mapError("get vm ip", id, err)
	}
	ip := c.privateIP(ctx, &vm)
	if ip == "" {
		return "", &platform.TransientError{Op: "get vm ip", Err: errors.Errorf("vm %s has no address yet", id)}
	}
	return ip, nil
}

// ListHosts models the location as a single placement domain. ARM exposes no
// host capacity, so the resource gate skips capacity checks for Azure.
func (c *Client) ListHosts(_ context.Context) ([]platform.HostInfo, error) {
	return []platform.HostInfo{{
		ID:    c.location,
		Name:  c.location,
		State: "available",
	}}, nil
}

// ListNetworks flattens the group's virtual networks into their subnets.
func (c *Client) ListNetworks(ctx context.Context) ([]platform.NetworkInfo, error) {
	vnets, err := c.network.ListVirtualNetworks(ctx)
	if err != nil {
		return nil, mapError("list networks", "", err)
	}
	var out []platform.NetworkInfo
	for _, vnet := range vnets {
		if vnet.Properties == nil {
			continue
		}
		for _, subnet := range vnet.Properties.Subnets {
			out = append(out, platform.NetworkInfo{
				ID:   deref(subnet.ID),
				Name: deref(vnet.Name) + "/" + deref(subnet.Name),
			})
		}
	}
	return out, nil
}

func (c *Client) toVMInfo(ctx context.Context, vm *armcompute.VirtualMachine) platform.VMInfo {
	info := platform.VMInfo{
		ID:    deref(vm.Name),
		Name:  deref(vm.Name),
		State: powerState(vm),
		Host:  c.location,
	}
	if ip := c.privateIP(ctx, vm); ip != "" {
		info.IP = ip
	}
	return info
}

// privateIP chases the primary NIC reference. Errors degrade to an empty
// address; the monitor loop fills it in on a later poll.
func (c *Client) privateIP(ctx context.Context, vm *armcompute.VirtualMachine) string {
	if vm.Properties == nil || vm.Properties.NetworkProfile == nil {
		return ""
	}
	for _, ref := range vm.Properties.NetworkProfile.NetworkInterfaces {
		name := lastSegment(deref(ref.ID))
		if name == "" {
			continue
		}
		nic, err := c.network.GetInterface(ctx, name)
		if err != nil {
			c.log.V(4).Info("failed to resolve nic", "nic", name, "err", err.Error())
			continue
		}
		if nic.Properties == nil {
			continue
		}
		for _, ipcfg := range nic.Properties.IPConfigurations {
			if ipcfg.Properties != nil && ipcfg.Properties.PrivateIPAddress != nil {
				return *ipcfg.Properties.PrivateIPAddress
			}
		}
	}
	return ""
}

// powerState extracts "running"/"deallocated"/... from the instance view's
// PowerState status code.
func powerState(vm *armcompute.VirtualMachine) string {
	if vm.Properties == nil || vm.Properties.InstanceView == nil {
		return "unknown"
	}
	for _, status := range vm.Properties.InstanceView.Statuses {
		code := deref(status.Code)
		if strings.HasPrefix(code, "PowerState/") {
			return strings.TrimPrefix(code, "PowerState/")
		}
	}
	return "unknown"
}

// vmSizes is ordered smallest-first; CreateVM picks the first that satisfies
// the requested cores and memory.
var vmSizes = []struct {
	name      string
	cores     int
	memoryMiB int64
}{
	{"Standard_B1s", 1, 1024},
	{"Standard_B2s", 2, 4096},
	{"Standard_B2ms", 2, 8192},
	{"Standard_D4s_v5", 4, 16384},
	{"Standard_D8s_v5", 8, 32768},
	{"Standard_D16s_v5", 16, 65536},
}

func pickVMSize(cores int, memoryMiB int64) string {
	for _, s := range vmSizes {
		if s.cores >= cores && s.memoryMiB >= memoryMiB {
			return s.name
		}
	}
	return vmSizes[len(vmSizes)-1].name
}

// imageReference parses "publisher:offer:sku:version" into an URN-style
// reference; anything else is treated as an image resource id.
func imageReference(template string) *armcompute.ImageReference {
	parts := strings.Split(template, ":")
	if len(parts) == 4 {
		return &armcompute.ImageReference{
			Publisher: to.Ptr(parts[0]),
			Offer:     to.Ptr(parts[1]),
			SKU:       to.Ptr(parts[2]),
			Version:   to.Ptr(parts[3]),
		}
	}
	return &armcompute.ImageReference{ID: to.Ptr(template)}
}

func lastSegment(id string) string {
	if id == "" {
		return ""
	}
	parts := strings.Split(id, "/")
	return parts[len(parts)-1]
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// mapError classifies ARM response errors into the platform taxonomy.
func mapError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		switch {
		case re.StatusCode == 401 || re.StatusCode == 403:
			return &platform.AuthError{Platform: "azure", Err: err}
		case re.StatusCode == 404:
			return &platform.NotFoundError{Kind: "vm", ID: id}
		case re.StatusCode == 429 || re.StatusCode >= 500:
			return &platform.TransientError{Op: op, Err: err}
		}
		return errors.Wrapf(err, "%s failed with %s", op, re.ErrorCode)
	}
	return &platform.TransientError{Op: op, Err: err}
}

// String gives sessions a stable identity in logs.
func (c *Client) String() string {
	return fmt.Sprintf("azure/%s/%s", c.location, c.rg)
}
