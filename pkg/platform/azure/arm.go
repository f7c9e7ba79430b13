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

package azure

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/glassdome/glassdome/pkg/platform"
)

// NewFactory returns a lazy constructor for the resource group.
func NewFactory(cfg Config, log logr.Logger) platform.Factory {
	return func(_ context.Context) (platform.Client, error) {
		if cfg.SubscriptionID == "" || cfg.ResourceGroup == "" || cfg.Location == "" {
			return nil, &platform.ValidationError{Reason: "azure subscription_id, resource_group, and location are required"}
		}
		cred, err := credentialFor(cfg)
		if err != nil {
			return nil, &platform.AuthError{Platform: "azure", Err: err}
		}
		vms, err := armcompute.NewVirtualMachinesClient(cfg.SubscriptionID, cred, nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build compute client")
		}
		nics, err := armnetwork.NewInterfacesClient(cfg.SubscriptionID, cred, nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build network interfaces client")
		}
		vnets, err := armnetwork.NewVirtualNetworksClient(cfg.SubscriptionID, cred, nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build virtual networks client")
		}
		return &Client{
			compute:  &armCompute{vms: vms, rg: cfg.ResourceGroup},
			network:  &armNetwork{nics: nics, vnets: vnets, rg: cfg.ResourceGroup},
			rg:       cfg.ResourceGroup,
			location: cfg.Location,
			subnetID: cfg.SubnetID,
			admin:    cfg.AdminUsername,
			password: cfg.AdminPassword,
			log:      log.WithName("azure"),
		}, nil
	}
}

func credentialFor(cfg Config) (azcore.TokenCredential, error) {
	if cfg.ClientID != "" {
		return azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	}
	return azidentity.NewDefaultAzureCredential(nil)
}

// armCompute resolves long-running compute operations to completion.
type armCompute struct {
	vms *armcompute.VirtualMachinesClient
	rg  string
}

func (a *armCompute) ListVMs(ctx context.Context) ([]*armcompute.VirtualMachine, error) {
	var out []*armcompute.VirtualMachine
	pager := a.vms.NewListPager(a.rg, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
	}
	return out, nil
}

func (a *armCompute) GetVM(ctx context.Context, name string, instanceView bool) (armcompute.VirtualMachine, error) {
	var opts *armcompute.VirtualMachinesClientGetOptions
	if instanceView {
		expand := armcompute.InstanceViewTypesInstanceView
		opts = &armcompute.VirtualMachinesClientGetOptions{Expand: &expand}
	}
	resp, err := a.vms.Get(ctx, a.rg, name, opts)
	if err != nil {
		return armcompute.VirtualMachine{}, err
	}
	return resp.VirtualMachine, nil
}

func (a *armCompute) CreateVM(ctx context.Context, name string, vm armcompute.VirtualMachine) (armcompute.VirtualMachine, error) {
	poller, err := a.vms.BeginCreateOrUpdate(ctx, a.rg, name, vm, nil)
	if err != nil {
		return armcompute.VirtualMachine{}, err
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return armcompute.VirtualMachine{}, err
	}
	return resp.VirtualMachine, nil
}

func (a *armCompute) StartVM(ctx context.Context, name string) error {
	poller, err := a.vms.BeginStart(ctx, a.rg, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (a *armCompute) DeallocateVM(ctx context.Context, name string) error {
	poller, err := a.vms.BeginDeallocate(ctx, a.rg, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (a *armCompute) DeleteVM(ctx context.Context, name string) error {
	poller, err := a.vms.BeginDelete(ctx, a.rg, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

type armNetwork struct {
	nics  *armnetwork.InterfacesClient
	vnets *armnetwork.VirtualNetworksClient
	rg    string
}

func (a *armNetwork) GetInterface(ctx context.Context, name string) (armnetwork.Interface, error) {
	resp, err := a.nics.Get(ctx, a.rg, name, nil)
	if err != nil {
		return armnetwork.Interface{}, err
	}
	return resp.Interface, nil
}

func (a *armNetwork) CreateInterface(ctx context.Context, name string, iface armnetwork.Interface) (armnetwork.Interface, error) {
	poller, err := a.nics.BeginCreateOrUpdate(ctx, a.rg, name, iface, nil)
	if err != nil {
		return armnetwork.Interface{}, err
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return armnetwork.Interface{}, err
	}
	return resp.Interface, nil
}

func (a *armNetwork) ListVirtualNetworks(ctx context.Context) ([]*armnetwork.VirtualNetwork, error) {
	var out []*armnetwork.VirtualNetwork
	pager := a.vnets.NewListPager(a.rg, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
	}
	return out, nil
}
