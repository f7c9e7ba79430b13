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
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"

	"github.com/glassdome/glassdome/pkg/platform"
)

type fakeCompute struct {
	vms        map[string]armcompute.VirtualMachine
	createdVM  *armcompute.VirtualMachine
	started    []string
	stopped    []string
	deleted    []string
	listErr    error
	notFoundID string
}

func notFoundErr() error {
	return &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "ResourceNotFound"}
}

func (f *fakeCompute) ListVMs(context.Context) ([]*armcompute.VirtualMachine, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*armcompute.VirtualMachine
	for name := range f.vms {
		vm := f.vms[name]
		out = append(out, &vm)
	}
	return out, nil
}

func (f *fakeCompute) GetVM(_ context.Context, name string, _ bool) (armcompute.VirtualMachine, error) {
	vm, ok := f.vms[name]
	if !ok {
		return armcompute.VirtualMachine{}, notFoundErr()
	}
	return vm, nil
}

func (f *fakeCompute) CreateVM(_ context.Context, name string, vm armcompute.VirtualMachine) (armcompute.VirtualMachine, error) {
	vm.Name = to.Ptr(name)
	f.createdVM = &vm
	return vm, nil
}

func (f *fakeCompute) StartVM(_ context.Context, name string) error {
	if name == f.notFoundID {
		return notFoundErr()
	}
	f.started = append(f.started, name)
	return nil
}

func (f *fakeCompute) DeallocateVM(_ context.Context, name string) error {
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeCompute) DeleteVM(_ context.Context, name string) error {
	if _, ok := f.vms[name]; !ok {
		return notFoundErr()
	}
	f.deleted = append(f.deleted, name)
	return nil
}

type fakeNetwork struct {
	nics       map[string]armnetwork.Interface
	createdNIC *armnetwork.Interface
}

func (f *fakeNetwork) GetInterface(_ context.Context, name string) (armnetwork.Interface, error) {
	nic, ok := f.nics[name]
	if !ok {
		return armnetwork.Interface{}, notFoundErr()
	}
	return nic, nil
}

func (f *fakeNetwork) CreateInterface(_ context.Context, name string, iface armnetwork.Interface) (armnetwork.Interface, error) {
	iface.Name = to.Ptr(name)
	iface.ID = to.Ptr("/subscriptions/s/resourceGroups/rg/providers/Microsoft.Network/networkInterfaces/" + name)
	f.createdNIC = &iface
	if f.nics == nil {
		f.nics = map[string]armnetwork.Interface{}
	}
	f.nics[name] = iface
	return iface, nil
}

func (f *fakeNetwork) ListVirtualNetworks(context.Context) ([]*armnetwork.VirtualNetwork, error) {
	return []*armnetwork.VirtualNetwork{{
		Name: to.Ptr("lab-vnet"),
		Properties: &armnetwork.VirtualNetworkPropertiesFormat{
			Subnets: []*armnetwork.Subnet{{
				ID:   to.Ptr("/subscriptions/s/.../subnets/lab-subnet"),
				Name: to.Ptr("lab-subnet"),
			}},
		},
	}}, nil
}

func testVM(name, power, nicID string) armcompute.VirtualMachine {
	return armcompute.VirtualMachine{
		Name: to.Ptr(name),
		Properties: &armcompute.VirtualMachineProperties{
			InstanceView: &armcompute.VirtualMachineInstanceView{
				Statuses: []*armcompute.InstanceViewStatus{
					{Code: to.Ptr("ProvisioningState/succeeded")},
					{Code: to.Ptr("PowerState/" + power)},
				},
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{ID: to.Ptr(nicID)}},
			},
		},
	}
}

func testNIC(ip string) armnetwork.Interface {
	return armnetwork.Interface{
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: []*armnetwork.InterfaceIPConfiguration{{
				Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
					PrivateIPAddress: to.Ptr(ip),
				},
			}},
		},
	}
}

func newFakeClient(fc *fakeCompute, fn *fakeNetwork) *Client {
	return &Client{
		compute:  fc,
		network:  fn,
		rg:       "glassdome-rg",
		location: "eastus",
		subnetID: "/subscriptions/s/.../subnets/lab-subnet",
		admin:    "glassdome",
		password: "pw",
		log:      logr.Discard(),
	}
}

func TestGetVMStateAndIP(t *testing.T) {
	g := NewWithT(t)
	nicID := "/subscriptions/s/.../networkInterfaces/web-nic"
	fc := &fakeCompute{vms: map[string]armcompute.VirtualMachine{
		"lab-alpha-web": testVM("lab-alpha-web", "running", nicID),
	}}
	fn := &fakeNetwork{nics: map[string]armnetwork.Interface{"web-nic": testNIC("10.1.0.4")}}
	c := newFakeClient(fc, fn)

	info, err := c.GetVM(context.Background(), "lab-alpha-web")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(info.State).To(Equal("running"))
	g.Expect(info.IP).To(Equal("10.1.0.4"))
	g.Expect(info.Host).To(Equal("eastus"))

	_, err = c.GetVM(context.Background(), "ghost")
	g.Expect(platform.IsNotFound(err)).To(BeTrue())

	ip, err := c.GetVMIP(context.Background(), "lab-alpha-web")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ip).To(Equal("10.1.0.4"))
}

func TestCreateVMBuildsNICAndShape(t *testing.T) {
	g := NewWithT(t)
	fc := &fakeCompute{vms: map[string]armcompute.VirtualMachine{}}
	fn := &fakeNetwork{}
	c := newFakeClient(fc, fn)

	_, err := c.CreateVM(context.Background(), platform.VMSpec{
		Name:      "lab-alpha-web",
		Cores:     2,
		MemoryMiB: 4096,
		Template:  "Canonical:ubuntu-24_04-lts:server:latest",
		LabID:     "alpha",
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(fn.createdNIC).NotTo(BeNil())
	g.Expect(*fc.createdVM.Properties.HardwareProfile.VMSize).To(Equal(armcompute.VirtualMachineSizeTypes("Standard_B2s")))
	g.Expect(*fc.createdVM.Properties.StorageProfile.ImageReference.Publisher).To(Equal("Canonical"))
	g.Expect(*fc.createdVM.Tags["glassdome:lab"]).To(Equal("alpha"))

	_, err = c.CreateVM(context.Background(), platform.VMSpec{Name: "x", Cores: 1, MemoryMiB: 512})
	g.Expect(platform.IsValidation(err)).To(BeTrue(), "image reference is required")
}

func TestImageReferenceParsing(t *testing.T) {
	g := NewWithT(t)
	ref := imageReference("Canonical:ubuntu:server:latest")
	g.Expect(*ref.Publisher).To(Equal("Canonical"))
	g.Expect(*ref.Version).To(Equal("latest"))

	ref = imageReference("/subscriptions/s/images/custom")
	g.Expect(ref.ID).NotTo(BeNil())
	g.Expect(ref.Publisher).To(BeNil())
}

func TestLifecycleOps(t *testing.T) {
	g := NewWithT(t)
	fc := &fakeCompute{
		vms:        map[string]armcompute.VirtualMachine{"lab-alpha-web": testVM("lab-alpha-web", "deallocated", "")},
		notFoundID: "ghost",
	}
	c := newFakeClient(fc, &fakeNetwork{})
	ctx := context.Background()

	g.Expect(c.StartVM(ctx, "lab-alpha-web")).To(Succeed())
	g.Expect(platform.IsNotFound(c.StartVM(ctx, "ghost"))).To(BeTrue())
	g.Expect(c.StopVM(ctx, "lab-alpha-web")).To(Succeed())

	g.Expect(c.DeleteVM(ctx, "lab-alpha-web")).To(Succeed())
	g.Expect(c.DeleteVM(ctx, "ghost")).To(Succeed(), "deleting a missing vm is a success")

	g.Expect(platform.IsValidation(c.RenameVM(ctx, "lab-alpha-web", "new"))).To(BeTrue())
}

func TestErrorTaxonomy(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()

	fc := &fakeCompute{listErr: &azcore.ResponseError{StatusCode: http.StatusForbidden, ErrorCode: "AuthorizationFailed"}}
	c := newFakeClient(fc, &fakeNetwork{})
	_, err := c.ListVMs(ctx)
	g.Expect(platform.IsAuth(err)).To(BeTrue())

	fc.listErr = &azcore.ResponseError{StatusCode: http.StatusTooManyRequests, ErrorCode: "TooManyRequests"}
	_, err = c.ListVMs(ctx)
	g.Expect(platform.IsTransient(err)).To(BeTrue())
}

func TestListNetworksFlattensSubnets(t *testing.T) {
	g := NewWithT(t)
	c := newFakeClient(&fakeCompute{}, &fakeNetwork{})

	nets, err := c.ListNetworks(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(nets).To(HaveLen(1))
	g.Expect(nets[0].Name).To(Equal("lab-vnet/lab-subnet"))
}
