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

package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPersistenceRoundTrip(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := Open(path)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(s.PutVM(&VM{
		ID:         "v114",
		Name:       "lab-alpha-gw",
		Platform:   "proxmox",
		Status:     VMRunning,
		IP:         "10.0.0.5",
		Specs:      VMSpecs{OS: "ubuntu", Cores: 2, MemoryMiB: 2048, DiskGiB: 32},
		Production: true,
	})).To(Succeed())
	g.Expect(s.PutHost(&Host{
		Platform:   "proxmox",
		Identifier: "pve1",
		Status:     HostUp,
		Resources:  HostResources{CPUAvailable: 8, MemoryAvailableMiB: 16384, DiskAvailableGiB: 500},
	})).To(Succeed())
	g.Expect(s.PutService(&Service{VMID: "v114", Name: "ssh", Port: 22})).To(Succeed())
	now := time.Now().UTC()
	g.Expect(s.PutRequest(&Request{
		ID:          "r1",
		Action:      "deploy_vm",
		User:        "u1",
		Status:      RequestApproved,
		SubmittedAt: now,
		ApprovedAt:  &now,
	})).To(Succeed())

	// A second Open must see everything, enums included, by string value.
	reloaded, err := Open(path)
	g.Expect(err).NotTo(HaveOccurred())

	vm, ok := reloaded.GetVM("v114")
	g.Expect(ok).To(BeTrue())
	g.Expect(vm.Status).To(Equal(VMRunning))
	g.Expect(vm.Production).To(BeTrue())

	host, ok := reloaded.GetHost("proxmox", "pve1")
	g.Expect(ok).To(BeTrue())
	g.Expect(host.Status).To(Equal(HostUp))

	g.Expect(reloaded.ListServices("v114")).To(HaveLen(1))

	req, ok := reloaded.GetRequest("r1")
	g.Expect(ok).To(BeTrue())
	g.Expect(req.Status).To(Equal(RequestApproved))
	g.Expect(req.ApprovedAt).NotTo(BeNil())

	// The document shape is the contract: four maps plus last_saved.
	raw, err := os.ReadFile(path)
	g.Expect(err).NotTo(HaveOccurred())
	var doc map[string]json.RawMessage
	g.Expect(json.Unmarshal(raw, &doc)).To(Succeed())
	g.Expect(doc).To(HaveKey("vms"))
	g.Expect(doc).To(HaveKey("hosts"))
	g.Expect(doc).To(HaveKey("services"))
	g.Expect(doc).To(HaveKey("requests"))
	g.Expect(doc).To(HaveKey("last_saved"))
}

func TestDeleteVMRemovesServices(t *testing.T) {
	g := NewWithT(t)
	s := tempStore(t)
	g.Expect(s.PutVM(&VM{ID: "v1", Status: VMRunning})).To(Succeed())
	g.Expect(s.PutService(&Service{VMID: "v1", Name: "http", Port: 80})).To(Succeed())
	g.Expect(s.PutService(&Service{VMID: "v2", Name: "ssh", Port: 22})).To(Succeed())

	g.Expect(s.DeleteVM("v1")).To(Succeed())
	g.Expect(s.ListServices("v1")).To(BeEmpty())
	g.Expect(s.ListServices("v2")).To(HaveLen(1))
}

func TestHasResources(t *testing.T) {
	g := NewWithT(t)
	s := tempStore(t)
	g.Expect(s.PutHost(&Host{
		Platform:   "proxmox",
		Identifier: "pve1",
		Status:     HostUp,
		Resources:  HostResources{CPUAvailable: 4, MemoryAvailableMiB: 8192, DiskAvailableGiB: 100},
	})).To(Succeed())
	g.Expect(s.PutHost(&Host{
		Platform:   "proxmox",
		Identifier: "pve2",
		Status:     HostUp,
		// No availability figures reported.
	})).To(Succeed())

	specs := VMSpecs{Cores: 2, MemoryMiB: 2048, DiskGiB: 32}
	g.Expect(s.HasResources("proxmox", "pve1", specs)).To(BeTrue())
	g.Expect(s.HasResources("proxmox", "pve1", VMSpecs{Cores: 8, MemoryMiB: 2048, DiskGiB: 32})).To(BeFalse())

	// Absent fields are insufficient, and so are unknown hosts.
	g.Expect(s.HasResources("proxmox", "pve2", specs)).To(BeFalse())
	g.Expect(s.HasResources("proxmox", "nope", specs)).To(BeFalse())
}

func TestUpdateRequest(t *testing.T) {
	g := NewWithT(t)
	s := tempStore(t)
	g.Expect(s.PutRequest(&Request{ID: "r1", Action: "start_vm", Status: RequestPending, SubmittedAt: time.Now().UTC()})).To(Succeed())

	ok, err := s.UpdateRequest("r1", func(r *Request) {
		r.Status = RequestCompleted
		r.Result = "started"
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeTrue())

	r, _ := s.GetRequest("r1")
	g.Expect(r.Status).To(Equal(RequestCompleted))

	ok, err = s.UpdateRequest("missing", func(r *Request) {})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeFalse())
}
