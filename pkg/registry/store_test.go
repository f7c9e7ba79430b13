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

import (
	"encoding/json"
	"fmt"
	"testing"

	. "github.com/onsi/gomega"
)

func labVM(id, lab string, state ResourceState) *Resource {
	return &Resource{
		ID:   fmt.Sprintf("proxmox:lab_vm:%s", id),
		Type: TypeLabVM,
		Name: fmt.Sprintf("lab-%s-%s", lab, id),
		Platform: PlatformIdentity{
			Platform: "proxmox",
			LocalID:  id,
		},
		State: state,
		LabID: lab,
		Tier:  1,
	}
}

func TestRegisterEvents(t *testing.T) {
	t.Run("first registration emits Created", func(t *testing.T) {
		g := NewWithT(t)
		s := NewStore()
		ch, cancel := s.SubscribeEvents("")
		defer cancel()

		s.Register(labVM("101", "alpha", StateRunning))

		ev := <-ch
		g.Expect(ev.Kind).To(Equal(EventCreated))
		g.Expect(ev.NewState).To(Equal(StateRunning))
	})

	t.Run("state change emits StateChanged with old state", func(t *testing.T) {
		g := NewWithT(t)
		s := NewStore()
		s.Register(labVM("101", "alpha", StateRunning))

		ch, cancel := s.SubscribeEvents("")
		defer cancel()
		s.Register(labVM("101", "alpha", StateStopped))

		ev := <-ch
		g.Expect(ev.Kind).To(Equal(EventStateChanged))
		g.Expect(ev.OldState).To(Equal(StateRunning))
		g.Expect(ev.NewState).To(Equal(StateStopped))
	})

	t.Run("identical re-registration emits Updated, never StateChanged", func(t *testing.T) {
		g := NewWithT(t)
		s := NewStore()
		s.Register(labVM("101", "alpha", StateRunning))

		ch, cancel := s.SubscribeEvents("")
		defer cancel()
		s.Register(labVM("101", "alpha", StateRunning))

		ev := <-ch
		g.Expect(ev.Kind).To(Equal(EventUpdated))
	})

	t.Run("per-lab subscription filters other labs", func(t *testing.T) {
		g := NewWithT(t)
		s := NewStore()
		ch, cancel := s.SubscribeEvents("beta")
		defer cancel()

		s.Register(labVM("101", "alpha", StateRunning))
		s.Register(labVM("201", "beta", StateRunning))

		ev := <-ch
		g.Expect(ev.LabID).To(Equal("beta"))
		g.Expect(ch).NotTo(Receive())
	})
}

func TestIndexes(t *testing.T) {
	g := NewWithT(t)
	s := NewStore()
	s.Register(labVM("101", "alpha", StateRunning))
	s.Register(labVM("102", "alpha", StateStopped))
	s.Register(labVM("201", "beta", StateRunning))

	byType := s.ListByType(TypeLabVM)
	g.Expect(byType).To(HaveLen(3))

	byLab := s.ListByLab("alpha")
	g.Expect(byLab).To(HaveLen(2))
	for _, r := range byLab {
		g.Expect(r.LabID).To(Equal("alpha"))
	}

	byPlatform := s.ListByPlatform("proxmox", "")
	g.Expect(byPlatform).To(HaveLen(3))
	g.Expect(s.ListByPlatform("esxi", "")).To(BeEmpty())

	s.Delete("proxmox:lab_vm:101")
	g.Expect(s.ListByLab("alpha")).To(HaveLen(1))
	g.Expect(s.ListByType(TypeLabVM)).To(HaveLen(2))
}

func TestDeleteEmitsDeleted(t *testing.T) {
	g := NewWithT(t)
	s := NewStore()
	s.Register(labVM("101", "alpha", StateRunning))

	ch, cancel := s.SubscribeEvents("")
	defer cancel()
	s.Delete("proxmox:lab_vm:101")

	ev := <-ch
	g.Expect(ev.Kind).To(Equal(EventDeleted))
	g.Expect(ev.NewState).To(Equal(StateDeleted))

	_, ok := s.Get("proxmox:lab_vm:101")
	g.Expect(ok).To(BeFalse())
}

func TestDriftLifecycle(t *testing.T) {
	t.Run("record and resolve", func(t *testing.T) {
		g := NewWithT(t)
		s := NewStore()
		r := labVM("101", "alpha", StateStopped)
		r.DesiredState = StateRunning
		s.Register(r)

		d := DetectDrift(r)
		g.Expect(d).NotTo(BeNil())
		s.RecordDrift(d)

		g.Expect(s.GetDrifts("alpha")).To(HaveLen(1))
		g.Expect(s.GetDrifts("")).To(HaveLen(1))

		s.ResolveDrift(r.ID)
		g.Expect(s.GetDrifts("alpha")).To(BeEmpty())
		g.Expect(s.GetDrifts("")).To(BeEmpty())
	})

	t.Run("a new drift replaces an unresolved one", func(t *testing.T) {
		g := NewWithT(t)
		s := NewStore()
		s.RecordDrift(&Drift{ResourceID: "x", Kind: DriftStateMismatch, LabID: "alpha"})
		s.RecordDrift(&Drift{ResourceID: "x", Kind: DriftNameMismatch, LabID: "alpha"})

		drifts := s.GetDrifts("alpha")
		g.Expect(drifts).To(HaveLen(1))
		g.Expect(drifts[0].Kind).To(Equal(DriftNameMismatch))
	})
}

func TestLabSnapshot(t *testing.T) {
	g := NewWithT(t)
	s := NewStore()

	gw := labVM("100", "alpha", StateRunning)
	gw.Config = map[string]string{"role": "gateway"}
	s.Register(gw)
	s.Register(labVM("101", "alpha", StateRunning))

	net := &Resource{
		ID:       "proxmox:lab_network:vmbr7",
		Type:     TypeLabNetwork,
		Name:     "lab-alpha-net",
		Platform: PlatformIdentity{Platform: "proxmox", LocalID: "vmbr7"},
		State:    StateRunning,
		LabID:    "alpha",
		Tier:     1,
	}
	s.Register(net)

	snap := s.GetLabSnapshot("alpha")
	g.Expect(snap.TotalVMs).To(Equal(2))
	g.Expect(snap.RunningVMs).To(Equal(2))
	g.Expect(snap.Networks).To(HaveLen(1))
	g.Expect(snap.Gateway).NotTo(BeNil())
	g.Expect(snap.Healthy).To(BeTrue())

	s.Register(labVM("101", "alpha", StateStopped))
	snap = s.GetLabSnapshot("alpha")
	g.Expect(snap.RunningVMs).To(Equal(1))
	g.Expect(snap.Healthy).To(BeFalse())
}

func TestRecentEventsBounded(t *testing.T) {
	g := NewWithT(t)
	s := NewStore()
	for i := 0; i < recentEventCap+50; i++ {
		s.PublishEvent(StateChange{Kind: EventUpdated, ResourceID: fmt.Sprintf("r%d", i)})
	}
	events := s.GetRecentEvents(0)
	g.Expect(events).To(HaveLen(recentEventCap))
	g.Expect(events[len(events)-1].ResourceID).To(Equal(fmt.Sprintf("r%d", recentEventCap+49)))

	g.Expect(s.GetRecentEvents(10)).To(HaveLen(10))
}

func TestAgentHeartbeat(t *testing.T) {
	g := NewWithT(t)
	s := NewStore()
	s.AgentHeartbeat("proxmox-agent", map[string]any{"polls": 3, "errors": 0})

	a, ok := s.GetAgentStatus("proxmox-agent")
	g.Expect(ok).To(BeTrue())
	g.Expect(a.Alive).To(BeTrue())
	g.Expect(a.Status).To(HaveKeyWithValue("polls", 3))

	g.Expect(s.ListAgents()).To(HaveLen(1))
}

func TestResourceJSONRoundTrip(t *testing.T) {
	g := NewWithT(t)
	r := labVM("101", "alpha", StateRunning)
	r.Config = map[string]string{"network": "vmbr0"}
	r.DesiredState = StateRunning
	r.DesiredConfig = map[string]string{"name": "lab-alpha-101"}

	s := NewStore()
	s.Register(r)
	stored, ok := s.Get(r.ID)
	g.Expect(ok).To(BeTrue())

	raw, err := json.Marshal(stored)
	g.Expect(err).NotTo(HaveOccurred())

	var back Resource
	g.Expect(json.Unmarshal(raw, &back)).To(Succeed())
	g.Expect(&back).To(Equal(stored))
}

func TestResourceID(t *testing.T) {
	g := NewWithT(t)
	p := PlatformIdentity{Platform: "proxmox", LocalID: "101"}
	g.Expect(p.ResourceID(TypeLabVM)).To(Equal("proxmox:lab_vm:101"))

	p.Instance = "pve2"
	g.Expect(p.ResourceID(TypeLabVM)).To(Equal("proxmox:pve2:lab_vm:101"))

	g.Expect(ValidLocalID("vm:1")).To(BeFalse())
	g.Expect(ValidLocalID("")).To(BeFalse())
	g.Expect(ValidLocalID("i-0abc")).To(BeTrue())
}
