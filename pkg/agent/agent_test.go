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

package agent

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/glassdome/glassdome/pkg/platform"
	"github.com/glassdome/glassdome/pkg/platform/fake"
	"github.com/glassdome/glassdome/pkg/registry"
)

func newTestAgent(store *registry.Store, client *fake.Client) *Agent {
	factory := func(ctx context.Context) (platform.Client, error) { return client, nil }
	return New("proxmox-agent", "proxmox", "", 1, time.Second, factory, store, logr.Discard())
}

func TestPollRegistersResources(t *testing.T) {
	g := NewWithT(t)
	store := registry.NewStore()
	client := fake.NewClient()
	client.Seed(platform.VMInfo{ID: "101", Name: "lab-alpha-web", State: "running", IP: "10.0.0.5"})
	client.Seed(platform.VMInfo{ID: "102", Name: "build-server", State: "stopped"})

	a := newTestAgent(store, client)
	a.PollOnce(context.Background())

	labVMs := store.ListByType(registry.TypeLabVM)
	g.Expect(labVMs).To(HaveLen(1))
	g.Expect(labVMs[0].LabID).To(Equal("alpha"))
	g.Expect(labVMs[0].State).To(Equal(registry.StateRunning))
	g.Expect(labVMs[0].Config).To(HaveKeyWithValue("ip", "10.0.0.5"))
	g.Expect(labVMs[0].Tier).To(Equal(1))

	g.Expect(store.ListByType(registry.TypeVM)).To(HaveLen(1))
	g.Expect(store.ListByType(registry.TypeHost)).To(HaveLen(1))

	agents := store.ListAgents()
	g.Expect(agents).To(HaveLen(1))
	g.Expect(agents[0].Status).To(HaveKeyWithValue("polls", 1))
}

func TestPollDetectsDeletions(t *testing.T) {
	g := NewWithT(t)
	store := registry.NewStore()
	client := fake.NewClient()
	client.Seed(platform.VMInfo{ID: "101", Name: "lab-alpha-web", State: "running"})

	a := newTestAgent(store, client)
	a.PollOnce(context.Background())
	g.Expect(store.ListByType(registry.TypeLabVM)).To(HaveLen(1))

	ch, cancel := store.SubscribeEvents("")
	defer cancel()

	client.Remove("101")
	a.PollOnce(context.Background())

	g.Expect(store.ListByType(registry.TypeLabVM)).To(BeEmpty())

	// A tier-1 lab VM deletion produces the regular Deleted event plus an
	// alert-severity one.
	var alerts int
	for done := false; !done; {
		select {
		case ev := <-ch:
			if ev.Kind == registry.EventDeleted && ev.Severity == registry.SeverityAlert {
				alerts++
			}
		default:
			done = true
		}
	}
	g.Expect(alerts).To(Equal(1))
}

func TestPollErrorResetsClient(t *testing.T) {
	g := NewWithT(t)
	store := registry.NewStore()
	client := fake.NewClient()
	client.Seed(platform.VMInfo{ID: "101", Name: "lab-alpha-web", State: "running"})

	a := newTestAgent(store, client)
	a.PollOnce(context.Background())
	g.Expect(a.polls).To(Equal(1))

	client.Fail = &platform.TransientError{Op: "list", Err: errors.New("connection reset")}
	a.PollOnce(context.Background())

	// A failed poll increments the error count, not the poll count, and no
	// heartbeat is sent for the failed cycle.
	g.Expect(a.polls).To(Equal(1))
	g.Expect(a.errCount).To(Equal(1))
	g.Expect(a.client).To(BeNil())

	// Recovery: the next cycle reconnects and polls as normal.
	client.Fail = nil
	a.PollOnce(context.Background())
	g.Expect(a.polls).To(Equal(2))
	g.Expect(a.client).NotTo(BeNil())
}

func TestLabIDFromName(t *testing.T) {
	g := NewWithT(t)
	g.Expect(LabIDFromName("lab-alpha-web")).To(Equal("alpha"))
	g.Expect(LabIDFromName("lab-x1-gw-2")).To(Equal("x1"))
	g.Expect(LabIDFromName("lab-alpha")).To(Equal(""))
	g.Expect(LabIDFromName("production-db")).To(Equal(""))
	g.Expect(LabIDFromName("lab--web")).To(Equal(""))
}

func TestMapState(t *testing.T) {
	g := NewWithT(t)
	g.Expect(MapState("running")).To(Equal(registry.StateRunning))
	g.Expect(MapState("poweredOn")).To(Equal(registry.StateRunning))
	g.Expect(MapState("poweredOff")).To(Equal(registry.StateStopped))
	g.Expect(MapState("deallocated")).To(Equal(registry.StateStopped))
	g.Expect(MapState("suspended")).To(Equal(registry.StatePaused))
	g.Expect(MapState("shutting-down")).To(Equal(registry.StateDeleting))
	g.Expect(MapState("weird")).To(Equal(registry.StateUnknown))
}
