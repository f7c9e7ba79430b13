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

package reaper

import (
	"testing"

	. "github.com/onsi/gomega"
)

func twoHostMission() *MissionState {
	return NewMission("m1", "alpha", "standard", []Target{
		{HostID: "h1", OS: "linux", IP: "10.0.0.5"},
		{HostID: "h2", OS: "windows", IP: "10.0.0.6"},
	})
}

func TestInitialTasks(t *testing.T) {
	g := NewWithT(t)
	p := NewRulePlanner(nil)
	m := twoHostMission()

	tasks := p.InitialTasks(m)
	g.Expect(tasks).To(HaveLen(2))
	g.Expect(tasks[0].Action).To(Equal("linux.discover"))
	g.Expect(tasks[0].AgentType).To(Equal(AgentLinux))
	g.Expect(tasks[0].Params).To(HaveKeyWithValue("ip_address", "10.0.0.5"))
	g.Expect(tasks[1].Action).To(Equal("windows.discover"))
	g.Expect(tasks[1].AgentType).To(Equal(AgentWindows))

	m.Hosts["h1"].Locked = true
	tasks = p.InitialTasks(m)
	g.Expect(tasks).To(HaveLen(1))
	g.Expect(tasks[0].HostID).To(Equal("h2"))
}

func TestNextTasksAfterDiscover(t *testing.T) {
	g := NewWithT(t)
	catalog := Catalog{"baseline_linux": {"pb1", "pb2"}}
	p := NewRulePlanner(catalog)
	m := twoHostMission()

	tasks := p.NextTasks(m, ResultEvent{
		HostID: "h1",
		Action: "linux.discover",
		Status: StatusSuccess,
	})
	g.Expect(tasks).To(HaveLen(1))
	g.Expect(tasks[0].Action).To(Equal("linux.baseline"))
	g.Expect(tasks[0].Params).To(HaveKeyWithValue("baseline_linux", []string{"pb1", "pb2"}))
}

func TestNextTasksAfterBaseline(t *testing.T) {
	t.Run("web facts produce a web injection", func(t *testing.T) {
		g := NewWithT(t)
		p := NewRulePlanner(nil)
		m := twoHostMission()
		m.Hosts["h1"].Facts = map[string]any{
			"services":   []string{"apache"},
			"open_ports": []int{80},
		}

		tasks := p.NextTasks(m, ResultEvent{HostID: "h1", Action: "linux.baseline", Status: StatusSuccess})
		g.Expect(tasks).To(HaveLen(1))
		g.Expect(tasks[0].Action).To(Equal("linux.inject_vuln"))
		g.Expect(tasks[0].Params).To(HaveKeyWithValue("category", "web"))
	})

	t.Run("web and network facts produce both categories", func(t *testing.T) {
		g := NewWithT(t)
		p := NewRulePlanner(nil)
		m := twoHostMission()
		m.Hosts["h1"].Facts = map[string]any{
			// JSON-decoded facts arrive as []any of float64/string.
			"services":   []any{"nginx", "ssh"},
			"open_ports": []any{float64(443), float64(22)},
		}

		tasks := p.NextTasks(m, ResultEvent{HostID: "h1", Action: "linux.baseline", Status: StatusSuccess})
		g.Expect(tasks).To(HaveLen(2))
		var categories []any
		for _, task := range tasks {
			categories = append(categories, task.Params["category"])
		}
		g.Expect(categories).To(ConsistOf("web", "network"))
	})

	t.Run("no matching facts produce nothing", func(t *testing.T) {
		g := NewWithT(t)
		p := NewRulePlanner(nil)
		m := twoHostMission()
		m.Hosts["h1"].Facts = map[string]any{"open_ports": []int{9999}}

		g.Expect(p.NextTasks(m, ResultEvent{HostID: "h1", Action: "linux.baseline", Status: StatusSuccess})).To(BeEmpty())
	})
}

func TestNextTasksEdgeCases(t *testing.T) {
	g := NewWithT(t)
	p := NewRulePlanner(nil)
	m := twoHostMission()

	// Unknown host.
	g.Expect(p.NextTasks(m, ResultEvent{HostID: "ghost", Action: "linux.discover", Status: StatusSuccess})).To(BeEmpty())

	// Locked host.
	m.Hosts["h1"].Locked = true
	g.Expect(p.NextTasks(m, ResultEvent{HostID: "h1", Action: "linux.discover", Status: StatusSuccess})).To(BeEmpty())

	// Retriable error: no retry, no tasks.
	g.Expect(p.NextTasks(m, ResultEvent{HostID: "h2", Action: "windows.discover", Status: StatusError, Retriable: true})).To(BeEmpty())
}

func TestPlannerIsPure(t *testing.T) {
	g := NewWithT(t)
	p := NewRulePlanner(nil)
	m := twoHostMission()
	before := m.DeepCopy()

	p.InitialTasks(m)
	p.NextTasks(m, ResultEvent{HostID: "h1", Action: "linux.discover", Status: StatusSuccess})

	g.Expect(m).To(Equal(before))
}
