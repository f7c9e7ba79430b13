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
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// MissionPlanner decides what to do next. Implementations must be pure:
// no I/O, no mutation of the state they are given.
type MissionPlanner interface {
	InitialTasks(m *MissionState) []Task
	NextTasks(m *MissionState, last ResultEvent) []Task
}

// Catalog maps playbook-list names (baseline_linux, web_linux, ...) to
// playbook names. The catalog is data, injected at planner construction.
type Catalog map[string][]string

// DefaultCatalog is the built-in playbook catalog.
func DefaultCatalog() Catalog {
	return Catalog{
		"baseline_linux":   {"sysctl-hardening-relax", "world-writable-logs", "stale-sudoers"},
		"baseline_windows": {"smb-signing-off", "weak-lsa-policy"},
		"baseline_macos":   {"gatekeeper-relax"},
		"web_linux":        {"outdated-apache", "php-file-upload", "exposed-phpinfo"},
		"web_windows":      {"iis-webdav-write"},
		"network_linux":    {"weak-ssh-ciphers", "anonymous-ftp"},
		"network_windows":  {"smbv1-enabled", "rdp-nla-off"},
	}
}

// Port and service fingerprints used to classify discovered hosts.
var (
	webPorts        = map[int]struct{}{80: {}, 443: {}, 8080: {}, 8443: {}}
	webServices     = map[string]struct{}{"apache": {}, "nginx": {}, "httpd": {}, "tomcat": {}, "iis": {}}
	networkPorts    = map[int]struct{}{21: {}, 22: {}, 23: {}, 25: {}, 53: {}, 110: {}, 143: {}, 445: {}, 3389: {}}
	networkServices = map[string]struct{}{"ssh": {}, "ftp": {}, "telnet": {}, "smb": {}, "dns": {}, "smtp": {}}
)

// RulePlanner is the default rule-based planner: discover, then baseline,
// then inject per category suggested by the discovered facts.
type RulePlanner struct {
	catalog Catalog
}

// NewRulePlanner constructs a planner over a catalog. A nil catalog gets
// the default.
func NewRulePlanner(catalog Catalog) *RulePlanner {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &RulePlanner{catalog: catalog}
}

// InitialTasks emits one discover task per unlocked host, in host-id order.
func (p *RulePlanner) InitialTasks(m *MissionState) []Task {
	ids := make([]string, 0, len(m.Hosts))
	for id := range m.Hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var tasks []Task
	for _, id := range ids {
		h := m.Hosts[id]
		if h.Locked {
			continue
		}
		tasks = append(tasks, Task{
			ID:        uuid.NewString(),
			MissionID: m.MissionID,
			HostID:    h.HostID,
			AgentType: AgentTypeForOS(h.OS),
			Action:    Action(h.OS, VerbDiscover),
			Params:    map[string]any{"ip_address": h.IP},
		})
	}
	return tasks
}

// NextTasks reacts to one result. Errors never produce follow-up tasks;
// retry policy is deliberately absent, which also rules out retry loops.
func (p *RulePlanner) NextTasks(m *MissionState, last ResultEvent) []Task {
	host, ok := m.Hosts[last.HostID]
	if !ok || host.Locked {
		return nil
	}
	if last.Status != StatusSuccess {
		return nil
	}

	switch ActionVerb(last.Action) {
	case VerbDiscover:
		key := "baseline_" + host.OS
		return []Task{{
			ID:        uuid.NewString(),
			MissionID: m.MissionID,
			HostID:    host.HostID,
			AgentType: AgentTypeForOS(host.OS),
			Action:    Action(host.OS, VerbBaseline),
			Params: map[string]any{
				"ip_address": host.IP,
				key:          p.catalog[key],
			},
		}}
	case VerbBaseline:
		var tasks []Task
		ports := intSet(host.Facts["open_ports"])
		services := stringSet(host.Facts["services"])
		if overlapsInt(ports, webPorts) || overlapsString(services, webServices) {
			tasks = append(tasks, p.injectTask(m, host, "web"))
		}
		if overlapsInt(ports, networkPorts) || overlapsString(services, networkServices) {
			tasks = append(tasks, p.injectTask(m, host, "network"))
		}
		return tasks
	default:
		return nil
	}
}

func (p *RulePlanner) injectTask(m *MissionState, host *HostState, category string) Task {
	key := fmt.Sprintf("%s_%s", category, host.OS)
	return Task{
		ID:        uuid.NewString(),
		MissionID: m.MissionID,
		HostID:    host.HostID,
		AgentType: AgentTypeForOS(host.OS),
		Action:    Action(host.OS, VerbInjectVuln),
		Params: map[string]any{
			"ip_address": host.IP,
			"category":   category,
			"playbooks":  p.catalog[key],
		},
	}
}

// intSet normalizes a facts value that may be []int, []float64 (JSON), or
// []any into a set of ints.
func intSet(v any) map[int]struct{} {
	out := map[int]struct{}{}
	switch vv := v.(type) {
	case []int:
		for _, n := range vv {
			out[n] = struct{}{}
		}
	case []float64:
		for _, n := range vv {
			out[int(n)] = struct{}{}
		}
	case []any:
		for _, item := range vv {
			switch n := item.(type) {
			case int:
				out[n] = struct{}{}
			case float64:
				out[int(n)] = struct{}{}
			}
		}
	}
	return out
}

// stringSet normalizes a facts value that may be []string or []any into a
// set of strings.
func stringSet(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch vv := v.(type) {
	case []string:
		for _, s := range vv {
			out[s] = struct{}{}
		}
	case []any:
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out[s] = struct{}{}
			}
		}
	}
	return out
}

func overlapsInt(a map[int]struct{}, b map[int]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

func overlapsString(a map[string]struct{}, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
