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

// Package knowledge defines the advisory oracle the Overseer consults. The
// retrieval-augmented backend lives outside the core; this package carries
// the contract plus a static rule-based advisor good enough for the gate's
// advisory step.
package knowledge

import (
	"context"
	"fmt"
)

// Priority of an advisory finding.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Finding is one piece of advisory output. Findings never block; high
// priority ones are logged prominently by the consumer.
type Finding struct {
	Priority string `json:"priority"`
	Summary  string `json:"summary"`
}

// Advisor is the read-only oracle interface.
type Advisor interface {
	Consult(ctx context.Context, topic string, details map[string]any) ([]Finding, error)
}

// Rule matches a topic and produces a finding from the request details.
type Rule struct {
	Topic    string
	Priority string
	When     func(details map[string]any) bool
	Summary  func(details map[string]any) string
}

// StaticAdvisor evaluates a fixed rule list. It satisfies the advisory
// contract without the out-of-scope knowledge base.
type StaticAdvisor struct {
	rules []Rule
}

// NewStaticAdvisor returns an advisor with the default rule set.
func NewStaticAdvisor() *StaticAdvisor {
	return &StaticAdvisor{rules: defaultRules()}
}

// Consult runs every matching rule and returns the findings.
func (a *StaticAdvisor) Consult(_ context.Context, topic string, details map[string]any) ([]Finding, error) {
	var out []Finding
	for _, r := range a.rules {
		if r.Topic != "" && r.Topic != topic {
			continue
		}
		if r.When != nil && !r.When(details) {
			continue
		}
		out = append(out, Finding{Priority: r.Priority, Summary: r.Summary(details)})
	}
	return out, nil
}

func defaultRules() []Rule {
	return []Rule{
		{
			Topic:    "destroy_vm",
			Priority: PriorityMedium,
			Summary: func(details map[string]any) string {
				return fmt.Sprintf("destroying VM %v is irreversible; confirm snapshots are not needed", details["vm_id"])
			},
		},
		{
			Topic:    "deploy_vm",
			Priority: PriorityHigh,
			When: func(details map[string]any) bool {
				n, _ := details["count"].(int)
				return n >= 10
			},
			Summary: func(details map[string]any) string {
				return fmt.Sprintf("bulk deployment of %v VMs will consume significant host capacity", details["count"])
			},
		},
		{
			Topic:    "stop_vm",
			Priority: PriorityLow,
			Summary: func(details map[string]any) string {
				return "stopping a lab VM pauses any in-flight vulnerability injection"
			},
		},
	}
}
