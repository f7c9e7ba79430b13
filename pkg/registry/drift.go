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
	"time"
)

// DriftKind classifies a divergence between desired and actual.
type DriftKind string

const (
	DriftMissing         DriftKind = "missing"
	DriftExtra           DriftKind = "extra"
	DriftStateMismatch   DriftKind = "state_mismatch"
	DriftNameMismatch    DriftKind = "name_mismatch"
	DriftConfigMismatch  DriftKind = "config_mismatch"
	DriftIPMismatch      DriftKind = "ip_mismatch"
	DriftNetworkMismatch DriftKind = "network_mismatch"
)

// DriftSeverity grades a drift for operators.
type DriftSeverity string

const (
	DriftInfo     DriftSeverity = "info"
	DriftWarning  DriftSeverity = "warning"
	DriftCritical DriftSeverity = "critical"
)

// Fix action tags understood by the lab controller.
const (
	FixSetStateRunning = "set_state:running"
	FixSetStateStopped = "set_state:stopped"
	fixRenamePrefix    = "rename:"
)

// FixRename builds the rename fix action for a target name.
func FixRename(name string) string { return fixRenamePrefix + name }

// Drift records one divergence on one resource. A resource has at most one
// active drift; recording a new one replaces an unresolved predecessor.
type Drift struct {
	ResourceID string        `json:"resource_id"`
	Kind       DriftKind     `json:"kind"`
	Expected   string        `json:"expected"`
	Actual     string        `json:"actual"`
	Severity   DriftSeverity `json:"severity"`
	AutoFix    bool          `json:"auto_fix"`
	FixAction  string        `json:"fix_action,omitempty"`
	LabID      string        `json:"lab_id,omitempty"`
	DetectedAt time.Time     `json:"detected_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// DetectDrift applies the drift rules to a resource and returns the first
// match, or nil when the resource carries no desired state or config. The
// function is pure; it never mutates r.
//
// Rule order: state mismatch, then name mismatch, then network mismatch.
func DetectDrift(r *Resource) *Drift {
	if r.DesiredState == "" && len(r.DesiredConfig) == 0 {
		return nil
	}

	if r.DesiredState != "" && r.DesiredState != r.State {
		fix := FixSetStateStopped
		if r.DesiredState == StateRunning {
			fix = FixSetStateRunning
		}
		return &Drift{
			ResourceID: r.ID,
			Kind:       DriftStateMismatch,
			Expected:   string(r.DesiredState),
			Actual:     string(r.State),
			Severity:   DriftWarning,
			AutoFix:    r.Tier == 1,
			FixAction:  fix,
			LabID:      r.LabID,
			DetectedAt: time.Now().UTC(),
		}
	}

	if want, ok := r.DesiredConfig["name"]; ok && want != r.Name {
		return &Drift{
			ResourceID: r.ID,
			Kind:       DriftNameMismatch,
			Expected:   want,
			Actual:     r.Name,
			Severity:   DriftInfo,
			AutoFix:    true,
			FixAction:  FixRename(want),
			LabID:      r.LabID,
			DetectedAt: time.Now().UTC(),
		}
	}

	if want, ok := r.DesiredConfig["network"]; ok && want != r.Config["network"] {
		return &Drift{
			ResourceID: r.ID,
			Kind:       DriftNetworkMismatch,
			Expected:   want,
			Actual:     r.Config["network"],
			Severity:   DriftCritical,
			AutoFix:    false,
			LabID:      r.LabID,
			DetectedAt: time.Now().UTC(),
		}
	}

	return nil
}
