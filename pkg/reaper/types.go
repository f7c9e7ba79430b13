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

// Package reaper implements the per-lab mission engine that plans,
// dispatches, and tracks OS-specific vulnerability-injection tasks against
// deployed lab VMs.
package reaper

import (
	"strings"
	"time"
)

// Agent type tags name the task queue partitions.
const (
	AgentLinux   = "reaper-linux"
	AgentWindows = "reaper-windows"
	AgentMacOS   = "reaper-macos"
)

// AgentTypeForOS maps an os tag (linux/windows/macos) to its queue
// partition.
func AgentTypeForOS(os string) string { return "reaper-" + os }

// Action verbs, scoped by OS as "<os>.<verb>".
const (
	VerbDiscover   = "discover"
	VerbBaseline   = "baseline"
	VerbInjectVuln = "inject_vuln"
	VerbVerifyVuln = "verify_vuln"
)

// Action builds "<os>.<verb>".
func Action(os, verb string) string { return os + "." + verb }

// ActionVerb returns the verb portion of an action string.
func ActionVerb(action string) string {
	if idx := strings.LastIndex(action, "."); idx >= 0 {
		return action[idx+1:]
	}
	return action
}

// Task is one unit of work addressed to an OS worker.
type Task struct {
	ID        string         `json:"id"`
	MissionID string         `json:"mission_id"`
	HostID    string         `json:"host_id"`
	AgentType string         `json:"agent_type"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
}

// TaskStatus is the outcome class of one executed task.
type TaskStatus string

const (
	StatusSuccess TaskStatus = "success"
	StatusError   TaskStatus = "error"
	StatusPartial TaskStatus = "partial"
)

// Error codes carried on error ResultEvents.
const (
	CodeUnknownAction      = "UNKNOWN_ACTION"
	CodeMissingParam       = "MISSING_PARAM"
	CodeDiscoveryFailed    = "DISCOVERY_FAILED"
	CodeInjectionFailed    = "INJECTION_FAILED"
	CodeVerificationFailed = "VERIFICATION_FAILED"
	CodeAgentException     = "AGENT_EXCEPTION"
)

// ResultEvent is the single result a worker emits per task. Stdout and
// stderr are truncated to their last 500 bytes before embedding.
type ResultEvent struct {
	TaskID    string         `json:"task_id"`
	MissionID string         `json:"mission_id"`
	HostID    string         `json:"host_id"`
	AgentType string         `json:"agent_type"`
	Action    string         `json:"action"`
	Status    TaskStatus     `json:"status"`
	Summary   string         `json:"summary,omitempty"`
	Stdout    string         `json:"stdout,omitempty"`
	Stderr    string         `json:"stderr,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	LogsRef   string         `json:"logs_ref,omitempty"`
	Timestamp time.Time      `json:"ts"`
	Retriable bool           `json:"retriable,omitempty"`
	Code      string         `json:"code,omitempty"`
}

// HostHealth is the worker-observed health of a mission host.
type HostHealth string

const (
	HostUnknown  HostHealth = "unknown"
	HostHealthy  HostHealth = "healthy"
	HostDegraded HostHealth = "degraded"
	HostError    HostHealth = "error"
)

// DefaultMaxFailures is the per-host failure budget before lockout.
const DefaultMaxFailures = 3

// HostState tracks one target VM within a mission. Once Locked, the host
// receives no further tasks for the remainder of the mission.
type HostState struct {
	HostID                  string         `json:"host_id"`
	OS                      string         `json:"os"`
	IP                      string         `json:"ip"`
	LastStatus              HostHealth     `json:"last_status"`
	LastTasks               []string       `json:"last_tasks,omitempty"`
	FailureCount            int            `json:"failure_count"`
	MaxFailures             int            `json:"max_failures"`
	Locked                  bool           `json:"locked"`
	Facts                   map[string]any `json:"facts,omitempty"`
	VulnerabilitiesInjected []string       `json:"vulnerabilities_injected,omitempty"`
}

// MissionStatus is the lifecycle state of a mission. Terminal statuses
// admit no further transitions or task emissions.
type MissionStatus string

const (
	MissionPending   MissionStatus = "pending"
	MissionRunning   MissionStatus = "running"
	MissionCompleted MissionStatus = "completed"
	MissionFailed    MissionStatus = "failed"
	MissionCancelled MissionStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s MissionStatus) Terminal() bool {
	return s == MissionCompleted || s == MissionFailed || s == MissionCancelled
}

// MissionState is the full persisted record of one mission.
type MissionState struct {
	MissionID      string                `json:"mission_id"`
	LabID          string                `json:"lab_id"`
	MissionType    string                `json:"mission_type"`
	Hosts          map[string]*HostState `json:"hosts"`
	PendingTasks   []string              `json:"pending_tasks,omitempty"`
	CompletedTasks []string              `json:"completed_tasks,omitempty"`
	FailedTasks    []string              `json:"failed_tasks,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Status         MissionStatus         `json:"status"`
}

// DeepCopy returns a copy sharing no mutable state with m.
func (m *MissionState) DeepCopy() *MissionState {
	out := *m
	out.Hosts = make(map[string]*HostState, len(m.Hosts))
	for id, h := range m.Hosts {
		hc := *h
		hc.LastTasks = append([]string(nil), h.LastTasks...)
		hc.VulnerabilitiesInjected = append([]string(nil), h.VulnerabilitiesInjected...)
		if h.Facts != nil {
			hc.Facts = make(map[string]any, len(h.Facts))
			for k, v := range h.Facts {
				hc.Facts[k] = v
			}
		}
		out.Hosts[id] = &hc
	}
	out.PendingTasks = append([]string(nil), m.PendingTasks...)
	out.CompletedTasks = append([]string(nil), m.CompletedTasks...)
	out.FailedTasks = append([]string(nil), m.FailedTasks...)
	return &out
}

// NewMission builds an initial MissionState for the given targets.
func NewMission(missionID, labID, missionType string, targets []Target) *MissionState {
	now := time.Now().UTC()
	m := &MissionState{
		MissionID:   missionID,
		LabID:       labID,
		MissionType: missionType,
		Hosts:       map[string]*HostState{},
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      MissionPending,
	}
	for _, t := range targets {
		m.Hosts[t.HostID] = &HostState{
			HostID:      t.HostID,
			OS:          t.OS,
			IP:          t.IP,
			LastStatus:  HostUnknown,
			MaxFailures: DefaultMaxFailures,
		}
	}
	return m
}

// Target names one VM a mission should operate on.
type Target struct {
	HostID string `json:"host_id"`
	OS     string `json:"os"`
	IP     string `json:"ip_address"`
}
