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

package overseer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/glassdome/glassdome/pkg/state"
)

// MaxDeployCount caps a single deploy_vm request.
const MaxDeployCount = 20

// The gate's action vocabulary. Handlers in exec.go are the only other
// place that knows the full set.
const (
	ActionDeployVM  = "deploy_vm"
	ActionDestroyVM = "destroy_vm"
	ActionStartVM   = "start_vm"
	ActionStopVM    = "stop_vm"
)

// predicate checks one gate rule. A non-empty return is the denial reason.
type predicate func(ctx context.Context, action string, params map[string]any) string

// ReceiveRequest runs the gate pipeline: assign a request id, persist the
// request as pending, then evaluate the predicates in order. The first
// failing predicate denies; a passing request is marked approved and
// appended to the execution queue exactly once.
func (o *Overseer) ReceiveRequest(ctx context.Context, action string, params map[string]any, user string) Decision {
	id := uuid.NewString()
	req := &state.Request{
		ID:          id,
		Action:      action,
		User:        user,
		Params:      params,
		Status:      state.RequestPending,
		SubmittedAt: time.Now().UTC(),
	}
	if err := o.state.PutRequest(req); err != nil {
		o.log.Error(err, "failed to persist request", "request", id)
		return o.deny(id, action, "failed to persist request")
	}
	if !o.isAccepting() {
		return o.deny(id, action, "overseer is shutting down")
	}

	for _, check := range []predicate{o.checkSchema, o.checkSafety, o.checkResources, o.checkProduction} {
		if reason := check(ctx, action, params); reason != "" {
			return o.deny(id, action, reason)
		}
	}

	// Advisory findings never block; high priority ones are logged
	// prominently by consult.
	o.consult(ctx, action, params)

	// Reserve the queue slot with a non-blocking send so concurrent
	// callers at capacity are denied rather than parked. The execution
	// loop skips anything that is not approved, so an id whose approval
	// fails to persist below is drained harmlessly.
	select {
	case o.queue <- id:
	default:
		return o.deny(id, action, "execution queue is full; retry later")
	}

	now := time.Now().UTC()
	if _, err := o.state.UpdateRequest(id, func(r *state.Request) {
		r.Status = state.RequestApproved
		r.ApprovedAt = &now
	}); err != nil {
		o.log.Error(err, "failed to approve request", "request", id)
		return o.deny(id, action, "failed to persist approval")
	}
	position := len(o.queue)
	metricQueueDepth.Set(float64(position))
	metricRequests.WithLabelValues(action, "approved").Inc()
	o.log.Info("request approved", "request", id, "action", action, "user", user, "queue_position", position)
	return Decision{Approved: true, RequestID: id, QueuePosition: position}
}

func (o *Overseer) deny(id, action, reason string) Decision {
	if _, err := o.state.UpdateRequest(id, func(r *state.Request) {
		r.Status = state.RequestDenied
		r.Reason = reason
	}); err != nil {
		o.log.Error(err, "failed to persist denial", "request", id)
	}
	metricRequests.WithLabelValues(action, "denied").Inc()
	o.log.Info("request denied", "request", id, "action", action, "reason", reason)
	return Decision{Approved: false, RequestID: id, Reason: reason}
}

// checkSchema validates the action vocabulary and each action's required
// parameters.
func (o *Overseer) checkSchema(_ context.Context, action string, params map[string]any) string {
	switch action {
	case ActionDeployVM:
		if stringParam(params, "platform") == "" {
			return "deploy_vm requires a platform"
		}
		if stringParam(params, "os") == "" {
			return "deploy_vm requires an os"
		}
		specs := mapParam(params, "specs")
		if specs == nil {
			return "deploy_vm requires specs"
		}
		if intParam(specs, "cores") <= 0 || intParam(specs, "memory_mib") <= 0 {
			return "deploy_vm specs require positive cores and memory_mib"
		}
		if n, ok := params["count"]; ok && intFrom(n) < 1 {
			return "deploy_vm count must be at least 1"
		}
	case ActionDestroyVM:
		if stringParam(params, "vm_id") == "" && !boolParam(params, "all") {
			return "destroy_vm requires a vm_id"
		}
	case ActionStartVM, ActionStopVM:
		if stringParam(params, "vm_id") == "" {
			return fmt.Sprintf("%s requires a vm_id", action)
		}
	default:
		return fmt.Sprintf("unsupported action %q", action)
	}
	return ""
}

// checkSafety enforces the domain invariants: no destroy-all, no bulk
// deployments beyond the cap.
func (o *Overseer) checkSafety(_ context.Context, action string, params map[string]any) string {
	switch action {
	case ActionDestroyVM:
		if boolParam(params, "all") {
			return "refusing to destroy all VMs"
		}
	case ActionDeployVM:
		if n := intParam(params, "count"); n > MaxDeployCount {
			return fmt.Sprintf("deploy count %d exceeds the maximum of %d", n, MaxDeployCount)
		}
	}
	return ""
}

// checkResources gates deploy_vm on host headroom when a target host is
// named. Cloud platforms report no per-host capacity, so requests without a
// target host skip the check.
func (o *Overseer) checkResources(_ context.Context, action string, params map[string]any) string {
	if action != ActionDeployVM {
		return ""
	}
	host := stringParam(params, "target_host")
	if host == "" {
		return ""
	}
	specs := mapParam(params, "specs")
	required := state.VMSpecs{
		Cores:     intParam(specs, "cores"),
		MemoryMiB: int64(intParam(specs, "memory_mib")),
		DiskGiB:   int64(intParam(specs, "disk_gib")),
	}
	if !o.state.HasResources(stringParam(params, "platform"), host, required) {
		return fmt.Sprintf("host %s lacks resources for the requested specs", host)
	}
	return ""
}

// checkProduction refuses destructive actions against production VMs unless
// the caller explicitly forces them.
func (o *Overseer) checkProduction(_ context.Context, action string, params map[string]any) string {
	if action != ActionDestroyVM && action != ActionStopVM {
		return ""
	}
	vm, ok := o.state.GetVM(stringParam(params, "vm_id"))
	if !ok || !vm.Production {
		return ""
	}
	if boolParam(params, "force_production") {
		o.log.Info("production protection overridden", "vm", vm.ID, "action", action)
		return ""
	}
	return fmt.Sprintf("VM %s is flagged production; pass force_production to override", vm.ID)
}

// Parameter extraction tolerates the numeric types JSON decoding produces.

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}

func boolParam(params map[string]any, key string) bool {
	if params == nil {
		return false
	}
	b, _ := params[key].(bool)
	return b
}

func intParam(params map[string]any, key string) int {
	if params == nil {
		return 0
	}
	return intFrom(params[key])
}

func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func mapParam(params map[string]any, key string) map[string]any {
	if params == nil {
		return nil
	}
	m, _ := params[key].(map[string]any)
	return m
}
