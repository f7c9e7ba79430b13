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
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/glassdome/glassdome/pkg/platform"
	"github.com/glassdome/glassdome/pkg/state"
)

// executeRequest runs the handler for one approved request and records the
// outcome. Handler panics are converted into failed requests; the loop that
// called us always survives.
func (o *Overseer) executeRequest(ctx context.Context, id string) {
	req, ok := o.state.GetRequest(id)
	if !ok {
		o.log.Error(nil, "dequeued unknown request", "request", id)
		return
	}
	if req.Status != state.RequestApproved {
		o.log.V(2).Info("skipping non-approved request", "request", id, "status", string(req.Status))
		return
	}
	if _, err := o.state.UpdateRequest(id, func(r *state.Request) {
		r.Status = state.RequestExecuting
	}); err != nil {
		o.log.Error(err, "failed to mark request executing", "request", id)
	}

	result, err := o.dispatch(ctx, req)
	now := time.Now().UTC()
	status := state.RequestCompleted
	if err != nil {
		status = state.RequestFailed
		result = err.Error()
		o.log.Error(err, "request failed", "request", id, "action", req.Action)
	} else {
		o.log.Info("request completed", "request", id, "action", req.Action)
	}
	if _, uerr := o.state.UpdateRequest(id, func(r *state.Request) {
		r.Status = status
		r.Result = result
		r.CompletedAt = &now
	}); uerr != nil {
		o.log.Error(uerr, "failed to record request outcome", "request", id)
	}
}

func (o *Overseer) dispatch(ctx context.Context, req *state.Request) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	switch req.Action {
	case ActionDeployVM:
		return o.handleDeploy(ctx, req)
	case ActionStartVM:
		return o.handleStart(ctx, req)
	case ActionStopVM:
		return o.handleStop(ctx, req)
	case ActionDestroyVM:
		return o.handleDestroy(ctx, req)
	default:
		return "", errors.Errorf("no handler for action %q", req.Action)
	}
}

func (o *Overseer) handleDeploy(ctx context.Context, req *state.Request) (string, error) {
	platformName := stringParam(req.Params, "platform")
	osName := stringParam(req.Params, "os")
	specs := mapParam(req.Params, "specs")
	count := intParam(req.Params, "count")
	if count < 1 {
		count = 1
	}

	client, err := o.clientFor(ctx, platformName, stringParam(req.Params, "instance"))
	if err != nil {
		return "", err
	}

	baseName := stringParam(specs, "name")
	if baseName == "" {
		baseName = fmt.Sprintf("glassdome-%s-%s", osName, req.ID[:8])
	}
	labID := stringParam(req.Params, "lab_id")

	var created []string
	for i := 0; i < count; i++ {
		name := baseName
		if count > 1 {
			name = fmt.Sprintf("%s-%d", baseName, i+1)
		}
		info, err := client.CreateVM(ctx, platform.VMSpec{
			Name:       name,
			Cores:      intParam(specs, "cores"),
			MemoryMiB:  int64(intParam(specs, "memory_mib")),
			DiskGiB:    int64(intParam(specs, "disk_gib")),
			Template:   stringParam(specs, "template"),
			Network:    stringParam(specs, "network"),
			TargetHost: stringParam(req.Params, "target_host"),
			LabID:      labID,
		})
		if err != nil {
			if len(created) > 0 {
				return "", errors.Wrapf(err, "deployed %d of %d VMs (%s) before failing", len(created), count, strings.Join(created, ", "))
			}
			return "", errors.Wrap(err, "failed to create VM")
		}
		vm := &state.VM{
			ID:       info.ID,
			Name:     info.Name,
			Platform: platformName,
			Status:   mapVMStatus(info.State),
			IP:       info.IP,
			Specs: state.VMSpecs{
				OS:        osName,
				Cores:     intParam(specs, "cores"),
				MemoryMiB: int64(intParam(specs, "memory_mib")),
				DiskGiB:   int64(intParam(specs, "disk_gib")),
			},
			Production: boolParam(req.Params, "is_production"),
			DeployedBy: req.User,
			RequestID:  req.ID,
		}
		if err := o.state.PutVM(vm); err != nil {
			return "", errors.Wrapf(err, "VM %s created but could not be recorded", info.ID)
		}
		created = append(created, info.ID)
	}
	return fmt.Sprintf("deployed %d VM(s): %s", len(created), strings.Join(created, ", ")), nil
}

func (o *Overseer) handleStart(ctx context.Context, req *state.Request) (string, error) {
	vm, client, err := o.resolveVM(ctx, req)
	if err != nil {
		return "", err
	}
	if err := client.StartVM(ctx, vm.ID); err != nil {
		return "", errors.Wrapf(err, "failed to start VM %s", vm.ID)
	}
	vm.Status = state.VMRunning
	if err := o.state.PutVM(vm); err != nil {
		return "", err
	}
	return fmt.Sprintf("started VM %s", vm.ID), nil
}

func (o *Overseer) handleStop(ctx context.Context, req *state.Request) (string, error) {
	vm, client, err := o.resolveVM(ctx, req)
	if err != nil {
		return "", err
	}
	if err := client.StopVM(ctx, vm.ID); err != nil {
		return "", errors.Wrapf(err, "failed to stop VM %s", vm.ID)
	}
	vm.Status = state.VMStopped
	if err := o.state.PutVM(vm); err != nil {
		return "", err
	}
	return fmt.Sprintf("stopped VM %s", vm.ID), nil
}

func (o *Overseer) handleDestroy(ctx context.Context, req *state.Request) (string, error) {
	vm, client, err := o.resolveVM(ctx, req)
	if err != nil {
		return "", err
	}
	// Platform deletes are idempotent; a missing VM is a success.
	if err := client.DeleteVM(ctx, vm.ID); err != nil {
		return "", errors.Wrapf(err, "failed to destroy VM %s", vm.ID)
	}
	if err := o.state.DeleteVM(vm.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("destroyed VM %s", vm.ID), nil
}

// resolveVM looks up the target VM in System State and returns it with a
// client for its platform.
func (o *Overseer) resolveVM(ctx context.Context, req *state.Request) (*state.VM, platform.Client, error) {
	id := stringParam(req.Params, "vm_id")
	vm, ok := o.state.GetVM(id)
	if !ok {
		return nil, nil, errors.Errorf("VM %s is not tracked in system state", id)
	}
	client, err := o.clientFor(ctx, vm.Platform, stringParam(req.Params, "instance"))
	if err != nil {
		return nil, nil, err
	}
	return vm, client, nil
}

// Client returns the cached client for a platform instance so other
// components (the lab controller, the CLI) share the Overseer's lazy cache.
func (o *Overseer) Client(ctx context.Context, platformName, instance string) (platform.Client, error) {
	return o.clientFor(ctx, platformName, instance)
}

// clientFor returns the cached client for a platform instance, building it
// lazily from the factory map. Credential problems surface here as
// AuthError, on first use rather than at startup.
func (o *Overseer) clientFor(ctx context.Context, platformName, instance string) (platform.Client, error) {
	key := platformName
	if instance != "" {
		key = platformName + "/" + instance
	}
	o.clientMU.Lock()
	defer o.clientMU.Unlock()
	if c, ok := o.clients[key]; ok {
		return c, nil
	}
	factory, ok := o.factories[key]
	if !ok {
		factory, ok = o.factories[platformName]
	}
	if !ok {
		return nil, errors.Errorf("no client configured for platform %q", key)
	}
	client, err := factory(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s client", key)
	}
	o.clients[key] = client
	return client, nil
}

// DropClient evicts a cached platform client so the next use rebuilds it.
func (o *Overseer) DropClient(platformName, instance string) {
	key := platformName
	if instance != "" {
		key = platformName + "/" + instance
	}
	o.clientMU.Lock()
	defer o.clientMU.Unlock()
	delete(o.clients, key)
}

func mapVMStatus(s string) state.VMStatus {
	switch strings.ToLower(s) {
	case "running", "poweredon":
		return state.VMRunning
	case "stopped", "poweredoff", "deallocated", "shutoff":
		return state.VMStopped
	case "pending", "creating", "provisioning", "starting":
		return state.VMCreating
	case "error":
		return state.VMError
	default:
		return state.VMUnknown
	}
}
