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

// Package controller implements tier-1 lab reconciliation: detect drift
// between desired and observed state in the registry and repair what is
// marked auto-fixable.
package controller

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/glassdome/glassdome/pkg/platform"
	"github.com/glassdome/glassdome/pkg/registry"
)

// DefaultPeriod is the tier-1 reconcile cadence.
const DefaultPeriod = time.Second

// ClientResolver returns the platform client for a (platform, instance)
// pair. The Overseer's lazy client cache satisfies this.
type ClientResolver func(ctx context.Context, platformName, instance string) (platform.Client, error)

// Result summarizes one reconcile pass over a lab.
type Result struct {
	LabID          string `json:"lab_id"`
	VMsChecked     int    `json:"vms_checked"`
	DriftsDetected int    `json:"drifts_detected"`
	DriftsFixed    int    `json:"drifts_fixed"`
	Errors         int    `json:"errors"`
}

// LabController runs the tier-1 reconciliation loop. It only repairs
// existing resources; it never creates or deletes anything on its own.
type LabController struct {
	store   *registry.Store
	resolve ClientResolver
	period  time.Duration
	log     logr.Logger
}

// New constructs a LabController. A zero period defaults to DefaultPeriod.
func New(store *registry.Store, resolve ClientResolver, period time.Duration, log logr.Logger) *LabController {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &LabController{
		store:   store,
		resolve: resolve,
		period:  period,
		log:     log.WithName("lab-controller"),
	}
}

// Run executes the reconcile loop until ctx is cancelled.
func (c *LabController) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	c.log.Info("lab controller starting", "period", c.period.String())
	for {
		select {
		case <-ctx.Done():
			c.log.Info("lab controller stopping")
			return nil
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, c.period*10)
			for _, labID := range c.store.ListLabs() {
				c.reconcileLab(tickCtx, labID, false)
			}
			cancel()
		}
	}
}

// ReconcileLab runs one manual reconcile pass over a lab, bracketing it
// with explicit start/complete events.
func (c *LabController) ReconcileLab(ctx context.Context, labID string) Result {
	c.store.PublishEvent(registry.StateChange{
		Kind:  registry.EventReconcileStart,
		LabID: labID,
	})
	res := c.reconcileLab(ctx, labID, true)
	c.store.PublishEvent(registry.StateChange{
		Kind:     registry.EventReconcileComplete,
		LabID:    labID,
		NewValue: "manual",
	})
	return res
}

func (c *LabController) reconcileLab(ctx context.Context, labID string, manual bool) Result {
	res := Result{LabID: labID}
	snap := c.store.GetLabSnapshot(labID)
	for i := range snap.VMs {
		vm := snap.VMs[i]
		res.VMsChecked++

		drift := registry.DetectDrift(&vm)
		if drift == nil {
			continue
		}
		res.DriftsDetected++
		c.store.RecordDrift(drift)
		if !drift.AutoFix {
			continue
		}

		if err := c.applyFix(ctx, &vm, drift); err != nil {
			res.Errors++
			c.log.Error(err, "fix failed", "lab", labID, "resource", vm.ID, "action", drift.FixAction)
			// The drift stays recorded so it remains visible.
			c.store.PublishEvent(registry.StateChange{
				Kind:       registry.EventReconcileFailed,
				ResourceID: vm.ID,
				LabID:      labID,
				NewValue:   drift.FixAction,
			})
			continue
		}

		res.DriftsFixed++
		c.store.ResolveDrift(vm.ID)
		c.store.PublishEvent(registry.StateChange{
			Kind:       registry.EventReconcileComplete,
			ResourceID: vm.ID,
			LabID:      labID,
			NewValue:   drift.FixAction,
		})
	}
	if res.DriftsDetected > 0 || manual {
		c.log.V(4).Info("reconciled lab", "lab", labID,
			"checked", res.VMsChecked, "detected", res.DriftsDetected,
			"fixed", res.DriftsFixed, "errors", res.Errors)
	}
	return res
}

func (c *LabController) applyFix(ctx context.Context, vm *registry.Resource, drift *registry.Drift) error {
	client, err := c.resolve(ctx, vm.Platform.Platform, vm.Platform.Instance)
	if err != nil {
		return errors.Wrap(err, "failed to resolve platform client")
	}

	action := drift.FixAction
	switch {
	case action == registry.FixSetStateRunning:
		return client.StartVM(ctx, vm.Platform.LocalID)
	case action == registry.FixSetStateStopped:
		return client.StopVM(ctx, vm.Platform.LocalID)
	case strings.HasPrefix(action, "rename:"):
		name := strings.TrimPrefix(action, "rename:")
		if err := client.RenameVM(ctx, vm.Platform.LocalID, name); err != nil {
			return err
		}
		renamed := vm.DeepCopy()
		renamed.Name = name
		c.store.Register(renamed)
		return nil
	default:
		return errors.Errorf("unsupported fix action %q", action)
	}
}
