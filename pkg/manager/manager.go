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

// Package manager assembles a complete Glassdome process from configuration:
// system state, registry, platform agents, the lab controller, the Overseer,
// and the local Reaper workers.
package manager

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/glassdome/glassdome/pkg/agent"
	"github.com/glassdome/glassdome/pkg/config"
	"github.com/glassdome/glassdome/pkg/controller"
	"github.com/glassdome/glassdome/pkg/knowledge"
	"github.com/glassdome/glassdome/pkg/overseer"
	"github.com/glassdome/glassdome/pkg/platform"
	"github.com/glassdome/glassdome/pkg/platform/aws"
	"github.com/glassdome/glassdome/pkg/platform/azure"
	"github.com/glassdome/glassdome/pkg/platform/proxmox"
	"github.com/glassdome/glassdome/pkg/platform/vsphere"
	"github.com/glassdome/glassdome/pkg/reaper"
	"github.com/glassdome/glassdome/pkg/reaper/agents"
	"github.com/glassdome/glassdome/pkg/registry"
	"github.com/glassdome/glassdome/pkg/state"
)

// Manager owns every long-running component of one Glassdome process.
type Manager struct {
	State      *state.Store
	Registry   *registry.Store
	Overseer   *overseer.Overseer
	Controller *controller.LabController

	agents  []*agent.Agent
	workers []*agents.Worker
	log     logr.Logger
}

// New builds the full component graph from cfg. Platform clients are not
// connected here; they are constructed lazily on first use.
func New(cfg *config.Config, log logr.Logger) (*Manager, error) {
	st, err := state.Open(cfg.StatePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open system state")
	}
	reg := registry.NewStore()

	missionStore, err := reaper.NewFileMissionStore(cfg.MissionDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open mission store")
	}
	queue := reaper.NewMemoryQueue()
	bus := reaper.NewMemoryBus()
	catalog := reaper.Catalog(cfg.Reaper.Catalog)
	if len(catalog) == 0 {
		catalog = reaper.DefaultCatalog()
	}

	factories := buildFactories(cfg.Platforms, log)
	ov := overseer.New(st, reg, knowledge.NewStaticAdvisor(), factories, overseer.ReaperDeps{
		Queue:   queue,
		Bus:     bus,
		Store:   missionStore,
		Planner: reaper.NewRulePlanner(catalog),
	}, log)

	ctrl := controller.New(reg, controller.ClientResolver(ov.Client), cfg.Controller.Period.Std(), log)

	m := &Manager{
		State:      st,
		Registry:   reg,
		Overseer:   ov,
		Controller: ctrl,
		log:        log.WithName("manager"),
	}

	for _, ac := range cfg.Agents {
		factory, ok := factories[factoryKey(ac.Platform, ac.Instance)]
		if !ok {
			return nil, errors.Errorf("agent %s references unconfigured platform %s", ac.Name, ac.Platform)
		}
		m.agents = append(m.agents,
			agent.New(ac.Name, ac.Platform, ac.Instance, ac.Tier, ac.PollInterval(), factory, reg, log))
	}

	runner := agents.NewSSHRunner(cfg.Reaper.SSHUser, cfg.Reaper.SSHPassword)
	for _, osName := range cfg.Reaper.Workers {
		var exec agents.Executor
		switch osName {
		case "linux":
			exec = agents.NewLinuxExecutor(runner)
		case "windows":
			exec = agents.NewWindowsExecutor(runner)
		case "macos":
			exec = agents.NewMacOSExecutor(runner)
		default:
			return nil, errors.Errorf("no executor for os %q", osName)
		}
		m.workers = append(m.workers,
			agents.NewWorker(reaper.AgentTypeForOS(osName), queue, bus, exec, log))
	}
	return m, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails fatally. Loop components never fail fatally by contract;
// the group exists so shutdown is collective.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("starting components",
		"agents", len(m.agents), "workers", len(m.workers))

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range m.agents {
		a := a
		g.Go(func() error { return a.Run(ctx) })
	}
	g.Go(func() error { return m.Controller.Run(ctx) })
	for _, w := range m.workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}
	// The overseer runs last in the group but shuts down first in effect:
	// its Run performs the graceful engine stop and final state save when
	// the shared context ends.
	g.Go(func() error { return m.Overseer.Run(ctx) })

	err := g.Wait()
	m.log.Info("all components stopped")
	return err
}

func factoryKey(platformName, instance string) string {
	if instance == "" {
		return platformName
	}
	return platformName + "/" + instance
}

// buildFactories maps every configured platform instance to its lazy
// client constructor.
func buildFactories(p config.PlatformsConfig, log logr.Logger) map[string]platform.Factory {
	out := map[string]platform.Factory{}
	for inst, cfg := range p.VSphere {
		out[factoryKey("vsphere", inst)] = vsphere.NewFactory(cfg, log)
	}
	for inst, cfg := range p.Proxmox {
		out[factoryKey("proxmox", inst)] = proxmox.NewFactory(cfg, log)
	}
	for inst, cfg := range p.AWS {
		out[factoryKey("aws", inst)] = aws.NewFactory(cfg, log)
	}
	for inst, cfg := range p.Azure {
		out[factoryKey("azure", inst)] = azure.NewFactory(cfg, log)
	}
	return out
}
