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

	"github.com/pkg/errors"

	"github.com/glassdome/glassdome/pkg/reaper"
)

// CreateReaperMission instantiates a mission engine bound to the shared
// Reaper queue, bus, store, and planner, starts its event loop, and records
// the handle. A duplicate mission id is an error.
func (o *Overseer) CreateReaperMission(ctx context.Context, missionID, labID, missionType string, targets []reaper.Target) error {
	if missionID == "" {
		return errors.New("mission id is required")
	}
	if !o.isAccepting() {
		return errors.New("overseer is shutting down")
	}

	o.engineMU.Lock()
	defer o.engineMU.Unlock()
	if _, ok := o.engines[missionID]; ok {
		return errors.Errorf("mission %s already exists", missionID)
	}
	if _, err := o.missions.Load(missionID); err == nil {
		return errors.Errorf("mission %s already exists", missionID)
	}

	engine := reaper.NewEngine(missionID, o.taskQueue, o.bus, o.missions, o.planner, o.log)
	if err := engine.StartMission(ctx, reaper.NewMission(missionID, labID, missionType, targets)); err != nil {
		return errors.Wrapf(err, "failed to start mission %s", missionID)
	}
	o.engines[missionID] = engine
	o.log.Info("reaper mission created", "mission", missionID, "lab", labID, "targets", len(targets))
	return nil
}

// CancelReaperMission stops the engine and marks the mission cancelled. A
// mission known only to the store (engine already gone) is cancelled there
// directly.
func (o *Overseer) CancelReaperMission(missionID string) error {
	o.engineMU.Lock()
	engine, ok := o.engines[missionID]
	o.engineMU.Unlock()
	if ok {
		return engine.Cancel()
	}

	m, err := o.missions.Load(missionID)
	if err != nil {
		return err
	}
	if m.Status.Terminal() {
		return nil
	}
	m.Status = reaper.MissionCancelled
	return o.missions.Save(m)
}

// ReaperMissionStatus projects the persisted state of one mission.
func (o *Overseer) ReaperMissionStatus(missionID string) (*reaper.MissionState, error) {
	return o.missions.Load(missionID)
}

// ListReaperMissions returns every persisted mission id.
func (o *Overseer) ListReaperMissions() ([]string, error) {
	return o.missions.ListMissions()
}
