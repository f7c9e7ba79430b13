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
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// lastTasksRing bounds the per-host task history.
const lastTasksRing = 10

// Engine is the per-mission controller: it schedules planner output,
// reduces inbound results into mission state, and decides when the mission
// is done. One engine exclusively owns its mission's record in the store.
type Engine struct {
	missionID string
	queue     TaskQueue
	bus       EventBus
	store     MissionStore
	planner   MissionPlanner
	log       logr.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine wires an engine to the shared queue, bus, store, and planner.
func NewEngine(missionID string, queue TaskQueue, bus EventBus, store MissionStore, planner MissionPlanner, log logr.Logger) *Engine {
	return &Engine{
		missionID: missionID,
		queue:     queue,
		bus:       bus,
		store:     store,
		planner:   planner,
		log:       log.WithName("mission").WithValues("mission", missionID),
	}
}

// MissionID returns the engine's mission id.
func (e *Engine) MissionID() string { return e.missionID }

// StartMission persists the initial state as running, schedules the
// planner's initial tasks, and starts the background event loop.
func (e *Engine) StartMission(ctx context.Context, initial *MissionState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.Errorf("mission %s already running", e.missionID)
	}

	m := initial.DeepCopy()
	m.Status = MissionRunning
	m.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(m); err != nil {
		return errors.Wrap(err, "failed to persist initial mission state")
	}

	if err := e.scheduleLocked(m, e.planner.InitialTasks(m)); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	go e.eventLoop(loopCtx)
	e.log.Info("mission started", "hosts", len(m.Hosts), "pending", len(m.PendingTasks))
	return nil
}

// Stop clears the running flag and cancels the background subscription. It
// does not change the persisted mission status.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	done := e.done
	e.mu.Unlock()
	<-done
}

// Cancel stops the engine and marks the mission cancelled in the store.
func (e *Engine) Cancel() error {
	e.Stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.store.Load(e.missionID)
	if err != nil {
		return err
	}
	if m.Status.Terminal() {
		return nil
	}
	m.Status = MissionCancelled
	m.UpdatedAt = time.Now().UTC()
	e.log.Info("mission cancelled")
	return e.store.Save(m)
}

// Status returns the current persisted mission state.
func (e *Engine) Status() (*MissionState, error) {
	return e.store.Load(e.missionID)
}

func (e *Engine) eventLoop(ctx context.Context) {
	defer close(e.done)
	results := e.bus.SubscribeResults(e.missionID)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-results:
			e.ProcessResult(ev)
		}
	}
}

// ProcessResult is the single reduction step invoked for every inbound
// result event. Reprocessing an already-seen task id is a no-op beyond the
// timestamp update.
func (e *Engine) ProcessResult(event ResultEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.Load(e.missionID)
	if err != nil {
		e.log.Error(err, "dropping result for unloadable mission", "task", event.TaskID)
		return
	}
	if m.Status.Terminal() {
		e.log.V(4).Info("ignoring result for terminal mission", "task", event.TaskID)
		return
	}
	if containsString(m.CompletedTasks, event.TaskID) || containsString(m.FailedTasks, event.TaskID) {
		e.log.V(4).Info("ignoring duplicate result", "task", event.TaskID)
		return
	}

	e.applyToHost(m, event)

	// Set-style move from pending: removing an absent id is a no-op and
	// the destination lists never take duplicates, which is what makes
	// reprocessing an event safe.
	removeString(&m.PendingTasks, event.TaskID)
	switch event.Status {
	case StatusError:
		appendUnique(&m.FailedTasks, event.TaskID)
	default:
		// success and partial both count as completed work.
		appendUnique(&m.CompletedTasks, event.TaskID)
	}

	if !event.Timestamp.IsZero() {
		m.UpdatedAt = event.Timestamp
	} else {
		m.UpdatedAt = time.Now().UTC()
	}
	if err := e.store.Save(m); err != nil {
		e.log.Error(err, "failed to persist mission state", "task", event.TaskID)
		return
	}

	if e.finishIfTerminalLocked(m) {
		return
	}

	tasks := e.planner.NextTasks(m, event)
	if len(tasks) > 0 {
		if err := e.scheduleLocked(m, tasks); err != nil {
			e.log.Error(err, "failed to schedule follow-up tasks")
		}
	}
}

func (e *Engine) applyToHost(m *MissionState, event ResultEvent) {
	host, ok := m.Hosts[event.HostID]
	if !ok {
		e.log.V(4).Info("result for unknown host", "host", event.HostID, "task", event.TaskID)
		return
	}
	host.LastTasks = append(host.LastTasks, event.TaskID)
	if len(host.LastTasks) > lastTasksRing {
		host.LastTasks = host.LastTasks[len(host.LastTasks)-lastTasksRing:]
	}

	switch event.Status {
	case StatusSuccess:
		host.LastStatus = HostHealthy
		host.FailureCount = 0
		if host.Facts == nil {
			host.Facts = map[string]any{}
		}
		for k, v := range event.Data {
			host.Facts[k] = v
		}
		verb := ActionVerb(event.Action)
		if verb == VerbInjectVuln || verb == VerbBaseline {
			for _, name := range stringsFrom(event.Data["vulnerabilities_injected"]) {
				appendUnique(&host.VulnerabilitiesInjected, name)
			}
		}
	case StatusError:
		host.LastStatus = HostDegraded
		host.FailureCount++
		if host.FailureCount >= host.MaxFailures {
			host.Locked = true
			e.log.Info("host locked after repeated failures", "host", host.HostID, "failures", host.FailureCount)
		}
	case StatusPartial:
		host.LastStatus = HostDegraded
	}
}

// finishIfTerminalLocked checks the terminal condition: nothing pending and
// every unlocked host successfully injected (vacuously true when every host
// is locked). A terminal mission where no host received any injection at
// all is failed rather than completed. Returns true when the mission was
// finished.
func (e *Engine) finishIfTerminalLocked(m *MissionState) bool {
	if len(m.PendingTasks) != 0 {
		return false
	}
	progressed := false
	for _, h := range m.Hosts {
		if !h.Locked && len(h.VulnerabilitiesInjected) == 0 {
			return false
		}
		if len(h.VulnerabilitiesInjected) > 0 {
			progressed = true
		}
	}
	if progressed || len(m.Hosts) == 0 {
		m.Status = MissionCompleted
	} else {
		m.Status = MissionFailed
	}
	m.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(m); err != nil {
		e.log.Error(err, "failed to persist terminal mission")
	}
	e.log.Info("mission finished", "status", string(m.Status),
		"completed_tasks", len(m.CompletedTasks), "failed_tasks", len(m.FailedTasks))
	e.stopAsync()
	return true
}

// scheduleLocked implements fire-and-forget scheduling: append to pending,
// publish, stamp, persist, one task at a time.
func (e *Engine) scheduleLocked(m *MissionState, tasks []Task) error {
	for _, task := range tasks {
		m.PendingTasks = append(m.PendingTasks, task.ID)
		if err := e.queue.Publish(task); err != nil {
			return errors.Wrapf(err, "failed to publish task %s", task.ID)
		}
		m.UpdatedAt = time.Now().UTC()
		if err := e.store.Save(m); err != nil {
			return errors.Wrapf(err, "failed to persist mission after scheduling %s", task.ID)
		}
		e.log.V(4).Info("scheduled task", "task", task.ID, "host", task.HostID, "action", task.Action)
	}
	return nil
}

// stopAsync cancels the event loop without waiting; called from within
// ProcessResult where waiting on the loop would deadlock.
func (e *Engine) stopAsync() {
	if e.running {
		e.running = false
		e.cancel()
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list *[]string, s string) bool {
	for i, v := range *list {
		if v == s {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

func appendUnique(list *[]string, s string) {
	for _, v := range *list {
		if v == s {
			return
		}
	}
	*list = append(*list, s)
}

func stringsFrom(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		var out []string
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
