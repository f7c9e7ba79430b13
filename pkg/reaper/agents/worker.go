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

// Package agents implements the long-running OS workers that execute reaper
// tasks against guest VMs and emit exactly one result event per task.
package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/glassdome/glassdome/pkg/reaper"
)

// tailBytes is how much captured stdout/stderr survives into the result.
const tailBytes = 500

// StepResult is what an executor step returns on success.
type StepResult struct {
	Data   map[string]any
	Stdout string
	Stderr string
}

// Executor implements the four verbs for one OS family. Implementations
// classify their own failures via reaper error codes wrapped in StepError.
type Executor interface {
	Discover(ctx context.Context, task reaper.Task) (StepResult, error)
	Baseline(ctx context.Context, task reaper.Task) (StepResult, error)
	InjectVuln(ctx context.Context, task reaper.Task) (StepResult, error)
	VerifyVuln(ctx context.Context, task reaper.Task) (StepResult, error)
}

// StepError carries the error code and retriability for a failed step.
type StepError struct {
	Code      string
	Retriable bool
	Stdout    string
	Stderr    string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Worker consumes one task-queue partition and runs its executor. A worker
// never crashes on a bad task; every failure becomes an error event.
type Worker struct {
	agentType string
	queue     reaper.TaskQueue
	bus       reaper.EventBus
	exec      Executor
	log       logr.Logger
}

// NewWorker binds an executor to its queue partition.
func NewWorker(agentType string, queue reaper.TaskQueue, bus reaper.EventBus, exec Executor, log logr.Logger) *Worker {
	return &Worker{
		agentType: agentType,
		queue:     queue,
		bus:       bus,
		exec:      exec,
		log:       log.WithName(agentType),
	}
}

// Run consumes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	tasks := w.queue.Consume(w.agentType)
	w.log.Info("worker starting")
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping")
			return nil
		case task := <-tasks:
			w.Handle(ctx, task)
		}
	}
}

// Handle executes one task and publishes exactly one result event.
func (w *Worker) Handle(ctx context.Context, task reaper.Task) {
	ev := reaper.ResultEvent{
		TaskID:    task.ID,
		MissionID: task.MissionID,
		HostID:    task.HostID,
		AgentType: w.agentType,
		Action:    task.Action,
		Timestamp: time.Now().UTC(),
	}

	defer func() {
		if r := recover(); r != nil {
			ev.Status = reaper.StatusError
			ev.Code = reaper.CodeAgentException
			ev.Retriable = true
			ev.Summary = fmt.Sprintf("worker panic: %v", r)
			w.publish(ev)
		}
	}()

	res, err := w.dispatch(ctx, task)
	ev.Timestamp = time.Now().UTC()
	if err != nil {
		ev.Status = reaper.StatusError
		ev.Summary = err.Error()
		if step, ok := err.(*StepError); ok {
			ev.Code = step.Code
			ev.Retriable = step.Retriable
			ev.Stdout = tail(step.Stdout)
			ev.Stderr = tail(step.Stderr)
		} else {
			ev.Code = reaper.CodeAgentException
			ev.Retriable = true
		}
		w.publish(ev)
		return
	}

	ev.Status = reaper.StatusSuccess
	ev.Data = res.Data
	ev.Stdout = tail(res.Stdout)
	ev.Stderr = tail(res.Stderr)
	ev.Summary = fmt.Sprintf("%s ok", task.Action)
	w.publish(ev)
}

func (w *Worker) dispatch(ctx context.Context, task reaper.Task) (StepResult, error) {
	if _, ok := task.Params["ip_address"].(string); !ok {
		return StepResult{}, &StepError{
			Code:      reaper.CodeMissingParam,
			Retriable: false,
			Err:       fmt.Errorf("task %s is missing ip_address", task.ID),
		}
	}
	switch reaper.ActionVerb(task.Action) {
	case reaper.VerbDiscover:
		return w.exec.Discover(ctx, task)
	case reaper.VerbBaseline:
		return w.exec.Baseline(ctx, task)
	case reaper.VerbInjectVuln:
		return w.exec.InjectVuln(ctx, task)
	case reaper.VerbVerifyVuln:
		return w.exec.VerifyVuln(ctx, task)
	default:
		return StepResult{}, &StepError{
			Code:      reaper.CodeUnknownAction,
			Retriable: false,
			Err:       fmt.Errorf("unknown action %q", task.Action),
		}
	}
}

func (w *Worker) publish(ev reaper.ResultEvent) {
	if err := w.bus.PublishResult(ev); err != nil {
		w.log.Error(err, "failed to publish result", "task", ev.TaskID)
	}
}

// tail truncates to the last tailBytes bytes.
func tail(s string) string {
	if len(s) <= tailBytes {
		return s
	}
	return s[len(s)-tailBytes:]
}
