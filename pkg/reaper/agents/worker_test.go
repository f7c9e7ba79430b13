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

package agents

import (
	"context"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"

	"github.com/glassdome/glassdome/pkg/reaper"
)

// stubExecutor returns canned results and can panic on demand.
type stubExecutor struct {
	result StepResult
	err    error
	panics bool
	calls  []string
}

func (s *stubExecutor) step(name string) (StepResult, error) {
	s.calls = append(s.calls, name)
	if s.panics {
		panic("executor blew up")
	}
	return s.result, s.err
}

func (s *stubExecutor) Discover(_ context.Context, _ reaper.Task) (StepResult, error) {
	return s.step("discover")
}

func (s *stubExecutor) Baseline(_ context.Context, _ reaper.Task) (StepResult, error) {
	return s.step("baseline")
}

func (s *stubExecutor) InjectVuln(_ context.Context, _ reaper.Task) (StepResult, error) {
	return s.step("inject_vuln")
}

func (s *stubExecutor) VerifyVuln(_ context.Context, _ reaper.Task) (StepResult, error) {
	return s.step("verify_vuln")
}

func workerHarness(exec Executor) (*Worker, *reaper.MemoryBus) {
	queue := reaper.NewMemoryQueue()
	bus := reaper.NewMemoryBus()
	return NewWorker(reaper.AgentLinux, queue, bus, exec, logr.Discard()), bus
}

func task(action string, params map[string]any) reaper.Task {
	return reaper.Task{
		ID:        "t1",
		MissionID: "m1",
		HostID:    "h1",
		AgentType: reaper.AgentLinux,
		Action:    action,
		Params:    params,
	}
}

func receiveOne(g *WithT, bus *reaper.MemoryBus) reaper.ResultEvent {
	var ev reaper.ResultEvent
	g.Expect(bus.SubscribeResults("m1")).To(Receive(&ev))
	g.Expect(bus.PendingCount("m1")).To(BeZero(), "exactly one event per task")
	return ev
}

func TestHandleSuccess(t *testing.T) {
	g := NewWithT(t)
	exec := &stubExecutor{result: StepResult{
		Data:   map[string]any{"hostname": "web01"},
		Stdout: "ok\n",
	}}
	w, bus := workerHarness(exec)

	w.Handle(context.Background(), task("linux.discover", map[string]any{"ip_address": "10.0.0.5"}))

	ev := receiveOne(g, bus)
	g.Expect(ev.Status).To(Equal(reaper.StatusSuccess))
	g.Expect(ev.TaskID).To(Equal("t1"))
	g.Expect(ev.Data).To(HaveKeyWithValue("hostname", "web01"))
	g.Expect(exec.calls).To(Equal([]string{"discover"}))
}

func TestHandleUnknownAction(t *testing.T) {
	g := NewWithT(t)
	exec := &stubExecutor{}
	w, bus := workerHarness(exec)

	w.Handle(context.Background(), task("linux.selfdestruct", map[string]any{"ip_address": "10.0.0.5"}))

	ev := receiveOne(g, bus)
	g.Expect(ev.Status).To(Equal(reaper.StatusError))
	g.Expect(ev.Code).To(Equal(reaper.CodeUnknownAction))
	g.Expect(ev.Retriable).To(BeFalse())
	g.Expect(exec.calls).To(BeEmpty())
}

func TestHandleMissingIP(t *testing.T) {
	g := NewWithT(t)
	exec := &stubExecutor{}
	w, bus := workerHarness(exec)

	w.Handle(context.Background(), task("linux.discover", nil))

	ev := receiveOne(g, bus)
	g.Expect(ev.Status).To(Equal(reaper.StatusError))
	g.Expect(ev.Code).To(Equal(reaper.CodeMissingParam))
	g.Expect(ev.Retriable).To(BeFalse())
	g.Expect(exec.calls).To(BeEmpty())
}

func TestHandleStepError(t *testing.T) {
	g := NewWithT(t)
	exec := &stubExecutor{err: &StepError{
		Code:      reaper.CodeInjectionFailed,
		Retriable: true,
		Stderr:    "playbook exploded",
		Err:       context.DeadlineExceeded,
	}}
	w, bus := workerHarness(exec)

	w.Handle(context.Background(), task("linux.inject_vuln", map[string]any{"ip_address": "10.0.0.5"}))

	ev := receiveOne(g, bus)
	g.Expect(ev.Status).To(Equal(reaper.StatusError))
	g.Expect(ev.Code).To(Equal(reaper.CodeInjectionFailed))
	g.Expect(ev.Retriable).To(BeTrue())
	g.Expect(ev.Stderr).To(Equal("playbook exploded"))
}

func TestHandlePanicBecomesEvent(t *testing.T) {
	g := NewWithT(t)
	exec := &stubExecutor{panics: true}
	w, bus := workerHarness(exec)

	w.Handle(context.Background(), task("linux.discover", map[string]any{"ip_address": "10.0.0.5"}))

	ev := receiveOne(g, bus)
	g.Expect(ev.Status).To(Equal(reaper.StatusError))
	g.Expect(ev.Code).To(Equal(reaper.CodeAgentException))
	g.Expect(ev.Retriable).To(BeTrue())
	g.Expect(ev.Summary).To(ContainSubstring("executor blew up"))
}

func TestOutputTailTruncation(t *testing.T) {
	g := NewWithT(t)
	long := strings.Repeat("a", 600) + "TAIL"
	exec := &stubExecutor{result: StepResult{Stdout: long}}
	w, bus := workerHarness(exec)

	w.Handle(context.Background(), task("linux.discover", map[string]any{"ip_address": "10.0.0.5"}))

	ev := receiveOne(g, bus)
	g.Expect(ev.Stdout).To(HaveLen(tailBytes))
	g.Expect(strings.HasSuffix(ev.Stdout, "TAIL")).To(BeTrue())
}
