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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// partitionBuffer is the channel depth of one queue or bus partition. The
// planner is bounded by mission size, so depth is an operator gauge rather
// than a correctness concern.
const partitionBuffer = 256

var (
	metricQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "glassdome_reaper_queue_depth",
		Help: "Tasks waiting per agent-type partition.",
	}, []string{"agent_type"})
	metricPendingResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "glassdome_reaper_pending_results",
		Help: "Results waiting per mission partition.",
	}, []string{"mission_id"})
)

// TaskQueue fans tasks out to per-agent-type partitions. Partition order is
// FIFO; there is no cross-partition ordering.
type TaskQueue interface {
	Publish(task Task) error
	Consume(agentType string) <-chan Task
	QueueDepth(agentType string) int
}

// EventBus fans results in to per-mission partitions.
type EventBus interface {
	PublishResult(event ResultEvent) error
	SubscribeResults(missionID string) <-chan ResultEvent
	PendingCount(missionID string) int
}

// MemoryQueue is the in-process TaskQueue. Swapping in an external broker
// means implementing the same interface; call sites do not change.
type MemoryQueue struct {
	mu         sync.Mutex
	partitions map[string]chan Task
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{partitions: map[string]chan Task{}}
}

func (q *MemoryQueue) partition(agentType string) chan Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.partitions[agentType]
	if !ok {
		ch = make(chan Task, partitionBuffer)
		q.partitions[agentType] = ch
	}
	return ch
}

// Publish enqueues to the partition named by task.AgentType.
func (q *MemoryQueue) Publish(task Task) error {
	ch := q.partition(task.AgentType)
	ch <- task
	metricQueueDepth.WithLabelValues(task.AgentType).Set(float64(len(ch)))
	return nil
}

// Consume returns the receive side of one partition.
func (q *MemoryQueue) Consume(agentType string) <-chan Task {
	return q.partition(agentType)
}

// QueueDepth reports tasks currently waiting in a partition.
func (q *MemoryQueue) QueueDepth(agentType string) int {
	depth := len(q.partition(agentType))
	metricQueueDepth.WithLabelValues(agentType).Set(float64(depth))
	return depth
}

// MemoryBus is the in-process EventBus.
type MemoryBus struct {
	mu         sync.Mutex
	partitions map[string]chan ResultEvent
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{partitions: map[string]chan ResultEvent{}}
}

func (b *MemoryBus) partition(missionID string) chan ResultEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.partitions[missionID]
	if !ok {
		ch = make(chan ResultEvent, partitionBuffer)
		b.partitions[missionID] = ch
	}
	return ch
}

// PublishResult enqueues to the partition named by event.MissionID.
func (b *MemoryBus) PublishResult(event ResultEvent) error {
	ch := b.partition(event.MissionID)
	ch <- event
	metricPendingResults.WithLabelValues(event.MissionID).Set(float64(len(ch)))
	return nil
}

// SubscribeResults returns the receive side of one mission partition.
func (b *MemoryBus) SubscribeResults(missionID string) <-chan ResultEvent {
	return b.partition(missionID)
}

// PendingCount reports results currently waiting for a mission.
func (b *MemoryBus) PendingCount(missionID string) int {
	depth := len(b.partition(missionID))
	metricPendingResults.WithLabelValues(missionID).Set(float64(depth))
	return depth
}
