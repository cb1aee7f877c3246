// Package scheduler picks the next runnable task and enforces
// timeslices, chaos-mode perturbation, and round-robin
// starvation relief (§4.5).
package scheduler

import (
	"math/rand"

	"github.com/google/btree"
)

// degree is the btree's branching factor; a small constant is fine
// since the runnable set is at most a few dozen tasks in practice.
const degree = 8

// Task is the subset of task state the scheduler needs to order and
// select runnable tasks, kept narrow so this package does not import
// internal/task.
type Task interface {
	ID() int32
	Priority() int32
	LastRunTime() uint64
	InRoundRobinQueue() bool
	SetInRoundRobinQueue(bool)
	CanMakeProgress() bool
}

// entry is the btree.Item ordering tasks by (priority, last-run-time,
// id), the tiebreak id keeping the ordering total so two tasks never
// collide in the set.
type entry struct {
	task Task
}

// Less implements btree.Item.
func (e entry) Less(than btree.Item) bool {
	o := than.(entry)
	if e.task.Priority() != o.task.Priority() {
		return e.task.Priority() < o.task.Priority()
	}
	if e.task.LastRunTime() != o.task.LastRunTime() {
		return e.task.LastRunTime() < o.task.LastRunTime()
	}
	return e.task.ID() < o.task.ID()
}

// Scheduler maintains the priority-ordered runnable set and the
// round-robin starvation-relief queue (§4.5).
type Scheduler struct {
	tree *btree.BTree

	// roundRobin holds tasks flagged InRoundRobinQueue, served in FIFO
	// order ahead of the priority set to relieve chaos-mode-induced
	// priority inversion.
	roundRobin []Task

	// MaxTicks bounds the tick budget armed per scheduled slice before
	// the current task is preempted back into the selection pool.
	MaxTicks uint64
	// ChaosMode, when enabled, occasionally forces a zero tick budget
	// to trigger more frequent task switches and surface scheduling
	// races.
	ChaosMode bool

	rng *rand.Rand
}

// New returns a Scheduler with the given default tick budget.
func New(maxTicks uint64, chaosMode bool, seed int64) *Scheduler {
	return &Scheduler{
		tree:     btree.New(degree),
		MaxTicks: maxTicks,
		ChaosMode: chaosMode,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// AddTask makes t eligible for selection.
func (s *Scheduler) AddTask(t Task) {
	s.tree.ReplaceOrInsert(entry{task: t})
}

// RemoveTask makes t no longer eligible for selection, called on task
// exit.
func (s *Scheduler) RemoveTask(t Task) {
	s.tree.Delete(entry{task: t})
}

// Enqueue moves t to the round-robin starvation-relief queue.
func (s *Scheduler) Enqueue(t Task) {
	if t.InRoundRobinQueue() {
		return
	}
	t.SetInRoundRobinQueue(true)
	s.roundRobin = append(s.roundRobin, t)
}

// SelectNext returns the next task to resume, per the selection rule
// (§4.5): the round-robin queue's head if nonempty, otherwise the
// lowest-priority (most-preferred) runnable task in the priority set
// whose pending state permits progress. Returns nil if nothing is
// runnable.
func (s *Scheduler) SelectNext() Task {
	for len(s.roundRobin) > 0 {
		t := s.roundRobin[0]
		s.roundRobin = s.roundRobin[1:]
		t.SetInRoundRobinQueue(false)
		if t.CanMakeProgress() {
			return t
		}
	}

	var selected Task
	s.tree.Ascend(func(item btree.Item) bool {
		t := item.(entry).task
		if !t.CanMakeProgress() {
			return true // keep scanning
		}
		selected = t
		return false
	})
	return selected
}

// TickBudget returns the tick budget to arm before resuming t. In
// chaos mode this is occasionally zero, forcing an early preemption
// back into the selection pool to perturb scheduling order.
func (s *Scheduler) TickBudget() uint64 {
	if s.ChaosMode && s.rng.Intn(10) == 0 {
		return 0
	}
	return s.MaxTicks
}

// Reschedule updates t's position after it has run (its last-run-time
// advanced). Entries read their ordering key from the live task, so
// once t's key has changed its old entry can no longer be found by
// key; the set is rebuilt from every other entry plus t at its new
// position so the btree's ordering invariant holds.
func (s *Scheduler) Reschedule(t Task) {
	var others []btree.Item
	s.tree.Ascend(func(item btree.Item) bool {
		if item.(entry).task != t {
			others = append(others, item)
		}
		return true
	})
	s.tree = btree.New(degree)
	for _, item := range others {
		s.tree.ReplaceOrInsert(item)
	}
	s.tree.ReplaceOrInsert(entry{task: t})
}

// Len returns the number of tasks currently in the priority set.
func (s *Scheduler) Len() int { return s.tree.Len() }
