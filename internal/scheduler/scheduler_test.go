package scheduler

import "testing"

type fakeTask struct {
	id          int32
	priority    int32
	lastRun     uint64
	inRR        bool
	canProgress bool
}

func (f *fakeTask) ID() int32                { return f.id }
func (f *fakeTask) Priority() int32          { return f.priority }
func (f *fakeTask) LastRunTime() uint64      { return f.lastRun }
func (f *fakeTask) InRoundRobinQueue() bool  { return f.inRR }
func (f *fakeTask) SetInRoundRobinQueue(v bool) { f.inRR = v }
func (f *fakeTask) CanMakeProgress() bool    { return f.canProgress }

func TestSelectNextPrefersRoundRobinQueue(t *testing.T) {
	s := New(1000, false, 1)
	low := &fakeTask{id: 1, priority: 0, canProgress: true}
	rr := &fakeTask{id: 2, priority: 5, canProgress: true}
	s.AddTask(low)
	s.AddTask(rr)
	s.Enqueue(rr)

	got := s.SelectNext()
	if got != Task(rr) {
		t.Fatalf("expected round-robin-queued task to be selected first, got %+v", got)
	}
	if rr.InRoundRobinQueue() {
		t.Fatalf("expected round-robin flag cleared once dequeued")
	}
}

func TestSelectNextPicksLowestPriorityRunnable(t *testing.T) {
	s := New(1000, false, 1)
	blocked := &fakeTask{id: 1, priority: 0, canProgress: false}
	runnable := &fakeTask{id: 2, priority: 1, canProgress: true}
	s.AddTask(blocked)
	s.AddTask(runnable)

	got := s.SelectNext()
	if got != Task(runnable) {
		t.Fatalf("expected the lowest-priority runnable task, got %+v", got)
	}
}

func TestRescheduleRotatesSamePriorityTasks(t *testing.T) {
	s := New(1000, false, 1)
	a := &fakeTask{id: 1, priority: 0, canProgress: true}
	b := &fakeTask{id: 2, priority: 0, canProgress: true}
	s.AddTask(a)
	s.AddTask(b)

	got := s.SelectNext()
	if got != Task(a) {
		t.Fatalf("expected lowest-id same-priority task first, got %+v", got)
	}

	a.lastRun = 1
	s.Reschedule(a)

	got = s.SelectNext()
	if got != Task(b) {
		t.Fatalf("expected b to rotate ahead of a after a's last-run-time advanced, got %+v", got)
	}
}

func TestSelectNextReturnsNilWhenNothingRunnable(t *testing.T) {
	s := New(1000, false, 1)
	s.AddTask(&fakeTask{id: 1, priority: 0, canProgress: false})

	if got := s.SelectNext(); got != nil {
		t.Fatalf("expected nil when no task can make progress, got %+v", got)
	}
}
