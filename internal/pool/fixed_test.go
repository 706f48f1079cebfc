package pool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stagehand-dev/stagehand/pkg/models"
)

// fakeTaskRunner implements TaskRunner for tests.
type fakeTaskRunner struct {
	mu     sync.Mutex
	err    error
	output string
	calls  int
}

func (f *fakeTaskRunner) Run(_ context.Context, _ string, _ *models.TaskDefinition) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.output, f.err
}

func twoWorkerProfiles() []models.WorkerProfile {
	return []models.WorkerProfile{
		{WorkerID: "worker-a", CostPerUnitTime: 0.01, PerformanceTier: models.TierLow},
		{WorkerID: "worker-b", CostPerUnitTime: 0.05, PerformanceTier: models.TierHigh},
	}
}

func TestFixedPoolAcquireRelease(t *testing.T) {
	p := NewFixedPool(twoWorkerProfiles(), &fakeTaskRunner{})

	id1, ok := p.AvailableWorker()
	if !ok {
		t.Fatal("expected a worker")
	}
	id2, ok := p.AvailableWorker()
	if !ok {
		t.Fatal("expected a second worker")
	}
	if id1 == id2 {
		t.Fatalf("two acquires returned the same worker %s", id1)
	}

	if _, ok := p.AvailableWorker(); ok {
		t.Error("expected no third worker")
	}

	p.ReleaseWorker(id1)
	id3, ok := p.AvailableWorker()
	if !ok || id3 != id1 {
		t.Errorf("expected released worker %s back, got %s (ok=%v)", id1, id3, ok)
	}
}

func TestFixedPoolAcquireIsDeterministic(t *testing.T) {
	p := NewFixedPool(twoWorkerProfiles(), &fakeTaskRunner{})

	id, ok := p.AvailableWorker()
	if !ok || id != "worker-a" {
		t.Errorf("expected lowest id worker-a first, got %s", id)
	}
}

func TestFixedPoolConcurrentAcquireExclusivity(t *testing.T) {
	profiles := make([]models.WorkerProfile, 4)
	for i := range profiles {
		profiles[i] = models.WorkerProfile{WorkerID: string(rune('a' + i))}
	}
	p := NewFixedPool(profiles, &fakeTaskRunner{})

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id, ok := p.AvailableWorker(); ok {
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for id, n := range seen {
		if n != 1 {
			t.Errorf("worker %s handed out %d times without release", id, n)
		}
	}
	if len(seen) != 4 {
		t.Errorf("expected all 4 workers handed out exactly once, got %d", len(seen))
	}
}

func TestFixedPoolExecuteTask(t *testing.T) {
	runner := &fakeTaskRunner{output: "done"}
	p := NewFixedPool(twoWorkerProfiles(), runner)

	id, _ := p.AvailableWorker()
	res := p.ExecuteTask(context.Background(), id, "task-1", &models.TaskDefinition{ID: "task-1"})
	if !res.Success || res.Output != "done" {
		t.Errorf("unexpected result: %+v", res)
	}

	runner.err = errors.New("agent crashed")
	res = p.ExecuteTask(context.Background(), id, "task-2", &models.TaskDefinition{ID: "task-2"})
	if res.Success || res.Err == nil {
		t.Errorf("expected failure result, got %+v", res)
	}
}

func TestFixedPoolExecuteUnknownWorker(t *testing.T) {
	p := NewFixedPool(twoWorkerProfiles(), &fakeTaskRunner{})

	res := p.ExecuteTask(context.Background(), "ghost", "task-1", &models.TaskDefinition{})
	if !errors.Is(res.Err, ErrUnknownWorker) {
		t.Errorf("expected ErrUnknownWorker, got %v", res.Err)
	}
}

func TestFixedPoolUpdateUtilization(t *testing.T) {
	p := NewFixedPool(twoWorkerProfiles(), &fakeTaskRunner{})

	if err := p.UpdateUtilization("worker-a", 1.7); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	profiles := p.Profiles()
	if profiles[0].CurrentUtilization != 1.0 {
		t.Errorf("expected utilization clamped to 1.0, got %f", profiles[0].CurrentUtilization)
	}

	if err := p.UpdateUtilization("ghost", 0.5); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestFixedPoolMetrics(t *testing.T) {
	p := NewFixedPool(twoWorkerProfiles(), &fakeTaskRunner{})

	id, _ := p.AvailableWorker()
	p.Enqueue()

	m := p.Metrics()
	if m.CurrentWorkers != 2 || m.BusyWorkers != 1 || m.IdleWorkers != 1 {
		t.Errorf("unexpected counts: %+v", m)
	}
	if m.QueueLength != 1 {
		t.Errorf("expected queue length 1, got %d", m.QueueLength)
	}
	if m.DesiredWorkers != 2 {
		t.Errorf("fixed pool desired should equal current, got %d", m.DesiredWorkers)
	}

	p.Dequeue()
	p.ReleaseWorker(id)
	m = p.Metrics()
	if m.BusyWorkers != 0 || m.IdleWorkers != 2 || m.QueueLength != 0 {
		t.Errorf("unexpected counts after release: %+v", m)
	}
}
