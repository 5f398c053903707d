package engine

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BranchTask asks a worker to advance one branch token of an instance.
type BranchTask struct {
	InstanceID string `json:"instance_id"`
	Branch     string `json:"branch"`
}

// BranchRunner advances branch tokens. *Engine implements it.
type BranchRunner interface {
	RunBranch(ctx context.Context, task BranchTask) error
}

// Dispatcher hands branch tasks to whatever runs them. Tasks may be delivered more
// than once; running a task whose token is gone is a no-op.
type Dispatcher interface {
	Dispatch(ctx context.Context, tasks ...BranchTask) error
}

// LocalDispatcher runs every task on its own goroutine in this process.
type LocalDispatcher struct {
	mu     sync.RWMutex
	runner BranchRunner
	group  errgroup.Group
}

func NewLocalDispatcher() *LocalDispatcher {
	return &LocalDispatcher{}
}

// Bind sets the runner. The engine binds itself when it is given a LocalDispatcher.
func (d *LocalDispatcher) Bind(runner BranchRunner) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.runner = runner
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, tasks ...BranchTask) error {
	d.mu.RLock()
	runner := d.runner
	d.mu.RUnlock()

	ctx = context.WithoutCancel(ctx)

	for _, task := range tasks {
		d.group.Go(func() error {
			return runner.RunBranch(ctx, task)
		})
	}

	return nil
}

// Wait blocks until every dispatched task, including tasks dispatched by them, finished.
// It returns the first error any task returned.
func (d *LocalDispatcher) Wait() error {
	return d.group.Wait()
}

// RecordingDispatcher keeps tasks until the caller runs them.
type RecordingDispatcher struct {
	mu    sync.Mutex
	tasks []BranchTask
}

func (d *RecordingDispatcher) Dispatch(_ context.Context, tasks ...BranchTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tasks = append(d.tasks, tasks...)

	return nil
}

// Tasks returns the tasks dispatched and not yet taken.
func (d *RecordingDispatcher) Tasks() []BranchTask {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Clone(d.tasks)
}

// Take removes and returns the pending tasks.
func (d *RecordingDispatcher) Take() []BranchTask {
	d.mu.Lock()
	defer d.mu.Unlock()

	tasks := d.tasks
	d.tasks = nil

	return tasks
}

// Drain runs pending tasks, and the tasks they dispatch, until none are left.
func (d *RecordingDispatcher) Drain(ctx context.Context, runner BranchRunner) error {
	for {
		tasks := d.Take()
		if len(tasks) == 0 {
			return nil
		}

		for _, task := range tasks {
			if err := runner.RunBranch(ctx, task); err != nil {
				return err
			}
		}
	}
}
