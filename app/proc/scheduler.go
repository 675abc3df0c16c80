package proc

import (
	"context"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// SyncTaskName is the singleton schedule name for the periodic sync pass.
// Re-registering it replaces the previous schedule instead of stacking.
const SyncTaskName = "sync"

// Scheduler runs named periodic jobs on background goroutines. Names are
// singletons: scheduling an existing name cancels the previous task and
// replaces it, so repeated registrations never stack.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*scheduledTask
}

type scheduledTask struct {
	cancel  context.CancelFunc
	done    chan struct{}
	running int32 // guarded by Scheduler.mu
}

// NewScheduler makes an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{tasks: map[string]*scheduledTask{}}
}

// Schedule registers job to run every period, first run after one full
// period. A previous task with the same name is canceled first.
func (s *Scheduler) Schedule(name string, every time.Duration, job func(ctx context.Context)) {
	s.mu.Lock()
	if prev, ok := s.tasks[name]; ok {
		prev.cancel()
		log.Printf("[DEBUG] replaced schedule %q", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &scheduledTask{cancel: cancel, done: make(chan struct{})}
	s.tasks[name] = task
	s.mu.Unlock()

	log.Printf("[INFO] schedule %q every %v", name, every)

	go func() {
		defer close(task.done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				task.running++
				s.mu.Unlock()

				job(ctx)

				s.mu.Lock()
				task.running--
				s.mu.Unlock()
			}
		}
	}()
}

// Pending reports how many queued or running executions exist for the
// name: the recurring registration itself counts as one queued task.
// Diagnostic only.
func (s *Scheduler) Pending(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[name]
	if !ok {
		return 0
	}
	return 1 + int(task.running)
}

// Cancel stops and removes the named task, waiting for an in-flight run.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	if ok {
		task.cancel()
		<-task.done
	}
}

// Stop cancels all tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	tasks := make([]*scheduledTask, 0, len(s.tasks))
	for name, task := range s.tasks {
		tasks = append(tasks, task)
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	for _, task := range tasks {
		task.cancel()
		<-task.done
	}
}
