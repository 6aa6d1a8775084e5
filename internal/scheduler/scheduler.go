// Package scheduler implements the producer/consumer pipeline and the
// bounded worker pool that drives Task Executor attempts to completion,
// applying the retry-class outcome policy after each one.
package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"flavorsched/internal/executor"
	"flavorsched/internal/logging"
	"flavorsched/internal/model"
	"flavorsched/internal/patch"
	"flavorsched/internal/queue"
	"flavorsched/internal/store"
)

const (
	tickPeriod       = 1 * time.Second
	idleDrainTimeout = 10 * time.Second
)

// Scheduler owns the producer, consumer, and worker-pool lifecycle.
type Scheduler struct {
	store        *store.Store
	queue        *queue.Queue
	taskListPath string
	maxThreads   int
	deps         executor.Deps
	log          *logging.Logger

	wg       sync.WaitGroup
	workerMu sync.Mutex
	active   int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Scheduler. taskListPath is the Task Store's backing
// file; its ".patch" sibling is polled by the producer every tick.
func New(s *store.Store, taskListPath string, maxThreads int, deps executor.Deps) *Scheduler {
	return &Scheduler{
		store:        s,
		queue:        queue.New(),
		taskListPath: taskListPath,
		maxThreads:   maxThreads,
		deps:         deps,
		log:          logging.Get(logging.CategoryScheduler),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Run starts the producer and consumer loops and blocks until the queue
// and worker set both drain (the documented termination condition) or
// ctx is canceled. Stop can be called concurrently to request an early
// exit.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer s.logPanic("producer")
		s.runProducer(gctx)
		return nil
	})
	g.Go(func() error {
		defer s.logPanic("consumer")
		s.runConsumer(gctx)
		return nil
	})

	err := g.Wait()
	s.wg.Wait() // drain any still-running executor workers
	close(s.doneCh)
	if err != nil {
		return err
	}
	return ctx.Err()
}

// logPanic logs a panic that is ending the producer or consumer loop and
// re-raises it; the loop is not restarted.
func (s *Scheduler) logPanic(loop string) {
	if r := recover(); r != nil {
		s.log.Error("%s loop died: %v", loop, r)
		panic(r)
	}
}

// Stop requests the producer and consumer loops to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// runProducer polls every tick, unconditionally, per the correctness
// path. It also holds a best-effort fsnotify watch on the patch file's
// directory purely as a wake-up optimization: a matching filesystem
// event just wakes the ticker early via wake. A watcher that fails to
// start (inotify limits, unsupported filesystem, ...) degrades silently
// to pure polling; observable behavior is unchanged either way.
func (s *Scheduler) runProducer(ctx context.Context) {
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	wake := s.watchPatchFile()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-wake:
		case <-ticker.C:
		}
		if _, err := patch.Apply(s.store, s.taskListPath); err != nil {
			s.log.Error("patch intake failed: %v", err)
		}
		if _, err := s.store.Audit(s.queue); err != nil {
			s.log.Error("store audit failed: %v", err)
		}
	}
}

// watchPatchFile returns a channel that receives a value whenever the
// patch file's directory reports a write or create event. The returned
// channel is never closed; the watcher goroutine exits with s.stopCh.
// On any setup failure it returns a channel that never fires.
func (s *Scheduler) watchPatchFile() <-chan struct{} {
	wake := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("fsnotify unavailable, falling back to pure polling: %v", err)
		return wake
	}

	dir := filepath.Dir(patch.Path(s.taskListPath))
	if err := watcher.Add(dir); err != nil {
		s.log.Warn("could not watch %s, falling back to pure polling: %v", dir, err)
		watcher.Close()
		return wake
	}

	patchName := filepath.Base(patch.Path(s.taskListPath))
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-s.stopCh:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != patchName || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return wake
}

func (s *Scheduler) runConsumer(ctx context.Context) {
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	var idleSince *time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatch(ctx)

			if s.queue.Len() == 0 && s.activeCount() == 0 {
				if idleSince == nil {
					now := time.Now()
					idleSince = &now
					continue
				}
				if time.Since(*idleSince) >= idleDrainTimeout {
					s.log.Info("queue and worker set both empty for %s, terminating", idleDrainTimeout)
					s.Stop()
					return
				}
			} else {
				idleSince = nil
			}
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	for s.activeCount() < s.maxThreads {
		flavor, ok := s.queue.PopFront()
		if !ok {
			return
		}
		s.spawnWorker(ctx, flavor)
	}
}

func (s *Scheduler) activeCount() int {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	return s.active
}

func (s *Scheduler) spawnWorker(ctx context.Context, flavor string) {
	s.workerMu.Lock()
	s.active++
	s.workerMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.workerMu.Lock()
			s.active--
			s.workerMu.Unlock()
		}()
		s.runAttempt(ctx, flavor)
	}()
}

// runAttempt drives one executor attempt for flavor and applies the
// outcome policy (§4.7): resource/testcase retry classes each draw on
// their own budget, anything else finalizes the task as FINISHED.
func (s *Scheduler) runAttempt(ctx context.Context, flavor string) {
	if err := s.store.MarkRunning(flavor); err != nil {
		s.log.Error("could not mark %s RUNNING: %v", flavor, err)
		return
	}

	attemptID := uuid.NewString()
	result := executor.Execute(ctx, flavor, s.deps)
	s.log.Attempt(attemptID, flavor, result.Code, result.Symbolic, result.TimeStop.Sub(result.TimeStart))

	fields := model.AttemptFields{
		Status:     model.StatusFinished,
		ReturnCode: result.Code,
		StatusCode: result.Symbolic,
		TimeStart:  result.TimeStart.Format(time.RFC3339),
		TimeStop:   result.TimeStop.Format(time.RFC3339),
		TimeUsed:   result.TimeStop.Sub(result.TimeStart).Seconds(),
		TestLog:    result.LogPath,
		Zone:       result.Zone,
		Sandbox:    result.Sandbox,
	}

	class, retryable := executor.RetryClass(result.Code)
	if err := s.store.Update(attemptID, flavor, fields, retryable, class); err != nil {
		s.log.Error("outcome update failed for %s: %v", flavor, err)
	}
}
