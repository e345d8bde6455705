// Package service contains the download manager: the orchestrator that
// owns the task table, drives each task through its state machine and
// persists every transition.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kafuneri/Openlist-Ani/internal/core"
	"github.com/kafuneri/Openlist-Ani/internal/downloader"
	"github.com/kafuneri/Openlist-Ani/internal/worker"
)

// Persister stores the task table between restarts.
type Persister interface {
	Save(tasks map[string]*core.Task) error
	Load() (map[string]*core.Task, error)
}

// Callback observes a finished task. It receives a clone, so it may keep
// or mutate it freely.
type Callback func(task *core.Task)

// workflow orders the non-terminal states. A handler's Done verdict
// advances along it.
var workflow = map[core.State]core.State{
	core.StatePending:      core.StateDownloading,
	core.StateDownloading:  core.StateTransferring,
	core.StateTransferring: core.StateCleaningUp,
	core.StateCleaningUp:   core.StateCompleted,
}

type ManagerOptions struct {
	Downloader downloader.Downloader
	State      Persister
	SavePath   string

	// Zero values fall back to defaults, except MaxRetries: zero means
	// no retries, and a negative value means the default.
	MaxConcurrent int
	MaxRetries    int
	RetryDelay    time.Duration

	Logger *zap.Logger
}

// DownloadManager runs download tasks with bounded concurrency. Each
// task is driven by exactly one goroutine; the manager serializes access
// to the shared table and writes the state file after every transition.
type DownloadManager struct {
	dl       downloader.Downloader
	state    Persister
	savePath string

	maxRetries int
	retryDelay time.Duration
	permits    *worker.Pool
	log        *zap.Logger

	// tasks holds a clone of every active task, refreshed by the owning
	// goroutine at each transition. The live task object is private to
	// its goroutine, so readers never race with handler mutation.
	mu        sync.Mutex
	tasks     map[string]*core.Task
	recovered map[string]*core.Task
	running   map[string]struct{}
	cancels   map[string]context.CancelFunc

	// saveMu orders state-file writes: the table copy and the Save call
	// happen under one lock, so a snapshot taken earlier can never land
	// on disk after a newer one.
	saveMu sync.Mutex

	cbMu       sync.Mutex
	onComplete []Callback
	onError    []Callback
}

func NewDownloadManager(opts *ManagerOptions) (*DownloadManager, error) {
	if opts == nil {
		return nil, errors.New("service: required manager options")
	}
	if opts.Downloader == nil {
		return nil, errors.New("service: required downloader")
	}
	if opts.State == nil {
		return nil, errors.New("service: required state persister")
	}
	if opts.SavePath == "" {
		return nil, errors.New("service: required save path")
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	permits, err := worker.NewPool(maxConcurrent)
	if err != nil {
		return nil, err
	}

	m := &DownloadManager{
		dl:         opts.Downloader,
		state:      opts.State,
		savePath:   opts.SavePath,
		maxRetries: maxRetries,
		retryDelay: opts.RetryDelay,
		permits:    permits,
		log:        logger,
		tasks:      make(map[string]*core.Task),
		recovered:  make(map[string]*core.Task),
		running:    make(map[string]struct{}),
		cancels:    make(map[string]context.CancelFunc),
	}

	// Recover the persisted table now; the tasks start running only when
	// Resume provides a scheduling context.
	loaded, err := m.state.Load()
	if err != nil {
		return nil, fmt.Errorf("service: load task state: %w", err)
	}
	for id, task := range loaded {
		if task.State.Terminal() {
			continue
		}
		m.recovered[id] = task
		m.tasks[id] = task.CloneTask()
	}
	return m, nil
}

// OnComplete registers a callback for successfully completed tasks.
// Callbacks run synchronously in registration order.
func (m *DownloadManager) OnComplete(cb Callback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onComplete = append(m.onComplete, cb)
}

// OnError registers a callback for tasks that ended in failure or
// cancellation after exhausting retries.
func (m *DownloadManager) OnError(cb Callback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onError = append(m.onError, cb)
}

// Resume restarts every recovered task from the state it was in when
// the process stopped. It returns the number of resumed tasks; the
// tasks run in background goroutines under ctx.
func (m *DownloadManager) Resume(ctx context.Context) int {
	m.mu.Lock()
	resumed := make([]*core.Task, 0, len(m.recovered))
	for id, task := range m.recovered {
		delete(m.recovered, id)
		m.running[id] = struct{}{}
		resumed = append(resumed, task)
	}
	m.mu.Unlock()

	for _, task := range resumed {
		m.log.Info("resuming task",
			zap.String("task_id", task.ID),
			zap.String("state", string(task.State)),
			zap.String("episode", task.Resource.EpisodeLabel()),
		)
		go m.runTask(ctx, task)
	}
	return len(resumed)
}

// Download runs one resource's acquisition to completion and reports
// whether it succeeded. It blocks for the whole download; callers that
// want fire-and-forget run it in their own goroutine. A resource whose
// URL is already being downloaded is rejected. An empty savePath means
// the manager's configured default.
func (m *DownloadManager) Download(ctx context.Context, res core.Resource, savePath string) bool {
	if res.DownloadURL == "" {
		m.log.Error("rejecting resource without download url", zap.String("title", res.Title))
		return false
	}
	if savePath == "" {
		savePath = m.savePath
	}

	task := core.NewTask(res, savePath, m.maxRetries, time.Now().UTC())

	m.mu.Lock()
	for _, existing := range m.tasks {
		if existing.Resource.DownloadURL == res.DownloadURL {
			m.mu.Unlock()
			m.log.Warn("resource already downloading",
				zap.String("title", res.Title),
				zap.String("task_id", existing.ID),
			)
			return false
		}
	}
	m.tasks[task.ID] = task.CloneTask()
	m.running[task.ID] = struct{}{}
	m.mu.Unlock()

	m.saveSnapshot()
	return m.runTask(ctx, task)
}

// IsDownloading reports whether a task for this download URL is active.
func (m *DownloadManager) IsDownloading(downloadURL string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.Resource.DownloadURL == downloadURL {
			return true
		}
	}
	return false
}

// Cancel requests cancellation of an active task. The task moves to
// cancelled the next time its goroutine observes the request.
func (m *DownloadManager) Cancel(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return core.NewTaskNotFoundError(taskID)
	}
	if !task.State.CanTransitionTo(core.StateCancelled) {
		return core.NewInvalidTransitionError(task.State, core.StateCancelled)
	}
	if cancel, ok := m.cancels[taskID]; ok {
		cancel()
	}
	return nil
}

// ActiveTasks returns clones of all tasks currently in the table.
func (m *DownloadManager) ActiveTasks() []*core.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		out = append(out, task.CloneTask())
	}
	return out
}

// GetTask returns a clone of one active task.
func (m *DownloadManager) GetTask(taskID string) (*core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, core.NewTaskNotFoundError(taskID)
	}
	return task.CloneTask(), nil
}

// runTask drives one task until it is terminal or the context is
// cancelled. Returns true when the task completed successfully.
func (m *DownloadManager) runTask(ctx context.Context, task *core.Task) bool {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.cancels[task.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, task.ID)
		delete(m.running, task.ID)
		m.mu.Unlock()
	}()

	for {
		m.runStateMachine(taskCtx, task)

		if ctx.Err() != nil {
			// Shutdown: keep the task in the table and on disk so the
			// next start resumes it.
			m.persistTask(task)
			return false
		}

		if taskCtx.Err() != nil && !task.State.Terminal() {
			if err := task.UpdateState(core.StateCancelled); err != nil {
				m.log.Error("cancel transition failed",
					zap.String("task_id", task.ID), zap.Error(err))
				_ = task.MarkFailed("cancelled")
			}
		}

		switch task.State {
		case core.StateCompleted:
			m.finalize(task, true)
			return true

		case core.StateCancelled:
			m.dl.OnFailed(context.WithoutCancel(taskCtx), task)
			m.log.Info("task cancelled", zap.String("task_id", task.ID))
			m.finalize(task, false)
			return false

		case core.StateFailed:
			m.dl.OnFailed(taskCtx, task)
			if task.CanRetry() {
				if err := task.Retry(); err != nil {
					m.log.Error("retry failed", zap.String("task_id", task.ID), zap.Error(err))
					m.finalize(task, false)
					return false
				}
				m.log.Warn("retrying task",
					zap.String("task_id", task.ID),
					zap.String("episode", task.Resource.EpisodeLabel()),
					zap.Int("attempt", task.RetryCount),
					zap.Int("max_retries", task.MaxRetries),
				)
				m.persistTask(task)
				m.sleep(taskCtx, m.retryDelay)
				continue
			}
			m.log.Error("task failed",
				zap.String("task_id", task.ID),
				zap.String("episode", task.Resource.EpisodeLabel()),
				zap.String("error", task.ErrorMessage),
			)
			m.finalize(task, false)
			return false

		default:
			// Non-terminal after an aborted run without shutdown should
			// not happen; fail defensively rather than loop forever.
			_ = task.MarkFailed("state machine aborted in state " + string(task.State))
		}
	}
}

// runStateMachine advances the task until it is terminal or ctx ends.
// The concurrency permit is held for the whole run, polls included, so
// at most MaxConcurrent downloads are in flight.
func (m *DownloadManager) runStateMachine(ctx context.Context, task *core.Task) {
	if err := m.permits.Acquire(ctx); err != nil {
		return
	}
	defer m.permits.Release()

	for !task.State.Terminal() {
		if ctx.Err() != nil {
			return
		}

		result := m.dispatch(ctx, task)

		switch result.Status {
		case downloader.StatusDone:
			next := workflow[task.State]
			if err := task.UpdateState(next); err != nil {
				m.log.Error("illegal workflow advance",
					zap.String("task_id", task.ID), zap.Error(err))
				_ = task.MarkFailed(err.Error())
				m.persistTask(task)
				return
			}
			m.log.Debug("task advanced",
				zap.String("task_id", task.ID),
				zap.String("state", string(task.State)),
			)
			m.persistTask(task)

		case downloader.StatusPoll:
			m.persistTask(task)
			if !m.sleep(ctx, result.PollDelay) {
				return
			}

		case downloader.StatusFailed:
			if err := task.MarkFailed(result.Message); err != nil {
				m.log.Error("fail transition rejected",
					zap.String("task_id", task.ID), zap.Error(err))
			}
			m.persistTask(task)
			return
		}
	}
}

// dispatch invokes the handler for the task's current state. A panicking
// handler fails the task instead of killing its goroutine.
func (m *DownloadManager) dispatch(ctx context.Context, task *core.Task) (result downloader.Result) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("handler panicked",
				zap.String("task_id", task.ID),
				zap.String("state", string(task.State)),
				zap.Any("panic", r),
			)
			result = downloader.Fail(fmt.Sprintf("handler panic in state %s: %v", task.State, r))
		}
	}()

	switch task.State {
	case core.StatePending:
		return m.dl.OnPending(ctx, task)
	case core.StateDownloading:
		return m.dl.OnDownloading(ctx, task)
	case core.StateTransferring:
		return m.dl.OnTransferring(ctx, task)
	case core.StateCleaningUp:
		return m.dl.OnCleaningUp(ctx, task)
	default:
		return downloader.Fail("no handler for state " + string(task.State))
	}
}

// finalize runs the callbacks for a terminal task, then drops it from
// the table and the state file.
func (m *DownloadManager) finalize(task *core.Task, succeeded bool) {
	m.cbMu.Lock()
	var callbacks []Callback
	if succeeded {
		callbacks = append(callbacks, m.onComplete...)
	} else {
		callbacks = append(callbacks, m.onError...)
	}
	m.cbMu.Unlock()

	for _, cb := range callbacks {
		m.invoke(cb, task.CloneTask())
	}

	m.mu.Lock()
	delete(m.tasks, task.ID)
	m.mu.Unlock()
	m.saveSnapshot()
}

// invoke runs one callback, isolating panics so one bad observer cannot
// take the task goroutine down.
func (m *DownloadManager) invoke(cb Callback, task *core.Task) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("task callback panicked",
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
			)
		}
	}()
	cb(task)
}

// persistTask refreshes the table clone of one task and writes the
// snapshot. Only the task's owner goroutine may call it.
func (m *DownloadManager) persistTask(task *core.Task) {
	m.mu.Lock()
	m.tasks[task.ID] = task.CloneTask()
	m.mu.Unlock()
	m.saveSnapshot()
}

func (m *DownloadManager) saveSnapshot() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	snapshot := make(map[string]*core.Task, len(m.tasks))
	for id, task := range m.tasks {
		snapshot[id] = task
	}
	m.mu.Unlock()

	if err := m.state.Save(snapshot); err != nil {
		m.log.Error("persist task state", zap.Error(err))
	}
}

// sleep waits for d, returning false if ctx ended first. A non-positive
// d yields immediately.
func (m *DownloadManager) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close releases the manager's permit pool. Running tasks finish their
// current acquire attempts and stop.
func (m *DownloadManager) Close() {
	m.permits.Close()
}
