package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kafuneri/Openlist-Ani/internal/core"
	"github.com/kafuneri/Openlist-Ani/internal/downloader"
)

// scriptedDownloader lets each test decide what every handler does.
// Unset handlers report Done.
type scriptedDownloader struct {
	onPending      func(ctx context.Context, task *core.Task) downloader.Result
	onDownloading  func(ctx context.Context, task *core.Task) downloader.Result
	onTransferring func(ctx context.Context, task *core.Task) downloader.Result
	onCleaningUp   func(ctx context.Context, task *core.Task) downloader.Result

	calls       sync.Map // state -> *atomic.Int32
	failedCalls atomic.Int32
}

func (d *scriptedDownloader) count(state core.State) *atomic.Int32 {
	v, _ := d.calls.LoadOrStore(state, new(atomic.Int32))
	return v.(*atomic.Int32)
}

func (d *scriptedDownloader) run(
	state core.State,
	fn func(ctx context.Context, task *core.Task) downloader.Result,
	ctx context.Context,
	task *core.Task,
) downloader.Result {
	d.count(state).Add(1)
	if fn == nil {
		return downloader.Done()
	}
	return fn(ctx, task)
}

func (d *scriptedDownloader) OnPending(ctx context.Context, t *core.Task) downloader.Result {
	return d.run(core.StatePending, d.onPending, ctx, t)
}

func (d *scriptedDownloader) OnDownloading(ctx context.Context, t *core.Task) downloader.Result {
	return d.run(core.StateDownloading, d.onDownloading, ctx, t)
}

func (d *scriptedDownloader) OnTransferring(ctx context.Context, t *core.Task) downloader.Result {
	return d.run(core.StateTransferring, d.onTransferring, ctx, t)
}

func (d *scriptedDownloader) OnCleaningUp(ctx context.Context, t *core.Task) downloader.Result {
	return d.run(core.StateCleaningUp, d.onCleaningUp, ctx, t)
}

func (d *scriptedDownloader) OnFailed(context.Context, *core.Task) {
	d.failedCalls.Add(1)
}

// memStore is an in-memory Persister.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*core.Task
}

func newMemStore() *memStore {
	return &memStore{tasks: map[string]*core.Task{}}
}

func (s *memStore) Save(tasks map[string]*core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*core.Task, len(tasks))
	for id, task := range tasks {
		if task.State.Terminal() {
			continue
		}
		s.tasks[id] = task.CloneTask()
	}
	return nil
}

func (s *memStore) Load() (map[string]*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*core.Task, len(s.tasks))
	for id, task := range s.tasks {
		out[id] = task.CloneTask()
	}
	return out, nil
}

func (s *memStore) snapshot() map[string]*core.Task {
	out, _ := s.Load()
	return out
}

func newTestManager(t *testing.T, dl downloader.Downloader, store *memStore, opts func(*ManagerOptions)) *DownloadManager {
	t.Helper()
	mo := &ManagerOptions{
		Downloader: dl,
		State:      store,
		SavePath:   "/anime",
		MaxRetries: 0, // no retries unless a test opts in
	}
	if opts != nil {
		opts(mo)
	}
	m, err := NewDownloadManager(mo)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func testResource(url string) core.Resource {
	return core.Resource{
		Title:       "[Sub] A - 01",
		DownloadURL: url,
		AnimeName:   "A",
		Season:      1,
		Episode:     1,
	}
}

func TestDownloadHappyPath(t *testing.T) {
	t.Parallel()

	dl := &scriptedDownloader{}
	store := newMemStore()
	m := newTestManager(t, dl, store, nil)

	var completed []*core.Task
	m.OnComplete(func(task *core.Task) { completed = append(completed, task) })
	var failed int
	m.OnError(func(*core.Task) { failed++ })

	require.True(t, m.Download(context.Background(), testResource("magnet:?a"), ""))

	require.Len(t, completed, 1)
	require.Equal(t, core.StateCompleted, completed[0].State)
	require.Zero(t, failed)
	require.Empty(t, m.ActiveTasks())
	require.Empty(t, store.snapshot(), "terminal tasks leave the state file")

	require.Equal(t, int32(1), dl.count(core.StatePending).Load())
	require.Equal(t, int32(1), dl.count(core.StateDownloading).Load())
	require.Equal(t, int32(1), dl.count(core.StateTransferring).Load())
	require.Equal(t, int32(1), dl.count(core.StateCleaningUp).Load())
	require.Zero(t, dl.failedCalls.Load())
}

func TestDownloadTransientFailureRetries(t *testing.T) {
	t.Parallel()

	var pendingCalls atomic.Int32
	dl := &scriptedDownloader{
		onPending: func(context.Context, *core.Task) downloader.Result {
			if pendingCalls.Add(1) == 1 {
				return downloader.Fail("remote hiccup")
			}
			return downloader.Done()
		},
	}
	store := newMemStore()
	m := newTestManager(t, dl, store, func(o *ManagerOptions) { o.MaxRetries = 2 })

	var completed *core.Task
	m.OnComplete(func(task *core.Task) { completed = task })

	require.True(t, m.Download(context.Background(), testResource("magnet:?a"), ""))
	require.NotNil(t, completed)
	require.Equal(t, 1, completed.RetryCount)
	require.Equal(t, int32(1), dl.failedCalls.Load(), "cleanup hook runs before retry")
}

func TestDownloadPermanentFailure(t *testing.T) {
	t.Parallel()

	dl := &scriptedDownloader{
		onPending: func(context.Context, *core.Task) downloader.Result {
			return downloader.Fail("tool unavailable")
		},
	}
	store := newMemStore()
	m := newTestManager(t, dl, store, nil) // retries disabled

	var errored []*core.Task
	m.OnError(func(task *core.Task) { errored = append(errored, task) })
	var completed int
	m.OnComplete(func(*core.Task) { completed++ })

	require.False(t, m.Download(context.Background(), testResource("magnet:?a"), ""))

	require.Len(t, errored, 1)
	require.Equal(t, core.StateFailed, errored[0].State)
	require.Equal(t, "tool unavailable", errored[0].ErrorMessage)
	require.Zero(t, completed)
	require.Equal(t, int32(1), dl.count(core.StatePending).Load(), "no retry without budget")
	require.Empty(t, store.snapshot())
}

func TestMaxRetriesZeroDisablesRetries(t *testing.T) {
	t.Parallel()

	dl := &scriptedDownloader{
		onPending: func(context.Context, *core.Task) downloader.Result {
			return downloader.Fail("remote hiccup")
		},
	}
	m := newTestManager(t, dl, newMemStore(), func(o *ManagerOptions) { o.MaxRetries = 0 })

	var errored *core.Task
	m.OnError(func(task *core.Task) { errored = task })

	require.False(t, m.Download(context.Background(), testResource("magnet:?a"), ""))
	require.NotNil(t, errored)
	require.Zero(t, errored.MaxRetries)
	require.Equal(t, int32(1), dl.count(core.StatePending).Load(), "a single attempt, no retry")
}

func TestMaxRetriesNegativeMeansDefault(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &scriptedDownloader{}, newMemStore(), func(o *ManagerOptions) { o.MaxRetries = -1 })

	var completed *core.Task
	m.OnComplete(func(task *core.Task) { completed = task })

	require.True(t, m.Download(context.Background(), testResource("magnet:?a"), ""))
	require.NotNil(t, completed)
	require.Equal(t, 3, completed.MaxRetries)
}

func TestHandlerPanicFailsTask(t *testing.T) {
	t.Parallel()

	dl := &scriptedDownloader{
		onDownloading: func(context.Context, *core.Task) downloader.Result {
			panic("job list decode")
		},
	}
	m := newTestManager(t, dl, newMemStore(), nil)

	var errored *core.Task
	m.OnError(func(task *core.Task) { errored = task })

	require.False(t, m.Download(context.Background(), testResource("magnet:?a"), ""))
	require.NotNil(t, errored)
	require.Contains(t, errored.ErrorMessage, "panic")
}

func TestResumeRestartsFromPersistedState(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	task := core.NewTask(testResource("magnet:?a"), "/anime", 0, time.Now().UTC())
	require.NoError(t, task.UpdateState(core.StateDownloading))
	require.NoError(t, task.UpdateState(core.StateTransferring))
	task.DownloadedFilename = "raw.mkv"
	require.NoError(t, store.Save(map[string]*core.Task{task.ID: task}))

	dl := &scriptedDownloader{}
	m := newTestManager(t, dl, store, nil)

	// Construction recovers the table without dispatching anything.
	require.Len(t, m.ActiveTasks(), 1)
	require.Zero(t, dl.count(core.StateTransferring).Load())

	done := make(chan *core.Task, 1)
	m.OnComplete(func(task *core.Task) { done <- task })

	require.Equal(t, 1, m.Resume(context.Background()))

	select {
	case finished := <-done:
		require.Equal(t, task.ID, finished.ID)
		require.Equal(t, core.StateCompleted, finished.State)
	case <-time.After(5 * time.Second):
		t.Fatal("resumed task did not finish")
	}

	// The task restarts where it stopped: earlier states never run again.
	require.Zero(t, dl.count(core.StatePending).Load())
	require.Zero(t, dl.count(core.StateDownloading).Load())
	require.Equal(t, int32(1), dl.count(core.StateTransferring).Load())
}

func TestDuplicateDownloadRejected(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	dl := &scriptedDownloader{
		onPending: func(ctx context.Context, _ *core.Task) downloader.Result {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return downloader.Done()
		},
	}
	m := newTestManager(t, dl, newMemStore(), nil)

	res := testResource("magnet:?same")
	first := make(chan bool, 1)
	go func() { first <- m.Download(context.Background(), res, "") }()

	require.Eventually(t, func() bool {
		return m.IsDownloading(res.DownloadURL)
	}, 5*time.Second, 5*time.Millisecond)

	require.False(t, m.Download(context.Background(), res, ""), "same url must be rejected while active")

	close(release)
	require.True(t, <-first)
	require.False(t, m.IsDownloading(res.DownloadURL))
}

func TestConcurrencyIsBounded(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	dl := &scriptedDownloader{
		onPending: func(context.Context, *core.Task) downloader.Result {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return downloader.Done()
		},
	}
	m := newTestManager(t, dl, newMemStore(), func(o *ManagerOptions) { o.MaxConcurrent = 2 })

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		url := "magnet:?x" + string(rune('a'+i))
		go func() {
			defer wg.Done()
			require.True(t, m.Download(context.Background(), testResource(url), ""))
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestCancelActiveTask(t *testing.T) {
	t.Parallel()

	dl := &scriptedDownloader{
		onDownloading: func(context.Context, *core.Task) downloader.Result {
			return downloader.Poll(5 * time.Millisecond)
		},
	}
	m := newTestManager(t, dl, newMemStore(), nil)

	errored := make(chan *core.Task, 1)
	m.OnError(func(task *core.Task) { errored <- task })

	result := make(chan bool, 1)
	go func() { result <- m.Download(context.Background(), testResource("magnet:?a"), "") }()

	var taskID string
	require.Eventually(t, func() bool {
		for _, task := range m.ActiveTasks() {
			if task.State == core.StateDownloading {
				taskID = task.ID
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Cancel(taskID))
	require.False(t, <-result)

	select {
	case task := <-errored:
		require.Equal(t, core.StateCancelled, task.State)
	case <-time.After(5 * time.Second):
		t.Fatal("error callback not invoked")
	}
	require.GreaterOrEqual(t, dl.failedCalls.Load(), int32(1))
}

func TestCancelUnknownTask(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &scriptedDownloader{}, newMemStore(), nil)
	err := m.Cancel("nope")
	appErr, ok := core.AsAppError(err)
	require.True(t, ok)
	require.Equal(t, core.ErrorCodeNotFound, appErr.Code)
}

func TestShutdownPersistsInFlightTask(t *testing.T) {
	t.Parallel()

	dl := &scriptedDownloader{
		onDownloading: func(context.Context, *core.Task) downloader.Result {
			return downloader.Poll(5 * time.Millisecond)
		},
	}
	store := newMemStore()
	m := newTestManager(t, dl, store, nil)

	var callbacks atomic.Int32
	m.OnComplete(func(*core.Task) { callbacks.Add(1) })
	m.OnError(func(*core.Task) { callbacks.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan bool, 1)
	go func() { result <- m.Download(ctx, testResource("magnet:?a"), "") }()

	require.Eventually(t, func() bool {
		for _, task := range store.snapshot() {
			if task.State == core.StateDownloading {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.False(t, <-result)

	snap := store.snapshot()
	require.Len(t, snap, 1, "shutdown keeps the task on disk for resume")
	for _, task := range snap {
		require.Equal(t, core.StateDownloading, task.State)
	}
	require.Zero(t, callbacks.Load(), "no callbacks on shutdown")
}

// gatedStore parks the first snapshot write until released, recording
// the order and content of every write that goes through.
type gatedStore struct {
	parked  chan struct{}
	release chan struct{}

	mu      sync.Mutex
	first   bool
	history []map[string]core.State
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		parked:  make(chan struct{}),
		release: make(chan struct{}),
		first:   true,
	}
}

func (s *gatedStore) Save(tasks map[string]*core.Task) error {
	s.mu.Lock()
	first := s.first
	s.first = false
	s.mu.Unlock()
	if first {
		close(s.parked)
		<-s.release
	}

	snap := make(map[string]core.State, len(tasks))
	for id, task := range tasks {
		snap[id] = task.State
	}
	s.mu.Lock()
	s.history = append(s.history, snap)
	s.mu.Unlock()
	return nil
}

func (s *gatedStore) Load() (map[string]*core.Task, error) {
	return map[string]*core.Task{}, nil
}

func (s *gatedStore) writes() []map[string]core.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]core.State(nil), s.history...)
}

func TestSnapshotWritesDoNotInterleave(t *testing.T) {
	t.Parallel()

	store := newGatedStore()
	m, err := NewDownloadManager(&ManagerOptions{
		Downloader: &scriptedDownloader{},
		State:      store,
		SavePath:   "/anime",
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	done := make(chan bool, 2)
	go func() { done <- m.Download(context.Background(), testResource("magnet:?a"), "") }()
	<-store.parked

	go func() { done <- m.Download(context.Background(), testResource("magnet:?b"), "") }()
	require.Eventually(t, func() bool {
		return m.IsDownloading("magnet:?b")
	}, 5*time.Second, 5*time.Millisecond)

	// The second task is in the table but its snapshot must queue behind
	// the parked write, not overtake it.
	require.Empty(t, store.writes())

	close(store.release)
	require.True(t, <-done)
	require.True(t, <-done)

	// No write may show a task in an earlier state than a previous write:
	// a stale copy landing late would regress or drop an active task.
	ranks := map[core.State]int{
		core.StatePending:      0,
		core.StateDownloading:  1,
		core.StateTransferring: 2,
		core.StateCleaningUp:   3,
	}
	last := map[string]int{}
	for _, snap := range store.writes() {
		for id, state := range snap {
			require.GreaterOrEqual(t, ranks[state], last[id], "snapshot regressed task %s", id)
			last[id] = ranks[state]
		}
	}
}

func TestCallbackPanicDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &scriptedDownloader{}, newMemStore(), nil)

	var second atomic.Bool
	m.OnComplete(func(*core.Task) { panic("observer bug") })
	m.OnComplete(func(*core.Task) { second.Store(true) })

	require.True(t, m.Download(context.Background(), testResource("magnet:?a"), ""))
	require.True(t, second.Load())
}
