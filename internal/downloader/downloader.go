// Package downloader implements the per-state workflow handlers that drive
// one acquisition through the remote offline-download service.
package downloader

import (
	"context"
	"time"

	"github.com/kafuneri/Openlist-Ani/internal/core"
)

// Status is a handler's verdict for one invocation.
type Status int

const (
	// StatusDone advances the task to the next state.
	StatusDone Status = iota
	// StatusPoll keeps the task in the same state and retries after a delay.
	StatusPoll
	// StatusFailed fails the task with a message.
	StatusFailed
)

type Result struct {
	Status    Status
	Message   string
	PollDelay time.Duration
}

func Done() Result {
	return Result{Status: StatusDone}
}

func Poll(delay time.Duration) Result {
	return Result{Status: StatusPoll, PollDelay: delay}
}

func Fail(message string) Result {
	return Result{Status: StatusFailed, Message: message}
}

// Downloader runs one workflow step per non-terminal state. Handlers
// mutate only the task they are given; the manager owns scheduling,
// persistence and retries.
type Downloader interface {
	// OnPending prepares remote storage and starts the download job.
	OnPending(ctx context.Context, task *core.Task) Result
	// OnDownloading checks remote job progress and detects the arrived file.
	OnDownloading(ctx context.Context, task *core.Task) Result
	// OnTransferring renames and moves the file to its final destination.
	OnTransferring(ctx context.Context, task *core.Task) Result
	// OnCleaningUp removes temporary remote storage; best effort.
	OnCleaningUp(ctx context.Context, task *core.Task) Result
	// OnFailed runs after a task has failed, before retry or finalization.
	OnFailed(ctx context.Context, task *core.Task)
}
