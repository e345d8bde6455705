package core

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// State is a download task's position in the acquisition workflow.
type State string

const (
	StatePending      State = "pending"
	StateDownloading  State = "downloading"
	StateTransferring State = "transferring"
	StateCleaningUp   State = "cleaning_up"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// stateTransitions is the only source of truth for legal moves.
// Failed and cancelled lead back to pending for retry; completed is final.
var stateTransitions = map[State][]State{
	StatePending:      {StateDownloading, StateFailed, StateCancelled},
	StateDownloading:  {StateTransferring, StateFailed, StateCancelled},
	StateTransferring: {StateCleaningUp, StateFailed, StateCancelled},
	StateCleaningUp:   {StateCompleted, StateFailed},
	StateCompleted:    {},
	StateFailed:       {StatePending},
	StateCancelled:    {StatePending},
}

// legacyStates maps labels written by earlier versions of the state file
// to their current equivalents.
var legacyStates = map[string]State{
	"downloaded":      StateTransferring,
	"processing":      StateCleaningUp,
	"post_processing": StateCleaningUp,
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseState resolves a persisted state label, translating legacy labels.
func ParseState(label string) (State, error) {
	s := State(label)
	if _, ok := stateTransitions[s]; ok {
		return s, nil
	}
	if mapped, ok := legacyStates[label]; ok {
		return mapped, nil
	}
	return "", fmt.Errorf("core: unknown task state %q", label)
}

func (s *State) UnmarshalJSON(b []byte) error {
	var label string
	if err := json.Unmarshal(b, &label); err != nil {
		return err
	}
	parsed, err := ParseState(label)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Task tracks one resource's acquisition through the state machine.
// While non-terminal it is owned by the manager's table; its fields are
// mutated only by the goroutine currently dispatching it.
type Task struct {
	ID string `json:"id"`

	State        State  `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`

	SavePath  string `json:"save_path"`
	TempPath  string `json:"temp_path,omitempty"`
	FinalPath string `json:"final_path,omitempty"`

	DownloadedFilename string   `json:"downloaded_filename,omitempty"`
	InitialFiles       []string `json:"initial_files,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Resource Resource `json:"resource_info"`

	// Extra carries downloader-private bookkeeping, e.g. the remote
	// offline-download job id.
	Extra map[string]string `json:"extra_data,omitempty"`
}

func NewTask(res Resource, savePath string, maxRetries int, now time.Time) *Task {
	return &Task{
		ID:         uuid.NewString(),
		State:      StatePending,
		MaxRetries: maxRetries,
		SavePath:   savePath,
		CreatedAt:  now,
		UpdatedAt:  now,
		Resource:   res.CloneResource(),
		Extra:      make(map[string]string),
	}
}

// UpdateState moves the task along the transition table. An off-table move
// returns an invalid-transition error and leaves the task untouched.
func (t *Task) UpdateState(next State) error {
	if !t.State.CanTransitionTo(next) {
		return NewInvalidTransitionError(t.State, next)
	}
	t.State = next
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed records the error and transitions to failed.
func (t *Task) MarkFailed(message string) error {
	if err := t.UpdateState(StateFailed); err != nil {
		return err
	}
	t.ErrorMessage = message
	return nil
}

func (t *Task) CanRetry() bool {
	return t.State == StateFailed && t.RetryCount < t.MaxRetries
}

// Retry resets the task to pending, keeping the incremented retry counter.
func (t *Task) Retry() error {
	if !t.CanRetry() {
		return NewAppError(
			ErrorCodeInvalidTransition,
			fmt.Sprintf("cannot retry: state=%s retries=%d/%d", t.State, t.RetryCount, t.MaxRetries),
			nil,
		)
	}
	t.RetryCount++
	t.ErrorMessage = ""
	t.State = StatePending
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *Task) CloneTask() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Resource = t.Resource.CloneResource()
	if t.InitialFiles != nil {
		c.InitialFiles = append([]string(nil), t.InitialFiles...)
	}
	if t.Extra != nil {
		c.Extra = make(map[string]string, len(t.Extra))
		maps.Copy(c.Extra, t.Extra)
	}
	return &c
}
