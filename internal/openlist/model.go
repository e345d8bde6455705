package openlist

// JobState mirrors the numeric task states reported by the OpenList
// offline-download queue.
type JobState int

const (
	JobStatePending JobState = iota
	JobStateRunning
	JobStateSucceeded
	JobStateCanceling
	JobStateCanceled
	JobStateErrored
	JobStateFailing
	JobStateFailed
	JobStateWaitingRetry
	JobStateBeforeRetry
)

func (s JobState) String() string {
	switch s {
	case JobStatePending:
		return "pending"
	case JobStateRunning:
		return "running"
	case JobStateSucceeded:
		return "succeeded"
	case JobStateCanceling:
		return "canceling"
	case JobStateCanceled:
		return "canceled"
	case JobStateErrored:
		return "errored"
	case JobStateFailing:
		return "failing"
	case JobStateFailed:
		return "failed"
	case JobStateWaitingRetry:
		return "waiting_retry"
	case JobStateBeforeRetry:
		return "before_retry"
	}
	return "unknown"
}

// Offline download tools understood by the server.
const (
	ToolAria2       = "aria2"
	ToolQBittorrent = "qBittorrent"
	ToolPikPak      = "PikPak"
)

// Job is one offline-download job tracked by the remote server.
type Job struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	State      JobState `json:"state"`
	Status     string   `json:"status"`
	Progress   float64  `json:"progress"`
	TotalBytes int64    `json:"total_bytes"`
	Error      string   `json:"error"`
}

// FileEntry is one entry of a remote directory listing.
type FileEntry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	IsDir    bool   `json:"is_dir"`
	Modified string `json:"modified,omitempty"`
	Sign     string `json:"sign,omitempty"`
	Type     int    `json:"type,omitempty"`
}

// Tool is one entry of the server's offline-download tool listing.
type Tool struct {
	Name string `json:"name"`
}
