package downloader

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kafuneri/Openlist-Ani/internal/core"
	"github.com/kafuneri/Openlist-Ani/internal/openlist"
)

// Extension-map keys used by this downloader.
const (
	extraJobID        = "task_id"
	extraSubdir       = "downloaded_subdir"
	extraDetectChecks = "detect_checks"
)

const (
	defaultPollInterval = 5 * time.Second
	// renameSettleDelay gives the remote server time to refresh its
	// listing cache after a rename before the file is moved.
	defaultRenameSettle = 5 * time.Second
	// detectMaxChecks bounds how often file detection is re-polled when
	// the remote listing lags behind a finished job.
	defaultDetectMaxChecks = 6
	maxWalkDepth           = 3
)

// partial-download markers left behind by the download tools.
var partialSuffixes = []string{".aria2", ".downloading"}

var mediaExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".avi": true, ".mov": true,
	".wmv": true, ".flv": true, ".webm": true, ".ts": true,
	".m2ts": true, ".rmvb": true,
}

// RemoteClient is the slice of the OpenList client the downloader needs.
type RemoteClient interface {
	Mkdir(ctx context.Context, path string) bool
	ListFiles(ctx context.Context, path string) []openlist.FileEntry
	AddOfflineDownload(ctx context.Context, urls []string, path, tool string) []openlist.Job
	UndoneJobs(ctx context.Context) []openlist.Job
	DoneJobs(ctx context.Context) []openlist.Job
	Rename(ctx context.Context, fullPath, newName string) bool
	Move(ctx context.Context, srcDir, dstDir string, names []string) bool
	Remove(ctx context.Context, dir string, names []string) bool
}

// OpenListDownloader drives acquisitions through OpenList's offline
// download queue and remote filesystem.
type OpenListDownloader struct {
	client       RemoteClient
	tool         string
	renameFormat string

	pollInterval    time.Duration
	renameSettle    time.Duration
	detectMaxChecks int

	log *zap.Logger
}

type Options struct {
	Client       RemoteClient
	Tool         string
	RenameFormat string

	// Zero values fall back to defaults.
	PollInterval    time.Duration
	RenameSettle    time.Duration
	DetectMaxChecks int

	Logger *zap.Logger
}

func NewOpenListDownloader(opts *Options) (*OpenListDownloader, error) {
	if opts == nil {
		return nil, errors.New("downloader: required options")
	}
	if opts.Client == nil {
		return nil, errors.New("downloader: required remote client")
	}
	if opts.Tool == "" {
		return nil, errors.New("downloader: required offline download tool")
	}
	format := opts.RenameFormat
	if format == "" {
		format = DefaultRenameFormat
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &OpenListDownloader{
		client:          opts.Client,
		tool:            opts.Tool,
		renameFormat:    format,
		pollInterval:    opts.PollInterval,
		renameSettle:    opts.RenameSettle,
		detectMaxChecks: opts.DetectMaxChecks,
		log:             logger,
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollInterval
	}
	// Negative disables the settle delay, zero means the default.
	if d.renameSettle == 0 {
		d.renameSettle = defaultRenameSettle
	}
	if d.detectMaxChecks <= 0 {
		d.detectMaxChecks = defaultDetectMaxChecks
	}
	return d, nil
}

// OnPending creates the task's temp directory, snapshots its contents and
// starts the offline-download job.
func (d *OpenListDownloader) OnPending(ctx context.Context, task *core.Task) Result {
	tempPath := strings.TrimRight(task.SavePath, "/") + "/" + task.ID

	d.log.Debug("creating temporary directory", zap.String("path", tempPath))
	if !d.client.Mkdir(ctx, tempPath) {
		return Fail("failed to create temporary directory: " + tempPath)
	}

	files := d.client.ListFiles(ctx, tempPath)
	initial := make([]string, 0, len(files))
	for _, f := range files {
		initial = append(initial, f.Name)
	}
	task.InitialFiles = initial
	task.TempPath = tempPath

	d.log.Info("starting download",
		zap.String("episode", task.Resource.EpisodeLabel()),
		zap.String("title", task.Resource.Title),
	)
	jobs := d.client.AddOfflineDownload(ctx, []string{task.Resource.DownloadURL}, tempPath, d.tool)
	if len(jobs) == 0 {
		d.cleanup(ctx, task)
		return Fail("failed to create offline download job")
	}

	task.Extra[extraJobID] = jobs[0].ID
	d.log.Debug("offline download job created", zap.String("job_id", jobs[0].ID))
	return Done()
}

// OnDownloading polls the remote job queues and, once the job succeeds,
// detects the newly arrived file.
func (d *OpenListDownloader) OnDownloading(ctx context.Context, task *core.Task) Result {
	jobID := task.Extra[extraJobID]
	if jobID == "" {
		return Fail("no offline download job id recorded")
	}

	undone := d.client.UndoneJobs(ctx)
	if undone == nil {
		return Poll(d.pollInterval)
	}
	for _, job := range undone {
		if job.ID != jobID {
			continue
		}
		if job.Progress > 0 && int(job.Progress)%25 == 0 {
			d.log.Info("downloading",
				zap.String("episode", task.Resource.EpisodeLabel()),
				zap.Float64("progress", job.Progress),
			)
		} else {
			d.log.Debug("downloading", zap.Float64("progress", job.Progress))
		}
		return Poll(d.pollInterval)
	}

	done := d.client.DoneJobs(ctx)
	if done == nil {
		return Poll(d.pollInterval)
	}
	for _, job := range done {
		if job.ID != jobID {
			continue
		}
		if job.State != openlist.JobStateSucceeded {
			d.cleanup(ctx, task)
			return Fail("offline download job ended with state " + job.State.String())
		}
		return d.detect(ctx, task)
	}

	// The job vanished from both queues, likely pruned on the server.
	d.cleanup(ctx, task)
	return Fail("offline download job " + jobID + " not found")
}

// detect finds the downloaded file: the largest new media file anywhere
// under the temp directory, skipping partial-download markers. The remote
// listing can lag a finished job, so detection polls a bounded number of
// times before giving up.
func (d *OpenListDownloader) detect(ctx context.Context, task *core.Task) Result {
	initial := make(map[string]bool, len(task.InitialFiles))
	for _, name := range task.InitialFiles {
		initial[name] = true
	}

	var (
		bestName string
		bestDir  string
		bestSize int64 = -1
		found    int
	)
	d.walk(ctx, task.TempPath, "", 0, func(subdir string, entry openlist.FileEntry) {
		if subdir == "" && initial[entry.Name] {
			return
		}
		if isPartial(entry.Name) || !mediaExtensions[strings.ToLower(path.Ext(entry.Name))] {
			return
		}
		found++
		if entry.Size > bestSize {
			bestSize = entry.Size
			bestName = entry.Name
			bestDir = subdir
		}
	}, initial)

	if bestName == "" {
		checks, _ := strconv.Atoi(task.Extra[extraDetectChecks])
		if checks+1 < d.detectMaxChecks {
			task.Extra[extraDetectChecks] = strconv.Itoa(checks + 1)
			d.log.Debug("downloaded file not visible yet",
				zap.String("temp_path", task.TempPath),
				zap.Int("checks", checks+1),
			)
			return Poll(d.pollInterval)
		}
		d.cleanup(ctx, task)
		return Fail("download completed but no media file found")
	}

	if found > 1 {
		d.log.Warn("multiple new media files, picking the largest",
			zap.String("picked", bestName),
			zap.Int("candidates", found),
		)
	}

	task.DownloadedFilename = bestName
	if bestDir != "" {
		task.Extra[extraSubdir] = bestDir
	}
	delete(task.Extra, extraDetectChecks)
	d.log.Debug("detected downloaded file",
		zap.String("name", bestName),
		zap.Int64("size", bestSize),
	)
	return Done()
}

// walk visits files under dir depth-first, in listing order. Top-level
// entries present in the initial snapshot are skipped entirely.
func (d *OpenListDownloader) walk(
	ctx context.Context,
	root, subdir string,
	depth int,
	visit func(subdir string, entry openlist.FileEntry),
	initial map[string]bool,
) {
	if depth > maxWalkDepth {
		return
	}
	dir := root
	if subdir != "" {
		dir = root + "/" + subdir
	}
	for _, entry := range d.client.ListFiles(ctx, dir) {
		if subdir == "" && depth == 0 && initial[entry.Name] {
			continue
		}
		if entry.IsDir {
			child := entry.Name
			if subdir != "" {
				child = subdir + "/" + entry.Name
			}
			d.walk(ctx, root, child, depth+1, visit, initial)
			continue
		}
		visit(subdir, entry)
	}
}

func isPartial(name string) bool {
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// OnTransferring renames the detected file to its final name (best
// effort) and moves it into the destination directory.
func (d *OpenListDownloader) OnTransferring(ctx context.Context, task *core.Task) Result {
	if task.DownloadedFilename == "" {
		d.cleanup(ctx, task)
		return Fail("no downloaded filename available")
	}
	if task.TempPath == "" {
		d.cleanup(ctx, task)
		return Fail("no temporary path available")
	}

	res := task.Resource
	animeName := SanitizeFilename(res.AnimeName)
	if animeName == "" {
		animeName = "Unknown"
	}
	season := res.Season
	if season <= 0 {
		season = 1
	}
	finalDir := fmt.Sprintf("%s/%s/Season %d",
		strings.TrimRight(task.SavePath, "/"), animeName, season)

	ext := path.Ext(task.DownloadedFilename)
	if ext == "" {
		ext = ".mp4"
	}

	stem, err := RenderFilename(d.renameFormat, res)
	if err != nil {
		d.log.Warn("rename format failed, using fallback",
			zap.String("format", d.renameFormat),
			zap.Error(err),
		)
		stem = FallbackFilename(res)
	}
	if res.Version > 1 {
		stem = fmt.Sprintf("%s v%d", stem, res.Version)
	}
	finalName := stem + ext

	if !d.client.Mkdir(ctx, finalDir) {
		d.cleanup(ctx, task)
		return Fail("failed to create directory: " + finalDir)
	}

	srcDir := task.TempPath
	if sub := task.Extra[extraSubdir]; sub != "" {
		srcDir = task.TempPath + "/" + sub
	}

	fileToMove := task.DownloadedFilename
	if finalName != task.DownloadedFilename {
		if d.client.Rename(ctx, srcDir+"/"+task.DownloadedFilename, finalName) {
			fileToMove = finalName
			d.log.Debug("renamed downloaded file",
				zap.String("from", task.DownloadedFilename),
				zap.String("to", finalName),
			)
			d.settle(ctx)
		} else {
			d.log.Warn("rename failed, moving with original name",
				zap.String("name", task.DownloadedFilename),
			)
		}
	}

	if !d.client.Move(ctx, srcDir, finalDir, []string{fileToMove}) {
		d.cleanup(ctx, task)
		return Fail("failed to move file to: " + finalDir)
	}

	task.FinalPath = finalDir + "/" + fileToMove
	d.log.Debug("moved to final destination", zap.String("path", task.FinalPath))
	return Done()
}

// OnCleaningUp removes the temp directory. Cleanup failure is logged but
// never fails the task.
func (d *OpenListDownloader) OnCleaningUp(ctx context.Context, task *core.Task) Result {
	d.cleanup(ctx, task)
	d.log.Info("download completed",
		zap.String("episode", task.Resource.EpisodeLabel()),
		zap.String("path", task.FinalPath),
	)
	return Done()
}

// OnFailed clears temporary remote storage before the task is retried or
// finalized.
func (d *OpenListDownloader) OnFailed(ctx context.Context, task *core.Task) {
	d.cleanup(ctx, task)
	task.TempPath = ""
	delete(task.Extra, extraJobID)
	delete(task.Extra, extraSubdir)
	delete(task.Extra, extraDetectChecks)
}

func (d *OpenListDownloader) cleanup(ctx context.Context, task *core.Task) bool {
	if task.TempPath == "" {
		return true
	}
	d.log.Debug("cleaning up temporary directory", zap.String("dir", task.ID))
	if !d.client.Remove(ctx, strings.TrimRight(task.SavePath, "/"), []string{task.ID}) {
		d.log.Warn("failed to remove temporary directory",
			zap.String("path", task.TempPath),
		)
		return false
	}
	return true
}

func (d *OpenListDownloader) settle(ctx context.Context) {
	if d.renameSettle <= 0 {
		return
	}
	timer := time.NewTimer(d.renameSettle)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
