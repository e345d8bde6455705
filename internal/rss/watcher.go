package rss

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/kafuneri/Openlist-Ani/internal/core"
)

// History reports which release titles have been fetched before.
type History interface {
	IsDownloaded(title string) (bool, error)
}

// Active reports which download URLs are currently in flight.
type Active interface {
	IsDownloading(downloadURL string) bool
}

type WatcherOptions struct {
	Feeds    []string
	Interval time.Duration

	History History
	Active  Active
	// Submit receives each new resource. It is called from the watcher
	// goroutine, so long work belongs in the callee's own goroutine.
	Submit func(res core.Resource)
	// Enrich, when set, may adjust a parsed resource before submission,
	// e.g. to fill fields the release title does not carry.
	Enrich func(res *core.Resource)

	Logger *zap.Logger
}

// Watcher polls release feeds and submits entries that are neither
// already downloaded nor currently downloading.
type Watcher struct {
	feeds    []string
	interval time.Duration
	history  History
	active   Active
	submit   func(core.Resource)
	enrich   func(*core.Resource)

	parser *gofeed.Parser
	log    *zap.Logger
}

func NewWatcher(opts *WatcherOptions) (*Watcher, error) {
	if opts == nil {
		return nil, errors.New("rss: required watcher options")
	}
	if len(opts.Feeds) == 0 {
		return nil, errors.New("rss: required at least one feed")
	}
	if opts.History == nil || opts.Active == nil {
		return nil, errors.New("rss: required history and active checkers")
	}
	if opts.Submit == nil {
		return nil, errors.New("rss: required submit callback")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		feeds:    append([]string(nil), opts.Feeds...),
		interval: interval,
		history:  opts.History,
		active:   opts.Active,
		submit:   opts.Submit,
		enrich:   opts.Enrich,
		parser:   gofeed.NewParser(),
		log:      logger,
	}, nil
}

// Run polls immediately, then on every interval tick until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	w.Poll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll fetches every feed once and returns how many resources were
// submitted. A feed that fails to fetch is logged and skipped.
func (w *Watcher) Poll(ctx context.Context) int {
	submitted := 0
	for _, feedURL := range w.feeds {
		feed, err := w.parser.ParseURLWithContext(feedURL, ctx)
		if err != nil {
			w.log.Error("fetch feed", zap.String("feed", feedURL), zap.Error(err))
			continue
		}
		for _, item := range feed.Items {
			if item == nil || item.Title == "" {
				continue
			}
			if w.consider(item) {
				submitted++
			}
		}
	}
	return submitted
}

func (w *Watcher) consider(item *gofeed.Item) bool {
	url := downloadURL(item)
	if url == "" {
		w.log.Debug("feed item without download url", zap.String("title", item.Title))
		return false
	}

	downloaded, err := w.history.IsDownloaded(item.Title)
	if err != nil {
		w.log.Error("history lookup", zap.String("title", item.Title), zap.Error(err))
		return false
	}
	if downloaded {
		return false
	}
	if w.active.IsDownloading(url) {
		return false
	}

	res := ParseTitle(item.Title)
	res.DownloadURL = url
	if w.enrich != nil {
		w.enrich(&res)
	}
	w.log.Info("new release",
		zap.String("title", item.Title),
		zap.String("episode", res.EpisodeLabel()),
	)
	w.submit(res)
	return true
}

// downloadURL prefers a torrent enclosure, then a magnet link, then the
// item link.
func downloadURL(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if enc == nil {
			continue
		}
		if enc.Type == "application/x-bittorrent" || strings.HasSuffix(enc.URL, ".torrent") {
			return enc.URL
		}
	}
	if strings.HasPrefix(item.Link, "magnet:") {
		return item.Link
	}
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" {
			return enc.URL
		}
	}
	return item.Link
}
