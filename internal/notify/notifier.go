package notify

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kafuneri/Openlist-Ani/internal/core"
)

const (
	defaultWindow      = 30 * time.Second
	sendMaxAttempts    = 3
	sendInitialBackoff = time.Second
)

type NotifierOptions struct {
	Senders []Sender
	// Window is how long reports accumulate before a flush. Zero means
	// the default; a negative window disables batching and every report
	// goes out on its own.
	Window time.Duration
	Logger *zap.Logger
}

// Notifier batches completed downloads per series. Several episodes of
// one show finishing inside the window become a single message.
type Notifier struct {
	senders   []Sender
	window    time.Duration
	immediate bool
	log       *zap.Logger

	mu    sync.Mutex
	queue map[string][]core.Resource
}

func NewNotifier(opts *NotifierOptions) *Notifier {
	window := defaultWindow
	immediate := false
	logger := zap.NewNop()
	var senders []Sender
	if opts != nil {
		if opts.Window > 0 {
			window = opts.Window
		}
		immediate = opts.Window < 0
		if opts.Logger != nil {
			logger = opts.Logger
		}
		senders = append(senders, opts.Senders...)
	}
	return &Notifier{
		senders:   senders,
		window:    window,
		immediate: immediate,
		log:       logger,
		queue:     map[string][]core.Resource{},
	}
}

// Report queues one completed resource for the next flush. In immediate
// mode the message is sent right away instead.
func (n *Notifier) Report(res core.Resource) {
	if len(n.senders) == 0 {
		return
	}
	name := res.AnimeName
	if name == "" {
		name = res.Title
	}
	if n.immediate {
		ctx, cancel := context.WithTimeout(context.Background(), senderTimeout)
		defer cancel()
		title, body := composeMessage(name, []core.Resource{res})
		for _, sender := range n.senders {
			n.deliver(ctx, sender, title, body)
		}
		return
	}
	n.mu.Lock()
	n.queue[name] = append(n.queue[name], res.CloneResource())
	n.mu.Unlock()
}

// Run flushes the queue every window until ctx ends, then once more so
// shutdown does not drop pending reports. In immediate mode there is
// nothing to flush and Run only waits for ctx.
func (n *Notifier) Run(ctx context.Context) {
	if n.immediate {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(n.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), senderTimeout)
			n.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			n.Flush(ctx)
		}
	}
}

// Flush sends one message per series with queued episodes.
func (n *Notifier) Flush(ctx context.Context) {
	n.mu.Lock()
	pending := n.queue
	n.queue = map[string][]core.Resource{}
	n.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	names := make([]string, 0, len(pending))
	for name := range pending {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		title, body := composeMessage(name, pending[name])
		for _, sender := range n.senders {
			n.deliver(ctx, sender, title, body)
		}
	}
}

func composeMessage(name string, episodes []core.Resource) (title, body string) {
	title = name + " updated"
	lines := make([]string, 0, len(episodes))
	for _, ep := range episodes {
		line := ep.EpisodeLabel()
		if ep.Quality != "" && ep.Quality != core.QualityUnknown {
			line += " [" + string(ep.Quality) + "]"
		}
		lines = append(lines, line)
	}
	return title, strings.Join(lines, "\n")
}

// deliver retries with doubling backoff; a report that still fails is
// logged and dropped.
func (n *Notifier) deliver(ctx context.Context, sender Sender, title, body string) {
	backoff := sendInitialBackoff
	var lastErr error
	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		err := sender.Send(ctx, title, body)
		if err == nil {
			return
		}
		lastErr = err
		if attempt == sendMaxAttempts {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			n.log.Error("notification cancelled",
				zap.String("sender", sender.Name()),
				zap.Error(ctx.Err()),
			)
			return
		}
		timer.Stop()
		backoff *= 2
	}
	n.log.Error("notification failed",
		zap.String("sender", sender.Name()),
		zap.String("title", title),
		zap.Error(lastErr),
	)
}
