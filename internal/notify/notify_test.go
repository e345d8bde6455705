package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kafuneri/Openlist-Ani/internal/core"
)

type recordingSender struct {
	mu       sync.Mutex
	messages []string
	failures int32
}

func (s *recordingSender) Name() string { return "recorder" }

func (s *recordingSender) Send(_ context.Context, title, body string) error {
	if n := atomic.LoadInt32(&s.failures); n > 0 {
		atomic.AddInt32(&s.failures, -1)
		return context.DeadlineExceeded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, title+"\n"+body)
	return nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func TestNotifierBatchesPerSeries(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	n := NewNotifier(&NotifierOptions{Senders: []Sender{sender}})

	n.Report(core.Resource{AnimeName: "Frieren", Season: 1, Episode: 4, Quality: core.Quality1080p})
	n.Report(core.Resource{AnimeName: "Frieren", Season: 1, Episode: 5, Quality: core.Quality1080p})
	n.Report(core.Resource{AnimeName: "Apothecary", Season: 2, Episode: 1})

	n.Flush(context.Background())

	got := sender.sent()
	require.Len(t, got, 2, "one message per series")
	require.Contains(t, got[1], "Frieren updated")
	require.Contains(t, got[1], "Frieren S01E04 [1080p]")
	require.Contains(t, got[1], "Frieren S01E05 [1080p]")
	require.Contains(t, got[0], "Apothecary updated")

	n.Flush(context.Background())
	require.Len(t, sender.sent(), 2, "flush drains the queue")
}

func TestNotifierRetriesFailedSend(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{failures: 1}
	n := NewNotifier(&NotifierOptions{Senders: []Sender{sender}})

	n.Report(core.Resource{AnimeName: "Frieren", Episode: 4})
	n.Flush(context.Background())

	require.Len(t, sender.sent(), 1)
}

func TestNotifierImmediateMode(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	n := NewNotifier(&NotifierOptions{Senders: []Sender{sender}, Window: -1})

	n.Report(core.Resource{AnimeName: "Frieren", Season: 1, Episode: 4})
	n.Report(core.Resource{AnimeName: "Frieren", Season: 1, Episode: 5})

	got := sender.sent()
	require.Len(t, got, 2, "no batching with a negative window")
	require.Contains(t, got[0], "Frieren S01E04")
	require.Contains(t, got[1], "Frieren S01E05")
}

func TestNotifierWithoutSendersIsNoop(t *testing.T) {
	t.Parallel()

	n := NewNotifier(nil)
	n.Report(core.Resource{AnimeName: "Frieren", Episode: 4})
	n.Flush(context.Background())
}

func TestTelegramSender(t *testing.T) {
	t.Parallel()

	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	s := NewTelegramSender("TOKEN", "chat-1")
	s.apiBase = server.URL
	require.NoError(t, s.Send(context.Background(), "Frieren updated", "Frieren S01E04"))
	require.Equal(t, "chat-1", got["chat_id"])
	require.Equal(t, "Frieren updated\nFrieren S01E04", got["text"])
}

func TestPushPlusSender(t *testing.T) {
	t.Parallel()

	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	s := NewPushPlusSender("pp-token")
	s.endpoint = server.URL
	require.NoError(t, s.Send(context.Background(), "Frieren updated", "Frieren S01E04"))
	require.Equal(t, "pp-token", got["token"])
	require.Equal(t, "Frieren updated", got["title"])
}

func TestSenderRejectsBadStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	s := NewPushPlusSender("pp-token")
	s.endpoint = server.URL
	require.Error(t, s.Send(context.Background(), "x", "y"))
}
