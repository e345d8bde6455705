package rss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kafuneri/Openlist-Ani/internal/core"
)

func TestParseTitle(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		title string
		want  core.Resource
	}{
		{
			title: "[SubGroup] Frieren - 04 [1080p][简日]",
			want: core.Resource{
				Title:     "[SubGroup] Frieren - 04 [1080p][简日]",
				AnimeName: "Frieren",
				Episode:   4,
				Fansub:    "SubGroup",
				Quality:   core.Quality1080p,
				Languages: []core.Language{core.LangChs, core.LangJp},
			},
		},
		{
			title: "[Ani] Shadow Garden S2 - 11v2 [720p][CHT]",
			want: core.Resource{
				Title:     "[Ani] Shadow Garden S2 - 11v2 [720p][CHT]",
				AnimeName: "Shadow Garden",
				Season:    2,
				Episode:   11,
				Version:   2,
				Fansub:    "Ani",
				Quality:   core.Quality720p,
				Languages: []core.Language{core.LangCht},
			},
		},
		{
			title: "【字幕组】某动画 第05话 4K",
			want: core.Resource{
				Title:     "【字幕组】某动画 第05话 4K",
				AnimeName: "某动画",
				Episode:   5,
				Fansub:    "字幕组",
				Quality:   core.Quality2160p,
			},
		},
	}

	for _, tc := range testCases {
		got := ParseTitle(tc.title)
		require.Equal(t, tc.want, got, tc.title)
	}
}

func TestParseTitleUnrecognized(t *testing.T) {
	t.Parallel()

	got := ParseTitle("mystery blob")
	require.Equal(t, "mystery blob", got.Title)
	require.Zero(t, got.Episode)
	require.Empty(t, got.Quality)
}

type fakeHistory map[string]bool

func (h fakeHistory) IsDownloaded(title string) (bool, error) { return h[title], nil }

type fakeActive map[string]bool

func (a fakeActive) IsDownloading(url string) bool { return a[url] }

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>releases</title>
  <item>
    <title>[Sub] Frieren - 03 [1080p]</title>
    <link>https://example.com/3</link>
    <enclosure url="https://example.com/3.torrent" type="application/x-bittorrent" length="1"/>
  </item>
  <item>
    <title>[Sub] Frieren - 04 [1080p]</title>
    <link>https://example.com/4</link>
    <enclosure url="https://example.com/4.torrent" type="application/x-bittorrent" length="1"/>
  </item>
  <item>
    <title>[Sub] Frieren - 05 [1080p]</title>
    <link>magnet:?xt=urn:btih:ep5</link>
  </item>
</channel>
</rss>`

func TestWatcherPollSubmitsOnlyNewReleases(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(feedXML))
	}))
	t.Cleanup(server.Close)

	var got []core.Resource
	w, err := NewWatcher(&WatcherOptions{
		Feeds:   []string{server.URL},
		History: fakeHistory{"[Sub] Frieren - 03 [1080p]": true},
		Active:  fakeActive{"https://example.com/4.torrent": true},
		Submit:  func(res core.Resource) { got = append(got, res) },
	})
	require.NoError(t, err)

	require.Equal(t, 1, w.Poll(context.Background()))
	require.Len(t, got, 1)
	require.Equal(t, "magnet:?xt=urn:btih:ep5", got[0].DownloadURL)
	require.Equal(t, "Frieren", got[0].AnimeName)
	require.Equal(t, 5, got[0].Episode)
}

func TestWatcherEnrichAdjustsResource(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(feedXML))
	}))
	t.Cleanup(server.Close)

	var got []core.Resource
	w, err := NewWatcher(&WatcherOptions{
		Feeds:   []string{server.URL},
		History: fakeHistory{},
		Active:  fakeActive{},
		Submit:  func(res core.Resource) { got = append(got, res) },
		Enrich:  func(res *core.Resource) { res.Season = 2 },
	})
	require.NoError(t, err)

	require.Equal(t, 3, w.Poll(context.Background()))
	for _, res := range got {
		require.Equal(t, 2, res.Season)
	}
}

func TestWatcherPollSkipsBrokenFeed(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	w, err := NewWatcher(&WatcherOptions{
		Feeds:   []string{server.URL},
		History: fakeHistory{},
		Active:  fakeActive{},
		Submit:  func(core.Resource) { t.Error("nothing should be submitted") },
	})
	require.NoError(t, err)
	require.Zero(t, w.Poll(context.Background()))
}
