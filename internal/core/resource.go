// Package core holds the domain model: resources parsed from release
// feeds and the tasks that acquire them.
package core

import (
	"fmt"
	"strings"
)

// VideoQuality is the vertical-resolution label of a release.
type VideoQuality string

const (
	QualityUnknown VideoQuality = "unknown"
	Quality480p    VideoQuality = "480p"
	Quality720p    VideoQuality = "720p"
	Quality1080p   VideoQuality = "1080p"
	Quality2160p   VideoQuality = "2160p"
)

// Language is a one-character subtitle language tag, the convention of
// fansub release titles.
type Language string

const (
	LangChs Language = "简"
	LangCht Language = "繁"
	LangJp  Language = "日"
	LangEng Language = "英"
)

// Resource is one downloadable release. Season and Episode are zero when
// unknown; Version is above 1 for re-released (vN) episodes.
type Resource struct {
	Title       string `json:"title"`
	DownloadURL string `json:"download_url"`

	AnimeName string `json:"anime_name,omitempty"`
	Season    int    `json:"season,omitempty"`
	Episode   int    `json:"episode,omitempty"`
	Version   int    `json:"version,omitempty"`

	Fansub    string       `json:"fansub,omitempty"`
	Quality   VideoQuality `json:"quality,omitempty"`
	Languages []Language   `json:"languages,omitempty"`
}

func (r Resource) CloneResource() Resource {
	c := r
	if r.Languages != nil {
		c.Languages = append([]Language(nil), r.Languages...)
	}
	return c
}

// EpisodeLabel is a short human-readable identifier for log lines,
// e.g. "Frieren S01E04". Unknown parts render as "??".
func (r Resource) EpisodeLabel() string {
	name := r.AnimeName
	if name == "" {
		name = r.Title
	}
	season := "S??"
	if r.Season > 0 {
		season = fmt.Sprintf("S%02d", r.Season)
	}
	episode := "E??"
	if r.Episode > 0 {
		episode = fmt.Sprintf("E%02d", r.Episode)
	}
	return name + " " + season + episode
}

// LanguageTags joins the language tags in release-title style, e.g. "简日".
func (r Resource) LanguageTags() string {
	var b strings.Builder
	for _, lang := range r.Languages {
		b.WriteString(string(lang))
	}
	return b.String()
}
