// Package rss watches release feeds and turns new entries into
// downloadable resources.
package rss

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kafuneri/Openlist-Ani/internal/core"
)

var (
	fansubRe  = regexp.MustCompile(`^[\[【]([^\]】]+)[\]】]`)
	episodeRe = regexp.MustCompile(`(?i)(?:\[|\s|第|E)(\d{1,3})(?:[vV](\d))?(?:\]|\s|话|話|集|$)`)
	seasonRe  = regexp.MustCompile(`(?i)(?:S|Season\s*)(\d{1,2})\b`)
	qualityRe = regexp.MustCompile(`(?i)(2160p|4k|1080p|720p|480p)`)
)

var languageMarkers = []struct {
	marker string
	lang   core.Language
}{
	{"简", core.LangChs},
	{"CHS", core.LangChs},
	{"GB", core.LangChs},
	{"繁", core.LangCht},
	{"CHT", core.LangCht},
	{"BIG5", core.LangCht},
	{"日", core.LangJp},
	{"ENG", core.LangEng},
}

// ParseTitle extracts structured release metadata from a feed entry
// title, best effort. Fields it cannot recognize stay at their zero
// values.
func ParseTitle(title string) core.Resource {
	res := core.Resource{Title: title}

	rest := title
	if m := fansubRe.FindStringSubmatch(rest); m != nil {
		res.Fansub = strings.TrimSpace(m[1])
		rest = rest[len(m[0]):]
	}

	if m := seasonRe.FindStringSubmatch(rest); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			res.Season = n
		}
	}

	if m := qualityRe.FindStringSubmatch(rest); m != nil {
		switch strings.ToLower(m[1]) {
		case "2160p", "4k":
			res.Quality = core.Quality2160p
		case "1080p":
			res.Quality = core.Quality1080p
		case "720p":
			res.Quality = core.Quality720p
		case "480p":
			res.Quality = core.Quality480p
		}
	}

	// The episode number is the first standalone small number that is
	// not part of a resolution or a season tag.
	cleaned := qualityRe.ReplaceAllString(rest, "")
	cleaned = seasonRe.ReplaceAllString(cleaned, "")
	if m := episodeRe.FindStringSubmatch(cleaned); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			res.Episode = n
		}
		if m[2] != "" {
			if v, err := strconv.Atoi(m[2]); err == nil {
				res.Version = v
			}
		}
	}

	upper := strings.ToUpper(rest)
	seen := map[core.Language]bool{}
	for _, lm := range languageMarkers {
		if seen[lm.lang] {
			continue
		}
		if strings.Contains(rest, lm.marker) || strings.Contains(upper, lm.marker) {
			seen[lm.lang] = true
			res.Languages = append(res.Languages, lm.lang)
		}
	}

	res.AnimeName = guessAnimeName(rest, res.Episode)
	return res
}

// guessAnimeName takes the text before the episode marker, stripped of
// bracket groups, as the series name.
func guessAnimeName(rest string, episode int) string {
	name := rest
	if episode > 0 {
		marker := regexp.MustCompile(`(?:\s-\s|\[|第|\sE?)0*` + strconv.Itoa(episode))
		if loc := marker.FindStringIndex(name); loc != nil {
			name = name[:loc[0]]
		}
	}
	name = regexp.MustCompile(`[\[【][^\]】]*[\]】]`).ReplaceAllString(name, " ")
	name = seasonRe.ReplaceAllString(name, " ")
	name = strings.Trim(name, " -_/")
	return strings.Join(strings.Fields(name), " ")
}
