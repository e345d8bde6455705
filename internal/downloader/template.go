package downloader

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kafuneri/Openlist-Ani/internal/core"
)

// DefaultRenameFormat produces names like "Frieren S01E04".
const DefaultRenameFormat = "{anime_name} S{season}E{episode}"

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// SanitizeFilename replaces characters that are invalid in filenames.
func SanitizeFilename(name string) string {
	return strings.TrimSpace(invalidFilenameChars.ReplaceAllString(name, " "))
}

// RenderFilename substitutes resource fields into the rename format.
// Season and episode render zero-padded; enum-ish fields render as their
// plain text labels. An unknown placeholder is an error so the caller can
// fall back to the fixed default pattern.
func RenderFilename(format string, res core.Resource) (string, error) {
	name := SanitizeFilename(res.AnimeName)
	if name == "" {
		name = "Unknown"
	}
	season := res.Season
	if season <= 0 {
		season = 1
	}
	episode := res.Episode
	if episode <= 0 {
		episode = 1
	}
	quality := string(res.Quality)
	if quality == "" {
		quality = string(core.QualityUnknown)
	}

	r := strings.NewReplacer(
		"{anime_name}", name,
		"{season}", fmt.Sprintf("%02d", season),
		"{episode}", fmt.Sprintf("%02d", episode),
		"{quality}", quality,
		"{languages}", res.LanguageTags(),
		"{fansub}", res.Fansub,
	)
	out := strings.TrimSpace(r.Replace(format))
	if strings.Contains(out, "{") || strings.Contains(out, "}") {
		return "", errors.New("downloader: unresolved placeholder in rename format: " + format)
	}
	if out == "" {
		return "", errors.New("downloader: rename format produced an empty name")
	}
	return out, nil
}

// FallbackFilename is the fixed pattern used when the configured format
// cannot be rendered.
func FallbackFilename(res core.Resource) string {
	name := SanitizeFilename(res.AnimeName)
	if name == "" {
		name = "Unknown"
	}
	season := res.Season
	if season <= 0 {
		season = 1
	}
	episode := res.Episode
	if episode <= 0 {
		episode = 1
	}
	return fmt.Sprintf("%s S%02dE%02d", name, season, episode)
}
