// Package thumbnail derives preview image URLs from source video URLs
// without contacting any worker.
package thumbnail

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// youTubeID matches the video identifier in the common YouTube URL shapes:
// watch?v=, youtu.be/, embed/, shorts/ and v/.
var youTubeID = regexp.MustCompile(
	`(?:youtube(?:-nocookie)?\.com/(?:watch\?(?:[^#]*&)?v=|embed/|shorts/|v/|live/)|youtu\.be/)([A-Za-z0-9_-]{6,})`)

const youTubeTemplate = "https://img.youtube.com/vi/%s/hqdefault.jpg"

// Resolve returns a preview image URL for raw, or false when none can be
// derived cheaply. Vimeo links are recognized but deliberately yield
// nothing, since their thumbnails need an API round trip. Malformed input
// never panics; it just yields false.
func Resolve(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case isHost(host, "vimeo.com"):
		return "", false
	case isHost(host, "youtube.com"), isHost(host, "youtube-nocookie.com"), host == "youtu.be":
		m := youTubeID.FindStringSubmatch(raw)
		if m == nil {
			return "", false
		}
		return fmt.Sprintf(youTubeTemplate, m[1]), true
	}

	return "", false
}

func isHost(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}
