// Package content classifies requests and responses by payload kind.
package content

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// Class is the payload kind of a request. It drives cache caps, timeout
// budgets and strategy selection.
type Class int

const (
	Other Class = iota
	Document
	Image
	Script
	Style
	Font
	JSON
	API
	Media
)

var classNames = [...]string{
	Other:    "other",
	Document: "document",
	Image:    "image",
	Script:   "script",
	Style:    "style",
	Font:     "font",
	JSON:     "json",
	API:      "api",
	Media:    "media",
}

func (c Class) String() string {
	if int(c) >= 0 && int(c) < len(classNames) {
		return classNames[c]
	}
	return "other"
}

// MarshalText renders the class by name.
func (c Class) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Parse maps a class name back to its Class. Unknown names map to Other.
func Parse(name string) (Class, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range classNames {
		if n == name {
			return Class(i), true
		}
	}
	return Other, false
}

// All lists every class.
func All() []Class {
	out := make([]Class, len(classNames))
	for i := range classNames {
		out[i] = Class(i)
	}
	return out
}

var suffixes = map[string]Class{
	".html":  Document,
	".htm":   Document,
	".php":   Document,
	".png":   Image,
	".jpg":   Image,
	".jpeg":  Image,
	".gif":   Image,
	".webp":  Image,
	".avif":  Image,
	".svg":   Image,
	".ico":   Image,
	".js":    Script,
	".mjs":   Script,
	".css":   Style,
	".woff":  Font,
	".woff2": Font,
	".ttf":   Font,
	".otf":   Font,
	".eot":   Font,
	".json":  JSON,
	".mp4":   Media,
	".webm":  Media,
	".mov":   Media,
	".m4v":   Media,
	".mp3":   Media,
	".ogg":   Media,
	".wav":   Media,
	".m4a":   Media,
}

var apiMarkers = []string{"/wp-json/", "admin-ajax.php", "/wc-api/", "/wc/store/"}

// Classify derives the class of an intercepted request from navigation mode,
// Sec-Fetch-Dest, the URL and the Accept header, in that order.
func Classify(r *http.Request) Class {
	p := r.URL.Path
	lp := strings.ToLower(p)
	for _, m := range apiMarkers {
		if strings.Contains(lp, m) {
			return API
		}
	}
	if r.URL.Query().Get("wc-ajax") != "" {
		return API
	}

	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return Document
	}
	switch strings.ToLower(r.Header.Get("Sec-Fetch-Dest")) {
	case "document", "iframe":
		return Document
	case "image":
		return Image
	case "script", "worker", "sharedworker", "serviceworker":
		return Script
	case "style":
		return Style
	case "font":
		return Font
	case "video", "audio", "track":
		return Media
	}

	if c, ok := suffixes[path.Ext(lp)]; ok {
		return c
	}

	accept := strings.ToLower(r.Header.Get("Accept"))
	switch {
	case strings.Contains(accept, "text/html"):
		return Document
	case strings.HasPrefix(accept, "image/"):
		return Image
	case strings.Contains(accept, "text/css"):
		return Style
	case strings.HasPrefix(accept, "application/json"):
		return JSON
	case strings.HasPrefix(accept, "video/"), strings.HasPrefix(accept, "audio/"):
		return Media
	}

	// Pretty permalinks ("/excursions/mount-cameroon/") are pages.
	if path.Ext(lp) == "" {
		return Document
	}
	return Other
}

// FromMIME maps a response Content-Type to a class.
func FromMIME(contentType string) Class {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mt == "text/html", mt == "application/xhtml+xml":
		return Document
	case strings.HasPrefix(mt, "image/"):
		return Image
	case mt == "text/css":
		return Style
	case strings.Contains(mt, "javascript"), mt == "text/ecmascript":
		return Script
	case strings.HasPrefix(mt, "font/"), strings.Contains(mt, "font-woff"):
		return Font
	case mt == "application/json", strings.HasSuffix(mt, "+json"):
		return JSON
	case strings.HasPrefix(mt, "video/"), strings.HasPrefix(mt, "audio/"):
		return Media
	}
	return Other
}
