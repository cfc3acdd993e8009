package cache

import (
	"net/http"
	"time"

	"lifeline/internal/content"
)

// Entry is one cached response.
type Entry struct {
	Key    string
	Class  content.Class
	Status int
	Header http.Header
	Body   []byte

	// Size is the payload size in bytes, the value checked against caps.
	Size     int64
	CachedAt time.Time
	Hash32   uint32

	// Version is the cache version the entry was written under. Entries of
	// any other version are never served.
	Version string
}

// memSize approximates the RAM footprint of the entry.
func (e Entry) memSize() int64 {
	n := int64(len(e.Body)) + int64(len(e.Key)) + 128
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Key builds the cache key for a request: method plus request URI.
func Key(method, requestURI string) string {
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + requestURI
}
