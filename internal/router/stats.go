package router

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"lifeline/internal/cache"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

// ResponseStats summarizes bodies served from cache or origin.
type ResponseStats struct {
	Responses uint64 `json:"responses"`
	MinBytes  uint64 `json:"minBytes"`
	AvgBytes  uint64 `json:"avgBytes"`
	MaxBytes  uint64 `json:"maxBytes"`
}

func (s *statsCollector) Snapshot() ResponseStats {
	count := s.totalResponses.Load()
	if count == 0 {
		return ResponseStats{}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return ResponseStats{
		Responses: count,
		MinBytes:  minv,
		AvgBytes:  s.totalRespBytes.Load() / count,
		MaxBytes:  s.maxRespBytes.Load(),
	}
}

// StatsLoop logs a usage line every interval until ctx is done. pending
// reports the number of queued actions.
func (rt *Router) StatsLoop(ctx context.Context, every time.Duration, pending func() int) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rt.logStats(pending)
		}
	}
}

func (rt *Router) logStats(pending func() int) {
	cs := rt.store.Stats()
	rs := rt.stats.Snapshot()
	args := []any{
		"keys", cs.Keys,
		"ram", humanize.IBytes(uint64(cs.RAMBytes)),
		"disk", humanize.IBytes(uint64(cs.DiskBytes)),
		"resp_min", humanize.IBytes(rs.MinBytes),
		"resp_avg", humanize.IBytes(rs.AvgBytes),
		"resp_max", humanize.IBytes(rs.MaxBytes),
	}
	if pending != nil {
		args = append(args, "pending", pending())
	}
	if rss, ok := cache.ProcessRSSBytes(); ok {
		args = append(args, "rss", humanize.IBytes(rss))
	}
	rt.logger.Info("stats", args...)
}
