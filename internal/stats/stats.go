// Package stats tracks throughput of a single run.
package stats

import (
	"fmt"
	"sync"
	"time"

	"go-civitai-scraper/internal/helpers"
)

// DownloadStatistics counts successful downloads and bytes since Start.
// Nothing here is persisted.
type DownloadStatistics struct {
	mu    sync.Mutex
	start time.Time
	count int
	bytes int64
	now   func() time.Time
}

// New starts the clock.
func New() *DownloadStatistics {
	return NewWithClock(time.Now)
}

// NewWithClock uses now as the time source.
func NewWithClock(now func() time.Time) *DownloadStatistics {
	return &DownloadStatistics{start: now(), now: now}
}

// AddDownload records one successful download.
func (s *DownloadStatistics) AddDownload(size int64) {
	s.mu.Lock()
	s.count++
	s.bytes += size
	s.mu.Unlock()
}

// Count returns the number of downloads recorded.
func (s *DownloadStatistics) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Bytes returns the bytes recorded.
func (s *DownloadStatistics) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Elapsed returns the time since the statistics started.
func (s *DownloadStatistics) Elapsed() time.Duration {
	return s.now().Sub(s.start)
}

// Speed returns the average bytes per second.
func (s *DownloadStatistics) Speed() float64 {
	elapsed := s.Elapsed().Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes()) / elapsed
}

// FormatSpeed renders Speed as B/s, KB/s or MB/s.
func (s *DownloadStatistics) FormatSpeed() string {
	speed := s.Speed()
	switch {
	case speed < 1024:
		return fmt.Sprintf("%.1f B/s", speed)
	case speed < 1024*1024:
		return fmt.Sprintf("%.1f KB/s", speed/1024)
	default:
		return fmt.Sprintf("%.2f MB/s", speed/(1024*1024))
	}
}

// FormatSize renders the total bytes.
func (s *DownloadStatistics) FormatSize() string {
	return helpers.BytesToSize(uint64(s.Bytes()))
}

// ETA estimates the time for remaining more downloads from the average file
// size and the current speed. It returns "N/A" before the first download.
func (s *DownloadStatistics) ETA(remaining int) string {
	s.mu.Lock()
	count, bytes := s.count, s.bytes
	s.mu.Unlock()

	if remaining <= 0 || count == 0 {
		return "N/A"
	}
	speed := s.Speed()
	if speed == 0 {
		return "calculating..."
	}
	avg := float64(bytes) / float64(count)
	secs := int(float64(remaining) * avg / speed)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
	}
}
