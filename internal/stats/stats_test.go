package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestDownloadStatistics(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewWithClock(clock.now)

	assert.Equal(t, "N/A", s.ETA(10), "no downloads yet")
	assert.Equal(t, "0.0 B/s", s.FormatSpeed())

	s.AddDownload(1024 * 1024)
	s.AddDownload(1024 * 1024)
	clock.t = clock.t.Add(2 * time.Second)

	assert.Equal(t, 2, s.Count())
	assert.EqualValues(t, 2*1024*1024, s.Bytes())
	assert.InDelta(t, 1024*1024, s.Speed(), 0.001)
	assert.Equal(t, "1.00 MB/s", s.FormatSpeed())
	assert.Equal(t, "2s", s.ETA(2))
	assert.Equal(t, "1m 40s", s.ETA(100))
	assert.Equal(t, "1h 0m", s.ETA(3600))
	assert.Equal(t, "N/A", s.ETA(0))
}

func TestDownloadStatistics_ZeroElapsed(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := NewWithClock(clock.now)
	s.AddDownload(10)
	assert.Zero(t, s.Speed())
	assert.Equal(t, "calculating...", s.ETA(5))
}
