package scraper

import (
	"sync"
)

// Outcome classifies how one item ended.
type Outcome int

const (
	Downloaded     Outcome = iota
	SkippedPresent         // already complete in the ledger
	SkippedExists          // final file already on disk
	SkippedType            // sniffed type not in the allow-list
	Simulated              // dry run
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Downloaded:
		return "downloaded"
	case SkippedPresent:
		return "skipped (already present)"
	case SkippedExists:
		return "skipped (exists)"
	case SkippedType:
		return "skipped (filtered by type)"
	case Simulated:
		return "simulated"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Final reports whether retrying cannot change the outcome.
func (o Outcome) Final() bool {
	return o != Failed
}

// Result is what processing one item produced.
type Result struct {
	ImageID  string
	Outcome  Outcome
	Path     string
	Bytes    int64
	Attempts int
	Err      error
}

// Counters are the run totals. They are shared by every worker.
type Counters struct {
	mu sync.Mutex
	c  Totals
}

// Totals is a snapshot of Counters.
type Totals struct {
	Downloaded int   `json:"downloaded" yaml:"downloaded"`
	Simulated  int   `json:"simulated" yaml:"simulated"` // included in Downloaded
	Skipped    int   `json:"skipped" yaml:"skipped"`     // present or existing file
	Filtered   int   `json:"filtered" yaml:"filtered"`   // by file type
	Dropped    int   `json:"dropped" yaml:"dropped"`     // by page filters before dispatch
	Failed     int   `json:"failed" yaml:"failed"`
	Bytes      int64 `json:"bytes" yaml:"bytes"`
	Pages      int   `json:"pages" yaml:"pages"`
}

// Record adds one item result.
func (c *Counters) Record(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch r.Outcome {
	case Downloaded:
		c.c.Downloaded++
		c.c.Bytes += r.Bytes
	case Simulated:
		c.c.Downloaded++
		c.c.Simulated++
	case SkippedPresent, SkippedExists:
		c.c.Skipped++
	case SkippedType:
		c.c.Filtered++
	case Failed:
		c.c.Failed++
	}
}

// AddDropped counts items removed by page filters.
func (c *Counters) AddDropped(n int) {
	c.mu.Lock()
	c.c.Dropped += n
	c.mu.Unlock()
}

// AddPage counts a fetched page.
func (c *Counters) AddPage() {
	c.mu.Lock()
	c.c.Pages++
	c.mu.Unlock()
}

// Snapshot returns a copy of the totals.
func (c *Counters) Snapshot() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c
}
