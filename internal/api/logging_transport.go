package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxLoggedBody caps how much of a JSON body is written to the log.
const maxLoggedBody = 64 << 10

var (
	activeLoggingTransports []*LoggingTransport
	transportsMu            sync.Mutex
)

// LoggingTransport wraps an http.RoundTripper and appends every API exchange
// to a log file. Payload downloads are logged by headers only.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	writer    *bufio.Writer
	mu        sync.Mutex
}

// NewLoggingTransport opens logFilePath for appending and registers the
// transport so CloseAllLoggingTransports can flush it on exit.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	cleanPath := filepath.Clean(logFilePath)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create API log directory: %w", err)
	}
	// #nosec G304
	f, err := os.OpenFile(cleanPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", cleanPath, err)
	}

	if transport == nil {
		transport = http.DefaultTransport
	}

	lt := &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}

	transportsMu.Lock()
	activeLoggingTransports = append(activeLoggingTransports, lt)
	transportsMu.Unlock()
	log.Debugf("Registered LoggingTransport for file: %s", cleanPath)

	return lt, nil
}

// RoundTrip performs the request and appends it, and its response, to the
// log file.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	started := time.Now()
	t.section("Request", started, dumpRequest(req))

	resp, err := t.Transport.RoundTrip(req)
	took := time.Since(started).Round(time.Millisecond)
	if err != nil {
		t.section(fmt.Sprintf("Transport error after %v", took), time.Now(), err.Error())
		return nil, err
	}

	head, _ := httputil.DumpResponse(resp, false)
	title := fmt.Sprintf("Response %d after %v", resp.StatusCode, took)
	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		title += ", rate limit remaining " + remaining
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		t.section(title, time.Now(), string(head)+"(payload not logged)")
		return resp, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if readErr != nil {
		log.WithError(readErr).Warn("[LogTransport] Could not read JSON body")
		t.section(title, time.Now(), string(head)+"(body unreadable)")
		return resp, nil
	}
	shown := string(body)
	if len(body) > maxLoggedBody {
		shown = string(body[:maxLoggedBody]) + fmt.Sprintf("\n... (%d bytes truncated)", len(body)-maxLoggedBody)
	}
	t.section(title, time.Now(), string(head)+shown)
	return resp, nil
}

// dumpRequest renders the request line and headers with the API key hidden.
func dumpRequest(req *http.Request) string {
	c := req.Clone(req.Context())
	if c.Header.Get("Authorization") != "" {
		c.Header.Set("Authorization", "Bearer [redacted]")
	}
	out, err := httputil.DumpRequestOut(c, false)
	if err != nil {
		return "(request dump failed: " + err.Error() + ")"
	}
	return string(out)
}

// section writes one titled block and flushes it.
func (t *LoggingTransport) section(title string, at time.Time, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.writer, "--- %s [%s] ---\n%s\n\n", title, at.Format(time.RFC3339), strings.TrimRight(text, "\r\n"))
	if err := t.writer.Flush(); err != nil {
		log.WithError(err).Error("[LogTransport] Failed to write API log")
	}
}

// Close flushes and closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}

// CloseAllLoggingTransports closes every transport created so far.
func CloseAllLoggingTransports() {
	transportsMu.Lock()
	defer transportsMu.Unlock()

	for _, t := range activeLoggingTransports {
		if err := t.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing logging transport for %s: %v\n", t.logFile.Name(), err)
		}
	}
	activeLoggingTransports = nil
}
