// Package sink implements the opaque record sink the crawler writes
// discovered pages to, keyed by (dataType, targetPath). The on-disk archive
// format is explicitly out of scope (spec §1); this filesystem
// implementation is a minimal concrete instance of the OutputConfig
// contract (storageType "filesystem", format "json") so the pagination
// engine has something real to drive in tests.
package sink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
)

// FilesystemSink appends newline-delimited JSON records under
// basePath/<dataType>/<targetPath>.jsonl, creating directories as needed.
// Both names are sanitized: '/' becomes '_', characters other than letters,
// digits, '-', '_' and '.' are dropped, and an empty targetPath is "_root".
// One file handle per (dataType, targetPath) pair is cached for the life of
// the sink; Close releases them.
type FilesystemSink struct {
	basePath string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFilesystemSink constructs a sink rooted at basePath.
func NewFilesystemSink(basePath string) *FilesystemSink {
	return &FilesystemSink{basePath: basePath, files: make(map[string]*os.File)}
}

// WriteRecords appends one JSON line per record to the (dataType,
// targetPath) file, opening and caching the handle on first use.
func (s *FilesystemSink) WriteRecords(dataType, targetPath string, records []map[string]interface{}) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := dataType + "\x1f" + targetPath
	f, ok := s.files[key]
	if !ok {
		safeTarget := sanitize(targetPath)
		if safeTarget == "" {
			safeTarget = "_root"
		}
		dir := filepath.Join(s.basePath, sanitize(dataType))
		if err := os.MkdirAll(dir, 0750); err != nil {
			return crawlerr.Wrap(crawlerr.KindResource, crawlerr.SeverityHigh, "failed to create sink directory", err)
		}
		path := filepath.Join(dir, safeTarget+".jsonl")
		opened, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return crawlerr.Wrap(crawlerr.KindResource, crawlerr.SeverityHigh, "failed to open sink file", err)
		}
		s.files[key] = opened
		f = opened
	}

	w := bufio.NewWriter(f)
	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return crawlerr.Wrap(crawlerr.KindMessageParsing, crawlerr.SeverityLow, "failed to marshal record", err)
		}
		if _, err := w.Write(data); err != nil {
			return crawlerr.Wrap(crawlerr.KindResource, crawlerr.SeverityHigh, "failed to write record", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return crawlerr.Wrap(crawlerr.KindResource, crawlerr.SeverityHigh, "failed to write record", err)
		}
	}
	return w.Flush()
}

// Close releases every cached file handle.
func (s *FilesystemSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = make(map[string]*os.File)
	return firstErr
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		case r == '/':
			out = append(out, '_')
		}
	}
	return string(out)
}
