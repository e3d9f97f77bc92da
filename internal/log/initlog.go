package log

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// InitLog records startup milestones to a plain file before the structured
// logger has its final destination. Each line starts with the time in
// milliseconds since the Unix epoch. A nil *InitLog discards everything.
type InitLog struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// OpenInitLog truncates and opens path. An empty path returns nil.
func OpenInitLog(path string) (*InitLog, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open init log: %w", err)
	}
	return &InitLog{file: f, now: time.Now}, nil
}

// Printf appends one timestamped line. Write errors are ignored.
func (l *InitLog) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintf(l.file, "%d %s\n", l.now().UnixMilli(), fmt.Sprintf(format, args...))
}

// Close closes the file.
func (l *InitLog) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}
