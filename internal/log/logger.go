package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Options configures a logger.
type Options struct {
	// Level is DEBUG, INFO, WARN or ERROR. Anything else means INFO.
	Level string
	// Format is "json" (default) or "text".
	Format string
	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// ParseLevel maps a level name to a slog level.
// logic: default to INFO. If level is invalid, fallback to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a structured logger from opts.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, hopts)
	} else {
		handler = slog.NewJSONHandler(w, hopts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithComponent returns a logger with the component field set.
func WithComponent(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}

// WithLaunch returns a logger with the launch_id field set.
func WithLaunch(logger *slog.Logger, id string) *slog.Logger {
	return logger.With(slog.String("launch_id", id))
}

// Sink is a writer whose destination can be replaced while loggers built
// on it are in use. The controller starts logging to stderr and moves to
// the log pipe once that is connected.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSink returns a Sink writing to w.
func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Swap redirects future writes to w and returns the previous writer.
func (s *Sink) Swap(w io.Writer) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.w
	s.w = w
	return prev
}
