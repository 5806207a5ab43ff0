package logx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	// JSON writes raw zerolog lines to stdout instead of the console format.
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./campaignq.log"
)

var stdout io.Writer = os.Stdout

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Service owns the process outputs. Apply swaps them without invalidating
// loggers handed out earlier.
type Service struct {
	mu   sync.Mutex
	root atomic.Pointer[zerolog.Logger]
	file *os.File
}

// New builds the service from cfg and returns it with its root logger. A log
// file that cannot be opened is reported on the console and skipped.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	if err := s.Apply(cfg); err != nil {
		s.Logger().Error("log output unavailable", Err(err))
	}
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply rebuilds the outputs and level. The console stays on if the file
// cannot be opened, and the error is returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		outs    []io.Writer
		openErr error
		file    *os.File
	)
	if cfg.Console {
		outs = append(outs, consoleOrJSON(cfg.JSON))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			openErr = fmt.Errorf("open log file %q: %w", path, err)
		} else {
			file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	if len(outs) == 0 {
		outs = append(outs, consoleOrJSON(cfg.JSON))
	}

	var w io.Writer = outs[0]
	if len(outs) > 1 {
		w = zerolog.MultiLevelWriter(outs...)
	}
	zl := newRoot(w, cfg.Level)
	s.root.Store(&zl)

	old := s.file
	s.file = file
	if old != nil {
		openErr = errors.Join(openErr, old.Close())
	}
	return openErr
}

// Close releases the log file. Console output keeps working.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	zl := newRoot(consoleWriter(stdout), s.root.Load().GetLevel().String())
	s.root.Store(&zl)
	f := s.file
	s.file = nil
	return f.Close()
}

func newRoot(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level, LevelInfo)).With().Timestamp().Logger()
}

func consoleOrJSON(json bool) io.Writer {
	if json {
		return stdout
	}
	return consoleWriter(stdout)
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}

func parseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return def
}
