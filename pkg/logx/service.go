package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./ratecore.log"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Service owns the process sinks. Apply swaps level and sinks in place; every
// Logger derived from the Service picks up the change on its next entry.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	file     *os.File
	filePath string

	cur atomic.Pointer[zerolog.Logger]

	warns  atomic.Uint64
	errs   atomic.Uint64
}

// New sets the zerolog globals (error key "err", millisecond timestamps)
// and applies cfg.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) load() *zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return zl
	}
	return &nop
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Counts reports how many WARN and ERROR entries were written since New.
// Soak summaries surface them next to the scheduling counters.
func (s *Service) Counts() map[string]uint64 {
	return map[string]uint64{"warn": s.warns.Load(), "error": s.errs.Load()}
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Store(&nop)
	return s.closeFileLocked()
}

func (s *Service) closeFileLocked() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}

// Apply rebuilds the root logger from cfg. The log file stays open when its
// path is unchanged; a file that cannot be opened is reported on stderr and
// skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	path := ""
	if cfg.File.Enabled {
		path = strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFilePath
		}
	}
	if path != s.filePath {
		_ = s.closeFileLocked()
		if path != "" {
			if f, err := openLogFile(path); err != nil {
				fmt.Fprintf(stderr, "logx: log file %q: %v\n", path, err)
			} else {
				s.file, s.filePath = f, path
			}
		}
	}

	var sinks []io.Writer
	if cfg.Console || s.file == nil {
		sinks = append(sinks, consoleWriter(stdout))
	}
	if s.file != nil {
		sinks = append(sinks, zerolog.SyncWriter(s.file))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		Hook(zerolog.HookFunc(s.count)).
		With().Timestamp().Logger()
	s.cur.Store(&zl)
}

func (s *Service) count(_ *zerolog.Event, level zerolog.Level, _ string) {
	switch {
	case level >= zerolog.ErrorLevel:
		s.errs.Add(1)
	case level == zerolog.WarnLevel:
		s.warns.Add(1)
	}
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// ParseLevel accepts trace, debug, info, warn/warning and error in any case.
func ParseLevel(s string) (Level, bool) {
	lvl := parseLevel(s, zerolog.NoLevel)
	return lvl, lvl != zerolog.NoLevel
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}
