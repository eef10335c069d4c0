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

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath = "./conduit.log"
)

type Config struct {
	Level string
	// Console enables the stdout sink. ConsoleJSON switches it from the
	// human-readable writer to raw JSON lines.
	Console     bool
	ConsoleJSON bool
	File        FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string // default ./conduit.log
}

// Service owns the sinks. Apply swaps them atomically; loggers handed out
// earlier pick up the change on their next event.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File
	path string

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func setGlobals() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply rebuilds the sinks for cfg. The log file is reopened only when its
// path changes. With every sink disabled, output is discarded.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(os.Stdout, cfg.ConsoleJSON))
	}
	if f := s.syncFile(cfg.File); f != nil {
		sinks = append(sinks, zerolog.SyncWriter(f))
	}

	var out io.Writer = io.Discard
	switch len(sinks) {
	case 0:
	case 1:
		out = sinks[0]
	default:
		out = zerolog.MultiLevelWriter(sinks...)
	}
	zl := zerolog.New(out).Level(ParseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)
}

// syncFile opens, keeps or closes the file sink to match fc. Open failures
// go to stderr since there is no logger to report them to.
func (s *Service) syncFile(fc FileConfig) *os.File {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultFilePath
	}
	if s.file != nil && (!fc.Enabled || path != s.path) {
		_ = s.file.Close()
		s.file, s.path = nil, ""
	}
	if !fc.Enabled || s.file != nil {
		return s.file
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		return nil
	}
	s.file, s.path = f, path
	return f
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file, s.path = nil, ""
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func consoleSink(w io.Writer, asJSON bool) io.Writer {
	if asJSON {
		return zerolog.SyncWriter(w)
	}
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: plainCaller,
	}
}

func plainCaller(i any) string {
	s, _ := i.(string)
	return s
}
