package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"mini-varlink/config"
)

// Printer is what the other packages log through.
type Printer interface {
	Printf(format string, v ...any)
}

// Logger wraps the standard log.Logger with a level.
type Logger struct {
	*log.Logger
	debug bool
}

// New returns a logger writing to stderr; stdout is left for command output.
func New(prefix string) *Logger {
	return &Logger{Logger: log.New(os.Stderr, prefix+" ", log.LstdFlags|log.Lmsgprefix)}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return &Logger{Logger: log.New(io.Discard, "", 0)}
}

// Configure applies logging settings from config.
func (l *Logger) Configure(cfg config.LoggingConfig) error {
	if l == nil || l.Logger == nil {
		return nil
	}
	level := strings.ToLower(cfg.Level)
	l.debug = level == "debug"
	if level != "" {
		l.SetPrefix(strings.ToUpper(level) + " " + l.Prefix())
	}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err != nil {
			return err
		}
		writer, err := newRollingFile(cfg.FilePath, cfg.FileMaxSize)
		if err != nil {
			return err
		}
		l.SetOutput(io.MultiWriter(os.Stderr, writer))
	}
	return nil
}

// Debug returns a Printer that only writes when the level is debug.
func (l *Logger) Debug() Printer {
	if l == nil || !l.debug {
		return nop{}
	}
	return l
}

type nop struct{}

func (nop) Printf(string, ...any) {}

type rollingFile struct {
	mu   sync.Mutex
	path string
	max  int
	file *os.File
}

func newRollingFile(path string, maxMB int) (*rollingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &rollingFile{path: path, max: maxMB, file: f}, nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 {
		if info, err := r.file.Stat(); err == nil && info.Size()+int64(len(p)) > int64(r.max)*1024*1024 {
			if err := r.rotate(); err != nil {
				n, werr := r.file.Write(p)
				return n, errors.Join(err, werr)
			}
		}
	}
	return r.file.Write(p)
}

// rotate moves the file to path.1 and starts a new one. When the rename
// fails the file is truncated instead so it stays under the size limit.
func (r *rollingFile) rotate() error {
	var errs []error
	if err := r.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}
	flag := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if err := os.Rename(r.path, r.path+".1"); err != nil {
		errs = append(errs, fmt.Errorf("rotate log file: %w", err))
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(r.path, flag, 0o600)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	r.file = f
	return errors.Join(errs...)
}
