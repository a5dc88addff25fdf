package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	// Level is a logrus level name; empty means info.
	Level string
	// Format is "json" (default) or "text".
	Format string
	// File, when set, receives a rotated copy of everything written to Console.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console defaults to os.Stdout.
	Console io.Writer
}

// Logger wraps the configured logrus logger together with its rotating file,
// if any. It satisfies the Printf-style Logger used by the library packages.
type Logger struct {
	*logrus.Logger
	file *lumberjack.Logger
}

func New(opts Options) (*Logger, error) {
	level := logrus.InfoLevel
	if strings.TrimSpace(opts.Level) != "" {
		parsed, err := logrus.ParseLevel(strings.TrimSpace(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	var formatter logrus.Formatter
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
		formatter = &logrus.JSONFormatter{}
	case "text":
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	out := console
	var file *lumberjack.Logger
	if path := strings.TrimSpace(opts.File); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir failed: %w", err)
		}
		file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(console, file)
	}

	base := logrus.New()
	base.SetLevel(level)
	base.SetFormatter(formatter)
	base.SetOutput(out)
	return &Logger{Logger: base, file: file}, nil
}

// Component returns a Printf logger tagged with the component name.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.WithField("component", name)
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
