package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level orders the tags used in log lines ("DEBUG:", "INFO:", ...).
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const (
	defaultMaxSizeMB  = 32
	defaultMaxBackups = 3

	// The tag follows the timestamp, so only the head of a line is scanned.
	tagScanLimit = 48
)

var tags = []struct {
	tag   []byte
	level Level
}{
	{[]byte("DEBUG:"), LevelDebug},
	{[]byte("INFO:"), LevelInfo},
	{[]byte("WARN:"), LevelWarn},
	{[]byte("ERROR:"), LevelError},
	{[]byte("FATAL:"), LevelError},
}

// ParseLevel maps debug, info, warn and error to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level '%s'", s)
}

// LevelWriter drops log lines tagged below Min. Untagged lines pass.
type LevelWriter struct {
	Out io.Writer
	Min Level
}

func (w *LevelWriter) Write(p []byte) (int, error) {
	if lineLevel(p) < w.Min {
		return len(p), nil
	}
	return w.Out.Write(p)
}

func lineLevel(p []byte) Level {
	head := p
	if len(head) > tagScanLimit {
		head = head[:tagScanLimit]
	}
	level, first := LevelInfo, -1
	for _, t := range tags {
		if i := bytes.Index(head, t.tag); i >= 0 && (first < 0 || i < first) {
			level, first = t.level, i
		}
	}
	return level
}

// Options mirrors the log section of the node configuration.
type Options struct {
	File       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
}

// Setup points the standard logger at stderr or a rotating file, filtered by
// level. The returned closer releases the file.
func Setup(opts Options) (io.Closer, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		if lj.MaxSize == 0 {
			lj.MaxSize = defaultMaxSizeMB
		}
		if lj.MaxBackups == 0 {
			lj.MaxBackups = defaultMaxBackups
		}
		out = lj
		closer = lj
	}

	log.SetOutput(&LevelWriter{Out: out, Min: lvl})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
