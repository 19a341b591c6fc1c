// Package logging builds the per-component loggers. Output goes to stderr
// when verbose, and to a size-rotated file when one is configured.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log output goes.
type Options struct {
	// File receives log output with rotation. Empty disables file output.
	File string

	// Verbose also writes to stderr.
	Verbose bool

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Sink is the shared destination of every component logger.
type Sink struct {
	w       io.Writer
	rotator *lumberjack.Logger
}

// Open creates a Sink. With neither a file nor verbose set, output is
// discarded.
func Open(opts Options) *Sink {
	s := &Sink{}
	var writers []io.Writer

	if opts.Verbose {
		writers = append(writers, os.Stderr)
	}
	if opts.File != "" {
		s.rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		writers = append(writers, s.rotator)
	}

	switch len(writers) {
	case 0:
		s.w = io.Discard
	case 1:
		s.w = writers[0]
	default:
		s.w = io.MultiWriter(writers...)
	}
	return s
}

// Logger returns a logger prefixed with "[component] ".
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.w, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying writer.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// Close closes the log file, if any.
func (s *Sink) Close() error {
	if s.rotator == nil {
		return nil
	}
	return s.rotator.Close()
}
