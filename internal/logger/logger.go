// Package logger builds the application logger.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	// Level is a logrus level name; unknown values fall back to info.
	Level string
	// File enables rotating file output alongside stderr when set.
	File string
}

func New(opts Options) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if opts.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
		log.SetOutput(io.MultiWriter(os.Stderr, rotated))
	}

	return log
}

// NewLogger returns a logger with default options. Kept for call sites
// that do not care about configuration.
func NewLogger() *logrus.Logger {
	return New(Options{})
}
