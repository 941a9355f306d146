// Package logging builds the service logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/wonderbest23/galleryapp250527-sub003/config"
)

const timestampFormat = "2006-01-02 15:04:05"

// New returns a logger configured from cfg and a closer for its output.
// An unknown level falls back to info.
func New(cfg config.LogConfig) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat})
	}

	switch cfg.Output {
	case "", "stdout":
		log.SetOutput(os.Stdout)
		return log, nopCloser{}, nil
	case "stderr":
		log.SetOutput(os.Stderr)
		return log, nopCloser{}, nil
	}

	file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	log.SetOutput(file)
	return log, file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
