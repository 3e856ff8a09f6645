package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

func newLogger(rawLevel string) (*slog.Logger, error) {
	level := log.InfoLevel
	if strings.TrimSpace(rawLevel) != "" {
		parsed, err := log.ParseLevel(strings.TrimSpace(rawLevel))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q", rawLevel)
		}
		level = parsed
	}

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
