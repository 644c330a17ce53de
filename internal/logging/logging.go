// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"mediarelay/internal/config"
	fileutil "mediarelay/internal/file"
)

// Setup points log.Logger at the configured output and sets the global level.
// The returned closer flushes a rotating file writer; it is a no-op for stdio.
func Setup(cfg config.LogConfig) (io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out, closer, err := output(cfg)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(cfg.Format, "json") {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: strings.EqualFold(cfg.Output, "file")})
	}
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func output(cfg config.LogConfig) (io.Writer, io.Closer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log.file is required when log.output is file")
		}
		if err := fileutil.EnsureDir(filepath.Dir(cfg.File)); err != nil {
			return nil, nil, err //nolint:wrapcheck
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		return rotating, rotating, nil
	default:
		return nil, nil, fmt.Errorf("unknown log.output %q", cfg.Output)
	}
}
