package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"mediarelay/internal/config"
	fileutil "mediarelay/internal/file"
	"mediarelay/internal/history"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "mediarelay",
	Short:         "Fetch remote media, split it and relay it to external storage",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		return cfg, fmt.Errorf("ensure data dir: %w", err)
	}
	return cfg, nil
}

// openHistory builds the completion history on the configured backend.
// The closer releases the database handle of the sqlite backend.
func openHistory(cfg config.Config) (*history.History, io.Closer, error) {
	path := cfg.History.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.DataDir, path)
	}
	switch cfg.History.Backend {
	case "sqlite":
		db, err := history.OpenSQLite(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open history db: %w", err)
		}
		return history.New(cfg.MaxHistory, db), db, nil
	default:
		return history.New(cfg.MaxHistory, history.NewJSONFile(path)), nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func closeQuietly(c io.Closer, what string) {
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Msg("close " + what)
	}
}
