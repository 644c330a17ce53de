package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"mediarelay/internal/api"
	"mediarelay/internal/config"
	"mediarelay/internal/fetch"
	"mediarelay/internal/history"
	"mediarelay/internal/logging"
	"mediarelay/internal/relay"
	"mediarelay/internal/task"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and the task pipeline",
	RunE:  func(*cobra.Command, []string) error { return serve() },
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer closeQuietly(logCloser, "log writer")

	hist, histCloser, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer closeQuietly(histCloser, "history backend")

	relayer, err := relay.New(relay.Options{
		Endpoint:  cfg.Relay.Endpoint,
		FileField: cfg.Relay.FileField,
		LinkField: cfg.Relay.LinkField,
		Timeout:   cfg.Relay.Timeout,
		Retries:   cfg.Relay.Retries,
		Headers:   cfg.Relay.Headers,
	})
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	defer closeQuietly(relayer, "relay client")

	fetcher, err := fetch.NewRouter(cfg.Fetch.Mode, fetch.NewHTTP(cfg.Fetch.HTTPTimeout), fetch.NewYTDLP(cfg.Fetch.Format), cfg.Fetch.YTDLPHosts)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	taskManager := buildTaskManager(cfg, fetcher, relayer, hist)

	if cfg.Retention.Schedule != "" {
		sweeper, err := taskManager.StartRetention(cfg.Retention.Schedule, cfg.Retention.TaskTTL, cfg.Retention.StaleAfter)
		if err != nil {
			return err //nolint:wrapcheck
		}
		defer sweeper.Stop()
	}

	router := setupRouter()
	wireAPI(router, taskManager, hist)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	taskManager.SetBaseContext(baseCtx)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Int("max_concurrent_tasks", cfg.MaxConcurrentTasks).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		baseCancel()
		return fmt.Errorf("http server failed: %w", err)
	case <-waitForShutdownSignal():
	}

	gracefulShutdown(srv, baseCancel, taskManager, shutdownTimeout)
	return nil
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func buildTaskManager(cfg config.Config, fetcher task.Fetcher, relayer task.Relayer, hist *history.History) *task.Manager {
	tm := task.NewManagerWithOptions(task.Options{
		DataDir:            cfg.DataDir,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		SegmentThreshold:   cfg.SegmentBytes,
		Fetcher:            fetcher,
		Relayer:            relayer,
		History:            hist,
		Persister:          task.NewFileStore(cfg.DataDir),
	})

	if err := tm.LoadFromDisk(); err != nil {
		log.Warn().Err(err).Msg("restore tasks failed")
	}
	return tm
}

func wireAPI(router *gin.Engine, tm *task.Manager, hist *history.History) {
	apiHandler := api.NewAPI(tm, hist)
	apiHandler.RegisterRoutes(router)
	apiHandler.RegisterUIRoutes(router)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() <-chan os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	return quit
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, tm *task.Manager, timeout time.Duration) {
	log.Info().Msg("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	done := tm.WaitAll(ctx)
	if !done {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
