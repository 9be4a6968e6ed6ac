// Package main provides the spriteforge service entrypoint.
//
// Usage:
//
//	spriteforge serve --config spriteforge.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/spriteforge/cache"
	"github.com/justapithecus/spriteforge/cli/config"
	"github.com/justapithecus/spriteforge/dedup"
	"github.com/justapithecus/spriteforge/log"
	"github.com/justapithecus/spriteforge/pipeline"
	"github.com/justapithecus/spriteforge/progress"
	"github.com/justapithecus/spriteforge/provider"
	"github.com/justapithecus/spriteforge/pull"
	"github.com/justapithecus/spriteforge/push"
	"github.com/justapithecus/spriteforge/queue"
	"github.com/justapithecus/spriteforge/server"
	"github.com/justapithecus/spriteforge/types"
)

// commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:    "spriteforge",
		Usage:   "Asynchronous sprite generation pipeline",
		Version: fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		Commands: []*cli.Command{
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the generation service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Value:   "spriteforge.yaml",
			},
		},
		Action: func(c *cli.Context) error {
			return serve(c.Context, c.String("config"))
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.NewLogger()

	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Queue.DB != 0 {
		redisOpts.DB = cfg.Queue.DB
	}
	redisClient := goredis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()

	s3Store, err := cache.NewS3Store(ctx, cache.S3Config{
		Bucket:       cfg.Storage.Bucket,
		Prefix:       cfg.Storage.Prefix,
		Region:       cfg.Storage.Region,
		Endpoint:     cfg.Storage.Endpoint,
		UsePathStyle: cfg.Storage.S3PathStyle,
	})
	if err != nil {
		return fmt.Errorf("open durable cache tier: %w", err)
	}

	resultCache := cache.NewTwoTier(
		cache.NewRedisTier(redisClient, cfg.CacheTTL(), logger),
		cache.NewObjectTier(s3Store, logger,
			cache.WithSizeWarnBytes(int(cfg.Cache.SizeWarnBytes))),
		logger,
	)

	generator, err := provider.New(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: cfg.Provider.Timeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("configure provider: %w", err)
	}
	defer func() { _ = generator.Close() }()

	sessions := push.NewManager(logger,
		push.WithKeepAliveInterval(cfg.Push.KeepAliveInterval.Duration))

	// The processor is bound after the queue exists; the queue hands
	// jobs through this closure.
	var processor *pipeline.Processor
	jobQueue, err := queue.New(redisClient, queue.Config{
		Name:              cfg.Queue.Name,
		DB:                cfg.Queue.DB,
		Concurrency:       cfg.Queue.Concurrency,
		MaxJobsPerUser:    cfg.Queue.MaxJobsPerUser,
		SystemQueueLimit:  cfg.Queue.SystemQueueLimit,
		WarningThreshold:  cfg.Queue.WarningThreshold,
		MaxRetries:        cfg.Retry.MaxRetries,
		BackoffDelay:      cfg.Retry.BackoffDelay.Duration,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}, queue.HandlerFunc(func(ctx context.Context, job *types.Job) error {
		return processor.Process(ctx, job)
	}), logger)
	if err != nil {
		return fmt.Errorf("configure queue: %w", err)
	}

	tracker := progress.NewTracker(jobQueue, sessions, logger,
		progress.WithInterval(cfg.Push.UpdateInterval.Duration))
	jobQueue.SetNotifier(tracker)
	processor = pipeline.NewProcessor(generator, resultCache, tracker, logger,
		pipeline.WithResultTTL(cfg.CacheTTL()))

	service := pipeline.NewService(
		dedup.NewGate(redisClient, cfg.DedupWindow()),
		resultCache,
		jobQueue,
		logger,
	)
	status := pull.NewManager(jobQueue, logger)

	srv := server.New(server.Config{
		Addr:        cfg.Server.Addr,
		ReadTimeout: cfg.Server.ReadTimeout.Duration,
	}, service, sessions, status, logger)

	if err := jobQueue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown_signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	// Stop intake first, then drain workers, sessions, and background
	// cache writes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server_shutdown_error", map[string]any{"error": err})
	}
	jobQueue.Stop()
	sessions.CloseAll()
	resultCache.Wait()

	logger.Info("shutdown_complete", nil)
	return nil
}
