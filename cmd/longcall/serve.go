package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/seantiz/longcall/internal/api"
	"github.com/seantiz/longcall/internal/backend"
	"github.com/seantiz/longcall/internal/backend/process"
	"github.com/seantiz/longcall/internal/backend/queue"
	"github.com/seantiz/longcall/internal/config"
	"github.com/seantiz/longcall/internal/manager"
	"github.com/seantiz/longcall/internal/store"
)

const closeTimeout = 30 * time.Second

func doServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfigFilePath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	logger.Info("longcall: starting",
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.Backend.Name,
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Enabled,
	)

	reg, err := newRegistry()
	if err != nil {
		return err
	}

	loc := store.Locator{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN}
	results, err := store.Open(ctx, loc)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer results.Close()

	backends := backend.NewRegistry()
	backends.Register(process.Name, func() (backend.Backend, error) {
		b, err := process.New(process.Config{
			Command:       cfg.Process.Command,
			MaxConcurrent: cfg.Process.MaxConcurrent,
			KillWait:      cfg.Process.KillWait,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	backends.Register(queue.Name, func() (backend.Backend, error) {
		b, err := queue.New(queue.Config{
			Redis:     redisOpt(cfg.Queue),
			Queue:     cfg.Queue.Queue,
			Retention: cfg.Queue.Retention,
			Timeout:   cfg.Queue.Timeout,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Error("close backends", "error", err)
		}
	}()

	b, err := backends.Resolve(cfg.Backend.Name)
	if err != nil {
		return err
	}

	opts := []manager.Option{
		manager.WithLocator(loc),
		manager.WithLogger(logger),
		manager.WithSupersede(cfg.Manager.Supersede),
		manager.WithResultTTL(cfg.Manager.ResultTTL),
		manager.WithReapSchedule(cfg.Manager.ReapSchedule),
	}
	if cfg.Cache.Enabled {
		var cacheBy []manager.CacheByFunc
		if cfg.Cache.PerSession {
			cacheBy = append(cacheBy, api.SessionCacheBy)
		}
		opts = append(opts, manager.WithCache(cacheBy...), manager.WithExpire(cfg.Cache.Expire))
	}
	m := manager.New(b, results, reg, opts...)
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := m.Close(closeCtx); err != nil {
			logger.Error("close manager", "error", err)
		}
	}()

	srv, err := api.NewServer(api.Config{
		Addr:         cfg.Server.ListenAddr,
		PollInterval: cfg.Server.PollInterval,
		SubmitRate:   cfg.Server.SubmitRate,
		SubmitBurst:  cfg.Server.SubmitBurst,
		TokenSecret:  []byte(cfg.Server.TokenSecret),
	}, m, backends, logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func doWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfigFilePath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	reg, err := newRegistry()
	if err != nil {
		return err
	}

	w := queue.NewWorker(queue.WorkerConfig{
		Redis:        redisOpt(cfg.Queue),
		Queue:        cfg.Queue.Queue,
		Concurrency:  cfg.Queue.Concurrency,
		Registry:     reg,
		Logger:       logger,
		BrokerLogger: brokerLogger(cfg.Server.LogLevel),
	})
	logger.Info("longcall: worker starting", "queue", cfg.Queue.Queue, "concurrency", cfg.Queue.Concurrency)
	return w.Run(ctx)
}

func redisOpt(q config.QueueConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

// brokerLogger adapts asynq's log output to JSON on stderr.
func brokerLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}
