// agentloopd 是自主任务执行守护进程。
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AgentLoop/internal/api"
	"AgentLoop/internal/cache"
	"AgentLoop/internal/config"
	"AgentLoop/internal/engine"
	xerrors "AgentLoop/internal/errors"
	"AgentLoop/internal/governor"
	"AgentLoop/internal/knowledge"
	"AgentLoop/internal/llm"
	"AgentLoop/internal/llm/openai"
	"AgentLoop/internal/observability/alerting"
	"AgentLoop/internal/queue"
	"AgentLoop/internal/state"
	"AgentLoop/internal/tool"
	"AgentLoop/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径，缺省使用内置默认配置")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "agentloopd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		AddSource:   cfg.Log.AddSource,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled: cfg.Log.AuditFile != "",
			Path:    cfg.Log.AuditFile,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("main")

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	cacheClient, err := buildCache(cfg)
	if err != nil {
		return err
	}
	if cacheClient != nil {
		defer func() { _ = cacheClient.Close() }()
	}

	taskQueue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = taskQueue.Close() }()

	model, err := buildModel(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = model.Close() }()

	gov := governor.New(cacheClient, governor.Config{
		RequestWindow: time.Duration(cfg.Governor.RequestWindowSec) * time.Second,
		RequestMax:    cfg.Governor.RequestMax,
		TokenWindow:   time.Duration(cfg.Governor.TokenWindowSec) * time.Second,
		TokenMax:      cfg.Governor.TokenMax,
		MaxConcurrent: cfg.Governor.MaxConcurrent,
	})

	registry := tool.NewRegistry()
	registry.Register(tool.NewCalculator())

	dispatcher := alerting.NewDispatcher(xerrors.SeverityWarning, alerting.NewLogNotifier())
	emit := engine.MultiSink(engine.LogSink(logger.Named("events")), dispatcher.EventSink())

	stops := engine.NewStopController()
	forks := engine.NewForkManager(store, taskQueue, model, emit, engine.ForkConfig{
		MaxDepth:        cfg.Engine.Fork.MaxDepth,
		DefaultTimeout:  time.Duration(cfg.Engine.Fork.TimeoutSec) * time.Second,
		DefaultMaxSteps: cfg.Engine.Fork.MaxSteps,
		MaxWorkers:      cfg.Engine.Fork.MaxWorkers,
		SummaryLimit:    cfg.Engine.Fork.SummaryLimit,
	})
	sched := engine.NewScheduler(store, model, registry, gov,
		knowledge.NewStaticProvider(cfg.Knowledge), stops, forks, emit, engine.Config{
			MaxSteps:         cfg.Engine.MaxSteps,
			ParseRetryBudget: cfg.Engine.ParseRetryBudget,
			KnowledgeLimit:   cfg.Engine.KnowledgeLimit,
			Model:            cfg.LLM.OpenAI.Model,
			Temperature:      cfg.LLM.OpenAI.Temperature,
		})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processor := engine.NewForkProcessor(taskQueue, forks, cfg.Queue.Workers)
	processor.Start(ctx)

	server := api.NewServer(api.Config{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.ServerReadTimeout(),
		WriteTimeout: cfg.ServerWriteTimeout(),
	}, store, sched, stops, gov, registry)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("收到退出信号，开始优雅下线")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP 服务下线异常", slog.Any("error", err))
	}
	processor.Stop()
	forks.Drain()
	log.Info("agentloopd 已退出")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildStore(cfg *config.Config) (state.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return state.NewMemoryStore(), nil
	case "mysql":
		return state.NewMySQLStore(state.MySQLConfig{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetime) * time.Second,
		})
	case "sqlite":
		return state.NewSQLiteStore(cfg.Storage.SQLite.Path)
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未知的存储驱动: "+cfg.Storage.Driver)
	}
}

func buildCache(cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Driver {
	case "none":
		return nil, nil
	case "memory":
		return cache.NewMemoryCache(), nil
	case "redis":
		return cache.NewRedisCache(cache.RedisConfig{
			Address:  cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未知的缓存驱动: "+cfg.Cache.Driver)
	}
}

func buildQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return queue.NewMemoryQueue(cfg.Queue.Size), nil
	case "redis":
		return queue.NewRedisQueue(queue.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Key:      cfg.Queue.RedisKey,
		})
	case "rabbitmq":
		return queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:       cfg.Queue.RabbitMQ.URL,
			QueueName: cfg.Queue.RabbitMQ.QueueName,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未知的队列驱动: "+cfg.Queue.Driver)
	}
}

func buildModel(cfg *config.Config) (llm.Client, error) {
	return openai.New(openai.Config{
		APIKey:      cfg.LLM.OpenAI.APIKey,
		BaseURL:     cfg.LLM.OpenAI.BaseURL,
		Model:       cfg.LLM.OpenAI.Model,
		Temperature: cfg.LLM.OpenAI.Temperature,
		MaxTokens:   cfg.LLM.OpenAI.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.OpenAI.TimeoutSec) * time.Second,
	})
}
