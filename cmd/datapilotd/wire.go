package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"DataPilot/internal/agent"
	"DataPilot/internal/config"
	"DataPilot/internal/knowledge"
	"DataPilot/internal/llm"
	"DataPilot/internal/llm/anthropic"
	"DataPilot/internal/llm/google"
	"DataPilot/internal/llm/openai"
	"DataPilot/internal/runner"
	"DataPilot/internal/sandbox"
	"DataPilot/internal/sandbox/e2b"
	"DataPilot/internal/storage/objectstore"
	"DataPilot/internal/task"
	"DataPilot/pkg/logger"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func initLogger(cfg config.LoggingConfig, outputs []string) error {
	if len(outputs) == 0 {
		outputs = cfg.OutputPaths
	}
	return logger.Init(logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: outputs,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		},
		Audit: logger.AuditConfig{
			Enabled:    cfg.AuditPath != "",
			Path:       cfg.AuditPath,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		},
	})
}

func modelSpec(m config.ModelConfig) llm.ModelSpec {
	return llm.ModelSpec{Provider: m.Provider, ModelName: m.ModelName, MaxTokens: m.MaxTokens}
}

// buildRegistry 注册三个供应商，客户端在首次使用时才创建。
func buildRegistry(ctx context.Context, cfg config.LLMConfig) *llm.Registry {
	timeout := seconds(cfg.TimeoutSeconds)
	roles := cfg.Roles
	return llm.NewRegistry(
		llm.WithProvider(llm.ProviderOpenAI, cfg.OpenAI.APIKey, func() (llm.Client, error) {
			return openai.NewClient(openai.Config{APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL, Timeout: timeout})
		}),
		llm.WithProvider(llm.ProviderAnthropic, cfg.Anthropic.APIKey, func() (llm.Client, error) {
			return anthropic.NewClient(anthropic.Config{APIKey: cfg.Anthropic.APIKey, BaseURL: cfg.Anthropic.BaseURL, Timeout: timeout})
		}),
		llm.WithProvider(llm.ProviderGoogle, cfg.Google.APIKey, func() (llm.Client, error) {
			return google.NewClient(ctx, google.Config{APIKey: cfg.Google.APIKey, BaseURL: cfg.Google.BaseURL, Timeout: timeout})
		}),
		llm.WithRole(llm.RoleDefault, modelSpec(roles.Default)),
		llm.WithRole(llm.RolePlanning, modelSpec(roles.Planning)),
		llm.WithRole(llm.RoleCodePlanning, modelSpec(roles.CodePlanning)),
		llm.WithRole(llm.RoleCodeGeneration, modelSpec(roles.CodeGeneration)),
		llm.WithRole(llm.RoleExecutionObserver, modelSpec(roles.ExecutionObserver)),
		llm.WithRole(llm.RoleReflection, modelSpec(roles.Reflection)),
		llm.WithRole(llm.RoleAnswering, modelSpec(roles.Answering)),
		llm.WithStructuredRetries(cfg.StructuredRetries),
	)
}

func buildSandbox(cfg config.SandboxConfig) (sandbox.Sandbox, error) {
	switch cfg.Driver {
	case "memory":
		logger.L().Warn("使用内存沙箱，代码不会真正执行")
		return sandbox.NewMemory(nil), nil
	case "e2b", "":
		return e2b.NewClient(e2b.Config{
			APIKey:           cfg.E2B.APIKey,
			APIURL:           cfg.E2B.APIURL,
			Domain:           cfg.E2B.Domain,
			Template:         cfg.E2B.Template,
			TimeoutSeconds:   cfg.E2B.TimeoutSeconds,
			WorkingDirectory: cfg.WorkingDirectory,
			ExecutionTimeout: seconds(cfg.ExecutionTimeoutSeconds),
		})
	default:
		return nil, fmt.Errorf("未知的沙箱驱动: %s", cfg.Driver)
	}
}

// buildObjectStore 在未启用对象存储时返回 nil。
func buildObjectStore(ctx context.Context, cfg config.StorageConfig) (objectstore.ObjectStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return objectstore.NewMinIO(ctx, objectstore.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
	})
}

// buildRunner 组装模型、沙箱、Agent 与产物存储。
func buildRunner(ctx context.Context, cfg *config.Config) (*runner.Runner, error) {
	sb, err := buildSandbox(cfg.Sandbox)
	if err != nil {
		return nil, err
	}

	agentOpts := []agent.Option{
		agent.WithLLMTimeout(seconds(cfg.Agent.LLMTimeoutSeconds)),
		agent.WithMaxStepRetries(cfg.Agent.MaxStepRetries),
		agent.WithMaxCodeAttempts(cfg.Agent.MaxCodeAttempts),
		agent.WithRecursionLimit(cfg.Agent.RecursionLimit),
		agent.WithOutputLimit(cfg.Agent.MaxOutputChars, cfg.Agent.OutputSplitRatio),
		agent.WithObserve(cfg.Agent.ObserveEnabled()),
		agent.WithDirectories(cfg.Sandbox.WorkingDirectory, cfg.Sandbox.DataDirectory),
	}
	if cfg.Knowledge.Path != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, cfg.Knowledge.MaxResults)
		if err != nil {
			return nil, err
		}
		agentOpts = append(agentOpts, agent.WithKnowledgeProvider(provider))
	}
	ag := agent.New(buildRegistry(ctx, cfg.LLM), sb, agentOpts...)

	runnerOpts := []runner.Option{
		runner.WithDirectories(cfg.Sandbox.WorkingDirectory, cfg.Sandbox.DataDirectory),
	}
	store, err := buildObjectStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if store != nil {
		runnerOpts = append(runnerOpts, runner.WithObjectStore(store))
	}
	return runner.New(ag, sb, runnerOpts...), nil
}

func sqlConfig(cfg config.TaskStoreConfig) task.SQLConfig {
	return task.SQLConfig{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: seconds(cfg.ConnMaxLifeSec),
	}
}

func buildTaskStore(ctx context.Context, cfg config.TaskStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return task.NewMemoryStore(), nil
	case task.DriverSQLite:
		if !strings.HasPrefix(cfg.DSN, "file:") {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("创建 SQLite 数据目录失败: %w", err)
			}
		}
		return task.NewSQLStore(ctx, sqlConfig(cfg))
	case task.DriverMySQL:
		return task.NewSQLStore(ctx, sqlConfig(cfg))
	case "redis":
		return task.NewRedisStore(ctx, task.RedisStoreConfig{
			Address:   cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Driver)
	}
}

func buildTaskQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "memory", "":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:  cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.KeyPrefix,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
