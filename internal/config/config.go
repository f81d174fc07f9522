package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PathEnv 指定配置文件路径的环境变量。
const PathEnv = "DATAPILOT_CONFIG"

// DefaultPath 为未设置 PathEnv 时使用的配置文件。
const DefaultPath = "configs/datapilot.yaml"

// Config 描述了 DataPilot 在启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server"`
	Security      SecurityConfig      `json:"security" yaml:"security"`
	LLM           LLMConfig           `json:"llm" yaml:"llm"`
	Sandbox       SandboxConfig       `json:"sandbox" yaml:"sandbox"`
	Agent         AgentConfig         `json:"agent" yaml:"agent"`
	Task          TaskConfig          `json:"task" yaml:"task"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Knowledge     KnowledgeConfig     `json:"knowledge" yaml:"knowledge"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string   `json:"address" yaml:"address"`
	AllowedOrigins      []string `json:"allowed_origins" yaml:"allowed_origins"`
	MaxFileSizeBytes    int64    `json:"max_file_size_bytes" yaml:"max_file_size_bytes"`
	MaxRequestBytes     int64    `json:"max_request_bytes" yaml:"max_request_bytes"`
	ReadTimeoutSeconds  int      `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// SecurityConfig 描述 API Key 校验。
type SecurityConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
}

// LLMConfig 用于配置各个大模型供应商以及每个角色使用的模型。
type LLMConfig struct {
	OpenAI            ProviderConfig `json:"openai" yaml:"openai"`
	Anthropic         ProviderConfig `json:"anthropic" yaml:"anthropic"`
	Google            ProviderConfig `json:"google" yaml:"google"`
	TimeoutSeconds    int            `json:"timeout_seconds" yaml:"timeout_seconds"`
	StructuredRetries int            `json:"structured_retries" yaml:"structured_retries"`
	Roles             RolesConfig    `json:"roles" yaml:"roles"`
}

// ProviderConfig 描述单个大模型供应商的访问凭据。
type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// ModelConfig 对应一个角色的模型选择。
type ModelConfig struct {
	Provider  string `json:"provider" yaml:"provider"`
	ModelName string `json:"model_name" yaml:"model_name"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens"`
}

// RolesConfig 为 Agent 的每个节点指定模型，未配置的角色继承 Default。
type RolesConfig struct {
	Default           ModelConfig `json:"default" yaml:"default"`
	Planning          ModelConfig `json:"planning" yaml:"planning"`
	CodePlanning      ModelConfig `json:"code_planning" yaml:"code_planning"`
	CodeGeneration    ModelConfig `json:"code_generation" yaml:"code_generation"`
	ExecutionObserver ModelConfig `json:"execution_observer" yaml:"execution_observer"`
	Reflection        ModelConfig `json:"reflection" yaml:"reflection"`
	Answering         ModelConfig `json:"answering" yaml:"answering"`
}

// SandboxConfig 描述代码执行沙箱。
type SandboxConfig struct {
	Driver                  string    `json:"driver" yaml:"driver"`
	E2B                     E2BConfig `json:"e2b" yaml:"e2b"`
	WorkingDirectory        string    `json:"working_directory" yaml:"working_directory"`
	DataDirectory           string    `json:"data_directory" yaml:"data_directory"`
	ExecutionTimeoutSeconds int       `json:"execution_timeout_seconds" yaml:"execution_timeout_seconds"`
}

// E2BConfig 描述 E2B 沙箱服务的连接信息。
type E2BConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	APIURL         string `json:"api_url" yaml:"api_url"`
	Domain         string `json:"domain" yaml:"domain"`
	Template       string `json:"template" yaml:"template"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// AgentConfig 控制 Agent 状态机的各项上限。
type AgentConfig struct {
	MaxStepRetries    int     `json:"max_step_retries" yaml:"max_step_retries"`
	MaxCodeAttempts   int     `json:"max_code_attempts" yaml:"max_code_attempts"`
	MaxOutputChars    int     `json:"max_output_chars" yaml:"max_output_chars"`
	OutputSplitRatio  float64 `json:"output_split_ratio" yaml:"output_split_ratio"`
	RecursionLimit    int     `json:"recursion_limit" yaml:"recursion_limit"`
	Observe           *bool   `json:"observe" yaml:"observe"`
	LLMTimeoutSeconds int     `json:"llm_timeout_seconds" yaml:"llm_timeout_seconds"`
}

// ObserveEnabled 返回是否启用执行观察与反思节点，默认启用。
func (a AgentConfig) ObserveEnabled() bool {
	return a.Observe == nil || *a.Observe
}

// TaskConfig 描述任务存储、队列与后台处理。
type TaskConfig struct {
	Store                  TaskStoreConfig `json:"store" yaml:"store"`
	Queue                  QueueConfig     `json:"queue" yaml:"queue"`
	Workers                int             `json:"workers" yaml:"workers"`
	MaxAttempts            int             `json:"max_attempts" yaml:"max_attempts"`
	TimeoutSeconds         int             `json:"timeout_seconds" yaml:"timeout_seconds"`
	ExpirySeconds          int             `json:"expiry_seconds" yaml:"expiry_seconds"`
	CleanupIntervalSeconds int             `json:"cleanup_interval_seconds" yaml:"cleanup_interval_seconds"`
}

// TaskStoreConfig 支持 memory、mysql、sqlite、redis 四种实现。
type TaskStoreConfig struct {
	Driver         string      `json:"driver" yaml:"driver"`
	DSN            string      `json:"dsn" yaml:"dsn"`
	MaxOpenConns   int         `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns   int         `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifeSec int         `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	Redis          RedisConfig `json:"redis" yaml:"redis"`
}

// QueueConfig 支持 memory、redis、rabbitmq 三种实现。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Username  string `json:"username" yaml:"username"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

// StorageConfig 描述 S3 兼容的对象存储，用于输入文件与产物。
type StorageConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Region    string `json:"region" yaml:"region"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

// KnowledgeConfig 指向静态参考资料文件。
type KnowledgeConfig struct {
	Path       string `json:"path" yaml:"path"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// ObservabilityConfig 聚合指标与告警配置。
type ObservabilityConfig struct {
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
}

// MetricsConfig 控制 Prometheus 指标服务。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// AlertingConfig 描述任务失败时的告警渠道。
type AlertingConfig struct {
	SlackWebhook    string      `json:"slack_webhook" yaml:"slack_webhook"`
	DingTalkWebhook string      `json:"dingtalk_webhook" yaml:"dingtalk_webhook"`
	Email           EmailConfig `json:"email" yaml:"email"`
}

// EmailConfig 描述 SMTP 告警。
type EmailConfig struct {
	Host     string   `json:"host" yaml:"host"`
	Port     int      `json:"port" yaml:"port"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	From     string   `json:"from" yaml:"from"`
	To       []string `json:"to" yaml:"to"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
	MaxSizeMB   int      `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int      `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int      `json:"max_age_days" yaml:"max_age_days"`
	AuditPath   string   `json:"audit_path" yaml:"audit_path"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(PathEnv)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 或 YAML 配置文件，文件不存在时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	var cfg Config
	file, err := os.Open(path)
	switch {
	case err == nil:
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := decode(path, content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(content, cfg)
	default:
		return json.Unmarshal(content, cfg)
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8000"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxFileSizeBytes <= 0 {
		c.Server.MaxFileSizeBytes = 50 * 1024 * 1024
	}
	if c.Server.MaxRequestBytes <= 0 {
		c.Server.MaxRequestBytes = 4*c.Server.MaxFileSizeBytes + 1024*1024
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 60
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 1800
	}

	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 300
	}
	if c.LLM.StructuredRetries < 0 {
		c.LLM.StructuredRetries = 0
	} else if c.LLM.StructuredRetries == 0 {
		c.LLM.StructuredRetries = 2
	}
	c.LLM.Roles.applyDefaults()

	if c.Sandbox.Driver == "" {
		c.Sandbox.Driver = "e2b"
	}
	if c.Sandbox.E2B.APIURL == "" {
		c.Sandbox.E2B.APIURL = "https://api.e2b.app"
	}
	if c.Sandbox.E2B.Domain == "" {
		c.Sandbox.E2B.Domain = "e2b.app"
	}
	if c.Sandbox.E2B.Template == "" {
		c.Sandbox.E2B.Template = "code-interpreter-v1"
	}
	if c.Sandbox.E2B.TimeoutSeconds <= 0 {
		c.Sandbox.E2B.TimeoutSeconds = 3600
	}
	if c.Sandbox.WorkingDirectory == "" {
		c.Sandbox.WorkingDirectory = "/home/user"
	}
	if c.Sandbox.DataDirectory == "" {
		c.Sandbox.DataDirectory = "/home/user/data"
	}
	if c.Sandbox.ExecutionTimeoutSeconds <= 0 {
		c.Sandbox.ExecutionTimeoutSeconds = 180
	}

	if c.Agent.MaxStepRetries <= 0 {
		c.Agent.MaxStepRetries = 5
	}
	if c.Agent.MaxCodeAttempts <= 0 {
		c.Agent.MaxCodeAttempts = 3
	}
	if c.Agent.MaxOutputChars <= 0 {
		c.Agent.MaxOutputChars = 1500
	}
	if c.Agent.OutputSplitRatio == 0 {
		c.Agent.OutputSplitRatio = 0.6
	}
	if c.Agent.RecursionLimit <= 0 {
		c.Agent.RecursionLimit = 250
	}
	if c.Agent.LLMTimeoutSeconds <= 0 {
		c.Agent.LLMTimeoutSeconds = c.LLM.TimeoutSeconds
	}

	if c.Task.Store.Driver == "" {
		c.Task.Store.Driver = "memory"
	}
	if c.Task.Store.Driver == "sqlite" && c.Task.Store.DSN == "" {
		c.Task.Store.DSN = filepath.Join(baseDir, "data", "datapilot.db")
	}
	if c.Task.Store.Redis.KeyPrefix == "" {
		c.Task.Store.Redis.KeyPrefix = "datapilot:"
	}
	if c.Task.Queue.Driver == "" {
		c.Task.Queue.Driver = "memory"
	}
	if c.Task.Queue.Buffer <= 0 {
		c.Task.Queue.Buffer = 128
	}
	if c.Task.Queue.Redis.KeyPrefix == "" {
		c.Task.Queue.Redis.KeyPrefix = "datapilot:jobs"
	}
	if c.Task.Queue.RabbitMQ.Queue == "" {
		c.Task.Queue.RabbitMQ.Queue = "datapilot.jobs"
	}
	if c.Task.Queue.RabbitMQ.Prefetch <= 0 {
		c.Task.Queue.RabbitMQ.Prefetch = 1
	}
	if c.Task.Workers <= 0 {
		c.Task.Workers = 4
	}
	if c.Task.MaxAttempts <= 0 {
		c.Task.MaxAttempts = 1
	}
	if c.Task.TimeoutSeconds <= 0 {
		c.Task.TimeoutSeconds = 3600
	}
	if c.Task.ExpirySeconds <= 0 {
		c.Task.ExpirySeconds = 3600
	}
	if c.Task.CleanupIntervalSeconds <= 0 {
		c.Task.CleanupIntervalSeconds = 300
	}

	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "datapilot"
	}

	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
	if c.Knowledge.Path != "" && !filepath.IsAbs(c.Knowledge.Path) {
		c.Knowledge.Path = filepath.Join(baseDir, c.Knowledge.Path)
	}

	if c.Observability.Metrics.Address == "" {
		c.Observability.Metrics.Address = ":9090"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (r *RolesConfig) applyDefaults() {
	if r.Default.Provider == "" {
		r.Default.Provider = "openai"
	}
	if r.Default.ModelName == "" {
		r.Default.ModelName = "gpt-5"
	}
	if r.Default.MaxTokens <= 0 {
		r.Default.MaxTokens = 4096
	}
	for _, role := range []*ModelConfig{
		&r.Planning, &r.CodePlanning, &r.CodeGeneration,
		&r.ExecutionObserver, &r.Reflection, &r.Answering,
	} {
		if role.Provider == "" && role.ModelName == "" {
			role.Provider = r.Default.Provider
			role.ModelName = r.Default.ModelName
		}
		if role.Provider == "" {
			role.Provider = r.Default.Provider
		}
		if role.ModelName == "" {
			role.ModelName = r.Default.ModelName
		}
		if role.MaxTokens <= 0 {
			role.MaxTokens = r.Default.MaxTokens
		}
	}
}

// Validate 检查配置中的取值范围。
func (c *Config) Validate() error {
	var errs []error
	if !oneOf(c.Sandbox.Driver, "e2b", "memory") {
		errs = append(errs, fmt.Errorf("不支持的沙箱驱动: %s", c.Sandbox.Driver))
	}
	if !oneOf(c.Task.Store.Driver, "memory", "mysql", "sqlite", "redis") {
		errs = append(errs, fmt.Errorf("不支持的任务存储驱动: %s", c.Task.Store.Driver))
	}
	if c.Task.Store.Driver == "mysql" && c.Task.Store.DSN == "" {
		errs = append(errs, errors.New("mysql 任务存储需要配置 dsn"))
	}
	if !oneOf(c.Task.Queue.Driver, "memory", "redis", "rabbitmq") {
		errs = append(errs, fmt.Errorf("不支持的任务队列驱动: %s", c.Task.Queue.Driver))
	}
	if c.Task.Queue.Driver == "rabbitmq" && c.Task.Queue.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("rabbitmq 队列需要配置 url"))
	}
	if c.Agent.OutputSplitRatio <= 0 || c.Agent.OutputSplitRatio >= 1 {
		errs = append(errs, fmt.Errorf("output_split_ratio 必须位于 (0,1) 区间: %v", c.Agent.OutputSplitRatio))
	}
	if c.Storage.Enabled && c.Storage.Endpoint == "" {
		errs = append(errs, errors.New("启用对象存储时必须配置 endpoint"))
	}
	return errors.Join(errs...)
}

func oneOf(value string, options ...string) bool {
	for _, opt := range options {
		if value == opt {
			return true
		}
	}
	return false
}
