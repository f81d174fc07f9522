package config

import (
	"strconv"
	"strings"
)

// applyEnv 使用环境变量覆盖配置文件中的取值，getenv 通常为 os.Getenv。
func (c *Config) applyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("SERVER_ADDRESS", &c.Server.Address)
	str("API_KEY", &c.Security.APIKey)

	str("OPENAI_API_KEY", &c.LLM.OpenAI.APIKey)
	str("OPENAI_CUSTOM_BASE_URL", &c.LLM.OpenAI.BaseURL)
	str("ANTHROPIC_API_KEY", &c.LLM.Anthropic.APIKey)
	str("ANTHROPIC_CUSTOM_BASE_URL", &c.LLM.Anthropic.BaseURL)
	str("GOOGLE_API_KEY", &c.LLM.Google.APIKey)

	roles := []struct {
		prefix string
		model  *ModelConfig
	}{
		{"DEFAULT", &c.LLM.Roles.Default},
		{"PLANNING", &c.LLM.Roles.Planning},
		{"CODE_PLANNING", &c.LLM.Roles.CodePlanning},
		{"CODE_GENERATION", &c.LLM.Roles.CodeGeneration},
		{"EXECUTION_OBSERVER", &c.LLM.Roles.ExecutionObserver},
		{"REFLECTION", &c.LLM.Roles.Reflection},
		{"ANSWERING", &c.LLM.Roles.Answering},
	}
	for _, role := range roles {
		str(role.prefix+"_PROVIDER", &role.model.Provider)
		str(role.prefix+"_MODEL", &role.model.ModelName)
		num(role.prefix+"_MAX_TOKENS", &role.model.MaxTokens)
	}

	str("SANDBOX_DRIVER", &c.Sandbox.Driver)
	str("E2B_API_KEY", &c.Sandbox.E2B.APIKey)
	str("E2B_API_URL", &c.Sandbox.E2B.APIURL)
	str("E2B_DOMAIN", &c.Sandbox.E2B.Domain)
	str("DEFAULT_WORKING_DIRECTORY", &c.Sandbox.WorkingDirectory)
	str("DEFAULT_DATA_DIRECTORY", &c.Sandbox.DataDirectory)

	num("CODE_PLANNING_MAX_STEP_RETRIES", &c.Agent.MaxStepRetries)

	str("TASK_STORE_DRIVER", &c.Task.Store.Driver)
	str("TASK_STORE_DSN", &c.Task.Store.DSN)
	str("TASK_QUEUE_DRIVER", &c.Task.Queue.Driver)
	str("REDIS_ADDR", &c.Task.Store.Redis.Addr)
	str("REDIS_ADDR", &c.Task.Queue.Redis.Addr)
	str("RABBITMQ_URL", &c.Task.Queue.RabbitMQ.URL)
	num("TASK_EXPIRY_SECONDS", &c.Task.ExpirySeconds)
	num("TASK_CLEANUP_INTERVAL_SECONDS", &c.Task.CleanupIntervalSeconds)

	flag("FILE_STORAGE_ENABLED", &c.Storage.Enabled)
	str("AWS_ACCESS_KEY_ID", &c.Storage.AccessKey)
	str("AWS_SECRET_ACCESS_KEY", &c.Storage.SecretKey)
	str("AWS_REGION", &c.Storage.Region)
	str("S3_ENDPOINT", &c.Storage.Endpoint)
	str("S3_BUCKET", &c.Storage.Bucket)
	flag("S3_USE_SSL", &c.Storage.UseSSL)

	str("LOG_FORMAT", &c.Logging.Format)
}
