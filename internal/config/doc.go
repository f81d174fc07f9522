// Package config 负责加载 DataPilot 的 JSON/YAML 配置文件，并使用环境变量覆盖
// 敏感字段（API Key、连接串等），最后补齐默认值并进行校验。
package config
