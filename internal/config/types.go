package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"720h" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：站点来源、缓存目录、抓取与后台任务参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	PublicPath      string   `mapstructure:"PublicPath"`
	PublicBaseURL   string   `mapstructure:"PublicBaseURL"`
	HomeURL         string   `mapstructure:"HomeURL"`
	UserAgent       string   `mapstructure:"UserAgent"`
	FetchTimeout    Duration `mapstructure:"FetchTimeout"`
	ProbeTimeout    Duration `mapstructure:"ProbeTimeout"`
	WorkerTimeout   Duration `mapstructure:"WorkerTimeout"`
	StaleAfter      Duration `mapstructure:"StaleAfter"`
	StaleRetryDelay Duration `mapstructure:"StaleRetryDelay"`
	WorkerSchedule  string   `mapstructure:"WorkerSchedule"`
	StaleSchedule   string   `mapstructure:"StaleSchedule"`
	ScanOnRefresh   bool     `mapstructure:"ScanOnRefresh"`
}

// StateConfig 决定持久化集合（条目、队列、锁、使用记录、依赖）写入哪个键值存储。
type StateConfig struct {
	Backend       string `mapstructure:"Backend"`
	Path          string `mapstructure:"Path"`
	RedisAddr     string `mapstructure:"RedisAddr"`
	RedisPassword string `mapstructure:"RedisPassword"`
	RedisDB       int    `mapstructure:"RedisDB"`
	KeyPrefix     string `mapstructure:"KeyPrefix"`
}

// DenyConfig 声明永远不做本地化的主机，例如支付网关脚本。
type DenyConfig struct {
	Host   string `mapstructure:"Host"`
	Reason string `mapstructure:"Reason"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	State  StateConfig  `mapstructure:"State"`
	Deny   []DenyConfig `mapstructure:"Deny"`
}

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// DenyHosts 返回标准化后的拒绝列表主机名。
func (c *Config) DenyHosts() []string {
	if c == nil || len(c.Deny) == 0 {
		return nil
	}
	result := make([]string, 0, len(c.Deny))
	for _, rule := range c.Deny {
		if host := NormalizeHost(rule.Host); host != "" {
			result = append(result, host)
		}
	}
	return result
}

// PublicPrefix 返回本地缓存文件对外暴露的 URL 前缀（不带结尾斜杠）。
func (g GlobalConfig) PublicPrefix() string {
	if base := strings.TrimSpace(g.PublicBaseURL); base != "" {
		return strings.TrimSuffix(base, "/")
	}
	return strings.TrimSuffix(g.PublicPath, "/")
}

// NormalizeHost 将主机名统一为小写、去掉结尾的点。
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
