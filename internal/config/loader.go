package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/gdpr-cache/internal/version"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectDenyURLs(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyStateDefaults(&cfg.State, cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.State.Backend == BackendSQLite {
		absState, err := filepath.Abs(cfg.State.Path)
		if err != nil {
			return nil, fmt.Errorf("无法解析状态文件路径: %w", err)
		}
		cfg.State.Path = absState
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("PublicPath", "/gdpr-cache")
	v.SetDefault("FetchTimeout", "300s")
	v.SetDefault("ProbeTimeout", "10s")
	v.SetDefault("WorkerTimeout", "300s")
	v.SetDefault("StaleAfter", "720h")
	v.SetDefault("StaleRetryDelay", "15s")
	v.SetDefault("WorkerSchedule", "@every 1m")
	v.SetDefault("StaleSchedule", "@daily")
	v.SetDefault("ScanOnRefresh", true)
	v.SetDefault("State.Backend", BackendSQLite)
	v.SetDefault("State.KeyPrefix", "gdpr_cache:")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.PublicPath) == "" {
		g.PublicPath = "/gdpr-cache"
	}
	if !strings.HasPrefix(g.PublicPath, "/") {
		g.PublicPath = "/" + g.PublicPath
	}
	g.PublicPath = strings.TrimSuffix(g.PublicPath, "/")
	if strings.TrimSpace(g.UserAgent) == "" {
		g.UserAgent = version.UserAgent()
	}
	if g.FetchTimeout.DurationValue() == 0 {
		g.FetchTimeout = Duration(300 * time.Second)
	}
	if g.ProbeTimeout.DurationValue() == 0 {
		g.ProbeTimeout = Duration(10 * time.Second)
	}
	if g.WorkerTimeout.DurationValue() == 0 {
		g.WorkerTimeout = Duration(300 * time.Second)
	}
	if g.StaleAfter.DurationValue() == 0 {
		g.StaleAfter = Duration(30 * 24 * time.Hour)
	}
	if g.StaleRetryDelay.DurationValue() == 0 {
		g.StaleRetryDelay = Duration(15 * time.Second)
	}
	if strings.TrimSpace(g.WorkerSchedule) == "" {
		g.WorkerSchedule = "@every 1m"
	}
	if strings.TrimSpace(g.StaleSchedule) == "" {
		g.StaleSchedule = "@daily"
	}
}

func applyStateDefaults(s *StateConfig, g GlobalConfig) {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = BackendSQLite
	}
	if s.Backend == BackendSQLite && strings.TrimSpace(s.Path) == "" {
		s.Path = filepath.Join(filepath.Dir(filepath.Clean(g.StoragePath)), "state.db")
	}
	if s.KeyPrefix == "" {
		s.KeyPrefix = "gdpr_cache:"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectDenyURLs 在解码前拦截误把完整 URL 写进 [[Deny]].Host 的配置。
func rejectDenyURLs(v *viper.Viper) error {
	raw := v.Get("Deny")
	rules, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range rules {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		host, _ := m["Host"].(string)
		if strings.Contains(host, "://") {
			return newFieldError(denyField(fmt.Sprintf("#%d", idx), "Host"), "只填写主机名，不要包含协议头")
		}
	}

	return nil
}
