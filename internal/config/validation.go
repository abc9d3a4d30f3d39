package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var supportedBackends = map[string]struct{}{
	BackendSQLite: {},
	BackendRedis:  {},
	BackendMemory: {},
}

const supportedBackendList = "sqlite|redis|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if err := validateHomeURL(g.HomeURL); err != nil {
		return fmt.Errorf("Global.HomeURL: %w", err)
	}
	if g.PublicBaseURL != "" {
		if err := validateHTTPURL(g.PublicBaseURL); err != nil {
			return fmt.Errorf("Global.PublicBaseURL: %w", err)
		}
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Global.FetchTimeout", "必须大于 0")
	}
	if g.ProbeTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ProbeTimeout", "必须大于 0")
	}
	if g.WorkerTimeout.DurationValue() <= 0 {
		return newFieldError("Global.WorkerTimeout", "必须大于 0")
	}
	if g.StaleAfter.DurationValue() <= 0 {
		return newFieldError("Global.StaleAfter", "必须大于 0")
	}
	if g.StaleRetryDelay.DurationValue() <= 0 {
		return newFieldError("Global.StaleRetryDelay", "必须大于 0")
	}
	if _, err := cron.ParseStandard(g.WorkerSchedule); err != nil {
		return newFieldError("Global.WorkerSchedule", err.Error())
	}
	if _, err := cron.ParseStandard(g.StaleSchedule); err != nil {
		return newFieldError("Global.StaleSchedule", err.Error())
	}

	if err := c.State.validate(); err != nil {
		return err
	}

	seenHosts := map[string]struct{}{}
	for i := range c.Deny {
		rule := &c.Deny[i]
		host := NormalizeHost(rule.Host)
		if host == "" {
			return newFieldError("Deny[].Host", "不能为空")
		}
		if strings.ContainsAny(host, "/ ") {
			return newFieldError(denyField(host, "Host"), "不允许包含路径或空格")
		}
		if _, exists := seenHosts[host]; exists {
			return newFieldError(denyField(host, "Host"), "重复")
		}
		seenHosts[host] = struct{}{}
		rule.Host = host
	}

	return nil
}

func (s StateConfig) validate() error {
	if _, ok := supportedBackends[s.Backend]; !ok {
		return newFieldError("State.Backend", "仅支持 "+supportedBackendList)
	}
	switch s.Backend {
	case BackendSQLite:
		if strings.TrimSpace(s.Path) == "" {
			return newFieldError("State.Path", "sqlite 后端需要文件路径")
		}
	case BackendRedis:
		if strings.TrimSpace(s.RedisAddr) == "" {
			return newFieldError("State.RedisAddr", "redis 后端需要地址")
		}
		if s.RedisDB < 0 {
			return newFieldError("State.RedisDB", "不能为负数")
		}
	}
	return nil
}

func validateHomeURL(raw string) error {
	if raw == "" {
		return errors.New("缺少站点地址")
	}
	return validateHTTPURL(raw)
}

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
