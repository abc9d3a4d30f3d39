package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// AssetFields 提供远程资源相关字段，供解析/抓取/清理日志复用。
func AssetFields(action, url, kind string) logrus.Fields {
	fields := logrus.Fields{
		"action": action,
		"url":    url,
	}
	if kind != "" {
		fields["kind"] = kind
	}
	return fields
}

// WorkerFields 提供后台任务的基础字段。
func WorkerFields(action string, queued int) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"queued": queued,
	}
}
