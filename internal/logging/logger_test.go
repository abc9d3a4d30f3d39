package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/any-hub/gdpr-cache/internal/config"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "gdpr-cache.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gdpr-cache.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestInitLoggerDefaultsLevel(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{})
	if err != nil {
		t.Fatalf("空级别应默认为 info: %v", err)
	}
	if logger.GetLevel().String() != "info" {
		t.Fatalf("期望 info，得到 %s", logger.GetLevel())
	}
}

func TestComponentAddsField(t *testing.T) {
	entry := Component(nil, "worker")
	if entry.Data["component"] != "worker" {
		t.Fatalf("component 字段缺失: %v", entry.Data)
	}
}

func TestAssetFieldsOmitsEmptyKind(t *testing.T) {
	fields := AssetFields("fetch", "https://cdn.example.net/a.css", "")
	if _, ok := fields["kind"]; ok {
		t.Fatalf("kind 为空时不应写入字段")
	}
	fields = AssetFields("fetch", "https://cdn.example.net/a.css", "css")
	if fields["kind"] != "css" {
		t.Fatalf("kind 字段错误: %v", fields)
	}
}
