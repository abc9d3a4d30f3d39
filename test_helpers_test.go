package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// cliResult 是一次 run 调用的退出码与输出。
type cliResult struct {
	code   int
	stdout string
	stderr string
}

// runCLI 把 stdOut/stdErr 换成缓冲区执行一次 run，结束后恢复原值。
func runCLI(t *testing.T, opts cliOptions) cliResult {
	t.Helper()
	var outBuf, errBuf bytes.Buffer
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &outBuf, &errBuf
	defer func() { stdOut, stdErr = prevOut, prevErr }()

	code := run(opts)
	return cliResult{code: code, stdout: outBuf.String(), stderr: errBuf.String()}
}

// configFixture 返回 internal/config/testdata 下的配置样例；go test 在包目录（即仓库根）执行。
func configFixture(name string) string {
	return filepath.Join("internal", "config", "testdata", name)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

// memoryConfig 写出一份使用内存状态后端、缓存目录位于临时目录的最小配置。
func memoryConfig(t *testing.T) string {
	t.Helper()
	return writeConfigFile(t, fmt.Sprintf(`
HomeURL = "https://www.example.com"
StoragePath = "%s"

[State]
Backend = "memory"
`, filepath.ToSlash(filepath.Join(t.TempDir(), "storage"))))
}
