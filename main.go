package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/any-hub/gdpr-cache/internal/config"
	"github.com/any-hub/gdpr-cache/internal/engine"
	"github.com/any-hub/gdpr-cache/internal/logging"
	"github.com/any-hub/gdpr-cache/internal/scheduler"
	"github.com/any-hub/gdpr-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	showStatus  bool
	tickOnce    bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["home_url"] = cfg.Global.HomeURL
		fields["state_backend"] = cfg.State.Backend
		fields["deny_hosts"] = len(cfg.Deny)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx := context.Background()
	// 启动顺序：配置 → 状态后端 → 磁盘缓存 → 引擎组件，所有入口共享同一个引擎实例。
	engineOpts := engine.Options{Logger: logger}
	if opts.tickOnce {
		// 单次 tick 由 scheduler.Tick 同步重试被推迟的清理，不留下进程退出后才触发的定时器。
		engineOpts.AfterFunc = func(time.Duration, func()) *time.Timer { return nil }
	}
	eng, err := engine.New(ctx, cfg, engineOpts)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存引擎失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.WithError(err).Warn("state backend close failed")
		}
	}()

	switch {
	case opts.showStatus:
		printStatus(eng.Status(ctx))
		return 0
	case opts.tickOnce:
		drained, swept, err := scheduler.Tick(ctx, eng, cfg.Global.StaleRetryDelay.DurationValue())
		if err != nil {
			fmt.Fprintf(stdErr, "后台任务执行失败: %v\n", err)
			return 1
		}
		printTick(drained, swept)
		return 0
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["home_url"] = cfg.Global.HomeURL
	fields["listen_port"] = cfg.Global.ListenPort
	fields["state_backend"] = cfg.State.Backend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(cfg, eng, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("gdpr-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		showStatus bool
		tickOnce   bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 GDPR_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&showStatus, "status", false, "输出缓存状态后退出")
	fs.BoolVar(&tickOnce, "tick", false, "执行一次队列处理与过期清理后退出，供系统 cron 调用")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("GDPR_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		showStatus:  showStatus,
		tickOnce:    tickOnce,
	}, nil
}
