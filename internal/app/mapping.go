package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"schedbot/internal/config"
	"schedbot/internal/jobqueue"
	"schedbot/internal/observability/debugsrv"
	"schedbot/internal/storage"
	"schedbot/internal/transport/telegram/router"
	logx "schedbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// mapLogTarget returns the chat receiving forwarded log lines. Zero means none.
func mapLogTarget(cfg *config.Config) (int64, error) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", raw)
	}
	return id, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	if driver != "sqlite" && driver != "sqlite3" {
		return storage.Config{Driver: driver}, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapQueueConfig(cfg *config.Config) (jobqueue.Config, error) {
	q, err := cfg.ResolveQueue()
	if err != nil {
		return jobqueue.Config{}, err
	}
	return jobqueue.Config{
		Depth: q.Depth,
		Limits: jobqueue.Limits{
			MaxGuilds:    q.MaxGuilds,
			MaxGuildReqs: q.MaxGuildReqs,
			JobTimeout:   q.JobTimeout,
		},
	}, nil
}

// mapCommandOptions returns the router options plus the reply auto-delete delay.
func mapCommandOptions(cfg *config.Config) (router.Options, time.Duration, error) {
	c, err := cfg.ResolveCommands()
	if err != nil {
		return router.Options{}, 0, err
	}
	return router.Options{
		Workers:        c.Workers,
		QueueSize:      c.QueueSize,
		Timeout:        c.Timeout,
		UserRatePerMin: c.UserRatePerMin,
	}, c.DeleteAfter, nil
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	d := cfg.Debug
	out := debugsrv.Config{
		Enabled: d.Enabled,
		Addr:    strings.TrimSpace(d.Addr),
		Token:   strings.TrimSpace(d.Token),
	}
	if out.Addr == "" {
		out.Addr = debugsrv.DefaultAddr
	}
	if out.Enabled && out.Token == "" && !debugsrv.IsLoopbackAddr(out.Addr) {
		return debugsrv.Config{}, fmt.Errorf("debug.addr %q is not loopback; set debug.token", out.Addr)
	}
	return out, nil
}
