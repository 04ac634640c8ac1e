package app

import (
	"context"
	"strings"

	"schedbot/internal/config"
	logx "schedbot/pkg/logx"
)

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live-reloadable parts of newCfg into the running
// components. Anything else is reported as needing a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.NeedsRestart(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	// Target first, so Apply doesn't warn when chat logging is enabled.
	if a.logs != nil {
		if target, err := mapLogTarget(newCfg); err != nil {
			a.log.Warn("invalid log target; keeping previous", logx.Err(err))
		} else {
			a.logs.SetChatTarget(target, newCfg.Logging.Telegram.ThreadID)
		}
		a.logs.Apply(mapLogConfig(newCfg))
	}

	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if opts, deleteAfter, err := mapCommandOptions(newCfg); err != nil {
		a.log.Warn("invalid commands config; keeping previous", logx.Err(err))
	} else {
		a.cmdm.SetUserRate(opts.UserRatePerMin)
		a.cmdm.SetTimeout(opts.Timeout)
		a.cmds.SetDeleteAfter(deleteAfter)
	}

	if qcfg, err := mapQueueConfig(newCfg); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.jobs.Apply(qcfg.Limits)
	}

	if a.debug != nil {
		if dcfg, err := mapDebugConfig(newCfg); err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(ctx, dcfg)
		}
	}

	a.log.Info("config reloaded", fields...)
}
