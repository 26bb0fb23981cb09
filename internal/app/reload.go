package app

import (
	"context"
	"strings"
	"time"

	"gardenbot/internal/config"
	"gardenbot/internal/eventbus"
	logx "gardenbot/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
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
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live-reloadable parts of newCfg into the running
// components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	// Target first so Apply does not warn when the Telegram sink is enabled.
	if t, ok := logTarget(newCfg); ok {
		a.logs.SetTelegramTarget(t.ChatID, t.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(newCfg))

	a.reg.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.source.Apply(mapSourceConfig(newCfg))
	a.disp.Apply(mapDispatchConfig(newCfg))
	a.poller.Apply(mapPollerConfig(newCfg))
	if err := a.digest.Apply(mapDigestConfig(newCfg)); err != nil {
		a.log.Warn("digest reschedule failed", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
