package config

import (
	"hash/fnv"
	"reflect"
	"strings"

	logx "gardenbot/pkg/logx"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Secrets (the bot token) never appear.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram.token")
	}
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Stock, newCfg.Stock) {
		changed = append(changed, "stock")
		attrs = append(attrs,
			logx.String("stock.url", newCfg.Stock.URL),
			logx.String("stock.timeout", newCfg.Stock.Timeout),
		)
	}

	if oldCfg.Poller != newCfg.Poller {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.Int("poller.max_consecutive_failures", newCfg.Poller.MaxConsecutiveFailures),
			logx.String("poller.error_backoff", newCfg.Poller.ErrorBackoff),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.pacing", newCfg.Dispatch.Pacing),
			logx.String("dispatch.parse_mode", newCfg.Dispatch.ParseMode),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tracking, newCfg.Tracking) {
		changed = append(changed, "tracking")
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs, logx.Bool("health.enabled", newCfg.Health.Enabled), logx.String("health.addr", newCfg.Health.Addr))
	}
	if oldCfg.Digest != newCfg.Digest {
		changed = append(changed, "digest")
		attrs = append(attrs, logx.Bool("digest.enabled", newCfg.Digest.Enabled), logx.String("digest.schedule", newCfg.Digest.Schedule))
	}

	return changed, attrs
}

// RequiresRestart reports sections whose changes only apply after a restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram.token", "storage", "health":
			out = append(out, s)
		}
	}
	return out
}
