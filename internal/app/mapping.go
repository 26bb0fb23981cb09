package app

import (
	"strings"
	"time"

	"gardenbot/internal/config"
	"gardenbot/internal/digest"
	"gardenbot/internal/dispatch"
	"gardenbot/internal/health"
	"gardenbot/internal/poller"
	"gardenbot/internal/stock"
	"gardenbot/internal/storage"
	kit "gardenbot/internal/transport"
	logx "gardenbot/pkg/logx"
)

// Mapping from the on-disk schema to component configs. Durations were
// validated by config.Validate, so parse failures fall back to defaults.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget resolves telegram.group_log; ok is false when unset or invalid.
func logTarget(cfg *config.Config) (kit.ChatTarget, bool) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return kit.ChatTarget{}, false
	}
	t, err := kit.ParseChatTarget(raw)
	if err != nil {
		return kit.ChatTarget{}, false
	}
	if t.ThreadID == 0 {
		t.ThreadID = cfg.Logging.Telegram.ThreadID
	}
	return t, true
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 0),
	}
}

func mapSourceConfig(cfg *config.Config) stock.SourceConfig {
	return stock.SourceConfig{
		URL:           cfg.Stock.URL,
		Timeout:       config.DurationOr(cfg.Stock.Timeout, stock.DefaultTimeout),
		UserAgent:     cfg.Stock.UserAgent,
		Referer:       cfg.Stock.Referer,
		Origin:        cfg.Stock.Origin,
		CategoryOrder: cfg.Stock.CategoryOrder,
	}
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Pacing:      config.DurationOr(cfg.Dispatch.Pacing, 0),
		SendTimeout: config.DurationOr(cfg.Dispatch.SendTimeout, 0),
		ParseMode:   cfg.Dispatch.ParseMode,
	}
}

func mapPollerConfig(cfg *config.Config) poller.Config {
	return poller.Config{
		StartDelay:             config.DurationOr(cfg.Poller.StartDelay, 0),
		MaxConsecutiveFailures: cfg.Poller.MaxConsecutiveFailures,
		ErrorBackoff:           config.DurationOr(cfg.Poller.ErrorBackoff, 0),
	}
}

func mapHealthConfig(cfg *config.Config) health.Config {
	return health.Config{Enabled: cfg.Health.Enabled, Addr: cfg.Health.Addr}
}

func mapDigestConfig(cfg *config.Config) digest.Config {
	return digest.Config{
		Enabled:  cfg.Digest.Enabled,
		Schedule: config.DigestSpec(cfg.Digest),
		Timezone: cfg.Digest.Timezone,
	}
}

func pollTimeout(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Telegram.PollTimeout, 10*time.Second)
}
