package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	MinPollInterval = 10 * time.Second
	MaxPollInterval = 300 * time.Second
)

// CronParser accepts an optional seconds field and descriptors.
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the fields that can be checked without side effects.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		add(errors.New("telegram.owner_user_ids must list at least one user"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	if u := strings.TrimSpace(cfg.Stock.URL); u != "" {
		pu, err := url.Parse(u)
		if err != nil || (pu.Scheme != "http" && pu.Scheme != "https") || pu.Host == "" {
			add(fmt.Errorf("stock.url: invalid url %q", u))
		}
	}
	_, err = ParseDurationField("stock.timeout", cfg.Stock.Timeout)
	add(err)

	iv, err := ParseDurationField("poller.interval", cfg.Poller.Interval)
	add(err)
	if err == nil && iv != 0 && (iv < MinPollInterval || iv > MaxPollInterval) {
		add(fmt.Errorf("poller.interval must be within [%s, %s]", MinPollInterval, MaxPollInterval))
	}
	_, err = ParseDurationField("poller.start_delay", cfg.Poller.StartDelay)
	add(err)
	_, err = ParseDurationField("poller.error_backoff", cfg.Poller.ErrorBackoff)
	add(err)
	if cfg.Poller.MaxConsecutiveFailures < 0 {
		add(errors.New("poller.max_consecutive_failures must be >= 0"))
	}

	_, err = ParseDurationField("dispatch.pacing", cfg.Dispatch.Pacing)
	add(err)
	_, err = ParseDurationField("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	add(err)
	switch cfg.Dispatch.ParseMode {
	case "", "Markdown", "MarkdownV2", "HTML":
	default:
		add(fmt.Errorf("dispatch.parse_mode: unsupported %q", cfg.Dispatch.ParseMode))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required for durable drivers"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if cfg.Digest.Enabled {
		if _, err := CronParser.Parse(DigestSpec(cfg.Digest)); err != nil {
			add(fmt.Errorf("digest.schedule: %w", err))
		}
		if tz := strings.TrimSpace(cfg.Digest.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				add(fmt.Errorf("digest.timezone: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// DigestSpec returns the digest schedule or "@daily".
func DigestSpec(c DigestConfig) string {
	if s := strings.TrimSpace(c.Schedule); s != "" {
		return s
	}
	return "@daily"
}
