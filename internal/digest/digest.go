// Package digest sends a periodic operator summary on a cron schedule.
package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"gardenbot/internal/config"
	kit "gardenbot/internal/transport"
	logx "gardenbot/pkg/logx"
)

const DefaultSchedule = "@daily"

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

func (c Config) spec() string {
	if s := strings.TrimSpace(c.Schedule); s != "" {
		return s
	}
	return DefaultSchedule
}

type Service struct {
	sender     kit.Adapter
	recipients func() []int64
	summary    func() string
	log        logx.Logger

	mu    sync.Mutex
	cfg   Config
	ctx   context.Context
	c     *cron.Cron
	entry cron.EntryID
}

// New builds a digest service. recipients is evaluated on every run so
// owner changes from a config reload apply immediately.
func New(cfg Config, sender kit.Adapter, recipients func() []int64, summary func() string, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, sender: sender, recipients: recipients, summary: summary, log: log}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// Start begins triggering. ctx bounds every run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("digest timezone: %w", err)
	}
	c := cron.New(cron.WithParser(config.CronParser), cron.WithLocation(loc))
	base := s.ctx
	id, err := c.AddFunc(s.cfg.spec(), func() { s.fire(base) })
	if err != nil {
		return fmt.Errorf("digest schedule %q: %w", s.cfg.spec(), err)
	}
	c.Start()
	s.c, s.entry = c, id
	s.log.Info("digest scheduled",
		logx.String("schedule", s.cfg.spec()),
		logx.String("tz", loc.String()),
		logx.Time("next", c.Entry(id).Next),
	)
	return nil
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

// Apply reschedules when the config changed. A bad schedule leaves the digest
// stopped and is returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return nil
	}
	s.cfg = cfg
	if s.ctx == nil {
		return nil
	}
	s.stopLocked()
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Next is the next scheduled run, zero when not scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// fire must not take s.mu: stopLocked waits for running jobs while holding it.
func (s *Service) fire(base context.Context) {
	ctx, cancel := context.WithTimeout(base, time.Minute)
	defer cancel()
	if err := s.RunNow(ctx); err != nil {
		s.log.Warn("digest run failed", logx.Err(err))
	}
}

var ErrNoRecipients = errors.New("digest has no recipients")

// RunNow sends the summary to every recipient. It fails only when nobody
// received it.
func (s *Service) RunNow(ctx context.Context) error {
	to := s.recipients()
	if len(to) == 0 {
		return ErrNoRecipients
	}
	text := "🗓 *Digest*\n\n" + s.summary()
	var errs []error
	delivered := 0
	for _, id := range to {
		if _, err := s.sender.SendText(ctx, kit.ChatTarget{ChatID: id}, text, &kit.SendOptions{ParseMode: "Markdown", DisablePreview: true}); err != nil {
			errs = append(errs, fmt.Errorf("recipient %d: %w", id, err))
			continue
		}
		delivered++
	}
	var err error
	if delivered == 0 {
		err = errors.Join(errs...)
	} else if len(errs) > 0 {
		s.log.Warn("digest partially delivered", logx.Int("delivered", delivered), logx.Err(errors.Join(errs...)))
	}
	s.log.Debug("digest sent", logx.Int("delivered", delivered))
	return err
}
