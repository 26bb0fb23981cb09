package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gardenbot/internal/commands"
	"gardenbot/internal/config"
	"gardenbot/internal/digest"
	"gardenbot/internal/dispatch"
	"gardenbot/internal/eventbus"
	"gardenbot/internal/health"
	"gardenbot/internal/poller"
	"gardenbot/internal/registry"
	"gardenbot/internal/runtime/sdnotify"
	rtsup "gardenbot/internal/runtime/supervisor"
	"gardenbot/internal/stock"
	"gardenbot/internal/storage"
	kit "gardenbot/internal/transport"
	"gardenbot/internal/transport/telegram"
	logx "gardenbot/pkg/logx"
)

type App struct {
	version string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sd    *sdnotify.Notifier

	adapter  *telegram.Adapter
	reg      *registry.Service
	source   *stock.Source
	disp     *dispatch.Dispatcher
	poller   *poller.Poller
	router   *commands.Router
	handlers *commands.Handlers
	health   *health.Service
	digest   *digest.Service

	updates chan kit.Update
}

func New(cfgPath, version string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout(cfg),
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink off, set its target, then apply the
	// final config so Apply does not warn about a missing target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	if t, ok := logTarget(cfg); ok {
		logSvc.SetTelegramTarget(t.ChatID, t.ThreadID)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))

	store, err := storage.Open(mapStorageConfig(cfg), logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	sd := sdnotify.New(logSvc.Logger().With(logx.String("comp", "sdnotify")))

	openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	reg := registry.Open(openCtx, store, registry.Options{
		Owners:          cfg.Telegram.OwnerUserIDs,
		DefaultItems:    cfg.Tracking.DefaultItems,
		DefaultInterval: config.DurationOr(cfg.Poller.Interval, registry.DefaultPollInterval),
	}, logSvc.Logger().With(logx.String("comp", "registry")))
	cancel()

	source := stock.NewSource(mapSourceConfig(cfg), &http.Client{}, logSvc.Logger().With(logx.String("comp", "stock")))
	disp := dispatch.New(mapDispatchConfig(cfg), ad, reg, bus, logSvc.Logger().With(logx.String("comp", "dispatch")))
	pl := poller.New(mapPollerConfig(cfg), source, reg, disp, bus, logSvc.Logger().With(logx.String("comp", "poller")))
	pl.Heartbeat = sd.Ping
	disp.Progress = pl.Progress

	handlers := commands.NewHandlers(commands.Deps{
		Registry: reg,
		Poller:   pl,
		Store:    store,
		Bus:      bus,
		Adapter:  ad,
		Log:      logSvc.Logger().With(logx.String("comp", "intake")),
	})
	router := commands.NewRouter(ad, reg, commands.Options{}, logSvc.Logger().With(logx.String("comp", "commands")))
	router.SetRegistry(handlers.Commands(), handlers.Callbacks(), handlers.Membership)

	healthSvc := health.New(mapHealthConfig(cfg), pl, reg, logSvc.Logger().With(logx.String("comp", "health")))
	digestSvc := digest.New(mapDigestConfig(cfg), ad,
		func() []int64 { return ownerIDs(reg) },
		func() string { return commands.StatsText(reg.Stats(), pl.Status()) },
		logSvc.Logger().With(logx.String("comp", "digest")),
	)

	return &App{
		version:  version,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		sd:       sd,
		adapter:  ad,
		reg:      reg,
		source:   source,
		disp:     disp,
		poller:   pl,
		router:   router,
		handlers: handlers,
		health:   healthSvc,
		digest:   digestSvc,
		updates:  make(chan kit.Update, 256),
	}, nil
}

func ownerIDs(reg *registry.Service) []int64 {
	var out []int64
	for _, a := range reg.ListAdmins() {
		if a.Owner {
			out = append(out, a.UserID)
		}
	}
	return out
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Telegram.GroupLog) != "" {
			if _, ok := logTarget(cfg); !ok {
				return fmt.Errorf("telegram.group_log: invalid chat %q", cfg.Telegram.GroupLog)
			}
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go0("telegram.menu.update", a.router.UpdateMenu)
	a.sup.Go("commands.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go("poller", a.poller.Run)

	if err := a.health.Start(a.sup.Context()); err != nil {
		// Health is auxiliary; the bot keeps running without it.
		a.log.Error("health server failed to start", logx.Err(err))
	}
	if err := a.digest.Start(a.sup.Context()); err != nil {
		a.log.Error("digest not scheduled", logx.Err(err))
	}

	if iv := a.sd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("sdnotify.watchdog", func(c context.Context) { a.watchdog(c, iv) })
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.Ready()
	a.log.Info("app started", logx.String("version", a.version), logx.String("config", a.cfgm.Path()))
	return nil
}

// watchdog keeps systemd's watchdog fed while the poll loop is alive. A loop
// that stopped ticking stops the pings and lets systemd restart the unit.
func (a *App) watchdog(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, ok := a.health.Evaluate(); ok {
				a.sd.Ping()
			}
		}
	}
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.StockAlert:
		a.log.Info("stock alert delivered",
			logx.Strings("items", d.Items),
			logx.Int("sent", d.Sent),
			logx.Int("failed", d.Failed),
			logx.Int("dropped", len(d.Dropped)),
		)
	case eventbus.DestinationChange:
		a.log.Info("destination change", logx.String("action", d.Action), logx.String("dest", d.ChatID), logx.Int64("by", d.By))
	case eventbus.TrackingChange:
		a.log.Info("tracking change", logx.String("action", d.Action), logx.String("item", d.Item), logx.Int64("by", d.By))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.sd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("digest", 2*time.Second, func(c context.Context) error { a.digest.Stop(c); return nil })
	step("health", 2*time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	// Supervised loops may still persist registry state; storage closes after them.
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
