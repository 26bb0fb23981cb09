// Package poller runs the stock polling loop: fetch, filter, diff, format
// and dispatch once per interval, forever.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"gardenbot/internal/dispatch"
	"gardenbot/internal/eventbus"
	"gardenbot/internal/stock"
	logx "gardenbot/pkg/logx"
)

const (
	DefaultMaxConsecutiveFailures = 5
	DefaultErrorBackoff           = 60 * time.Second
)

type Config struct {
	StartDelay time.Duration
	// MaxConsecutiveFailures is the number of failed fetches tolerated; the
	// next one triggers recovery.
	MaxConsecutiveFailures int
	ErrorBackoff           time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	return c
}

type Source interface {
	Fetch(ctx context.Context) ([]stock.Item, error)
}

type Registry interface {
	TrackedSet() map[string]struct{}
	PollInterval() time.Duration
}

type Dispatcher interface {
	Dispatch(ctx context.Context, text string, items []string) dispatch.Report
}

// TickResult describes one pipeline pass.
type TickResult struct {
	Items     int
	Tracked   int
	NewItems  stock.Snapshot
	Report    *dispatch.Report
	Shapeless bool
}

// Status is the loop state exposed to health checks and /stats.
type Status struct {
	Running             bool
	Ticks               uint64
	LastTick            time.Time
	LastSuccess         time.Time
	ConsecutiveFailures int
	Recoveries          uint64
	LastError           string
	Interval            time.Duration

	// TickStarted is set while a tick runs; LastProgress moves with the
	// fetch and every send inside it.
	TickStarted  time.Time
	LastProgress time.Time
	// NextTick is when the sleeping loop starts its next tick. It covers
	// the start delay and error backoff as well as the regular interval.
	NextTick time.Time
}

type Poller struct {
	src    Source
	reg    Registry
	disp   Dispatcher
	differ *stock.Differ
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	// Heartbeat runs after every finished tick (systemd watchdog).
	Heartbeat func()

	mu     sync.Mutex
	cfg    Config
	status Status
}

func New(cfg Config, src Source, reg Registry, disp Dispatcher, bus eventbus.Bus, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		src:    src,
		reg:    reg,
		disp:   disp,
		differ: stock.NewDiffer(),
		bus:    bus,
		log:    log,
		now:    time.Now,
		cfg:    cfg.withDefaults(),
	}
}

func (p *Poller) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Poller) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// ResetBaseline makes every in-stock tracked item new again on the next tick.
func (p *Poller) ResetBaseline() {
	p.differ.Reset()
	p.log.Info("baseline reset")
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.status
	st.Interval = p.reg.PollInterval()
	return st
}

// Run loops until ctx is done. It never returns an error for pipeline
// failures; every tick is isolated and the next one is always scheduled.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	p.status.Running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.status.Running = false
		p.mu.Unlock()
	}()

	cfg := p.config()
	p.log.Info("poll loop started",
		logx.Duration("interval", p.reg.PollInterval()),
		logx.Duration("start_delay", cfg.StartDelay),
		logx.Int("max_failures", cfg.MaxConsecutiveFailures),
	)
	p.scheduleNext(cfg.StartDelay)
	if !sleep(ctx, cfg.StartDelay) {
		return nil
	}

	for {
		wait := p.step(ctx)
		p.scheduleNext(wait)
		if !sleep(ctx, wait) {
			p.log.Info("poll loop stopped")
			return nil
		}
	}
}

func (p *Poller) scheduleNext(wait time.Duration) {
	p.mu.Lock()
	p.status.NextTick = p.now().Add(wait)
	p.mu.Unlock()
}

// Progress records that the running tick is still moving. The dispatcher
// calls it after every send.
func (p *Poller) Progress() {
	p.mu.Lock()
	if !p.status.TickStarted.IsZero() {
		p.status.LastProgress = p.now()
	}
	p.mu.Unlock()
}

// step runs one guarded tick and returns the delay before the next one.
func (p *Poller) step(ctx context.Context) time.Duration {
	cfg := p.config()
	start := p.now()
	p.mu.Lock()
	p.status.TickStarted = start
	p.status.LastProgress = start
	p.status.NextTick = time.Time{}
	p.mu.Unlock()

	res, err := p.safeTick(ctx)
	if ctx.Err() != nil {
		p.mu.Lock()
		p.status.TickStarted = time.Time{}
		p.mu.Unlock()
		return 0
	}

	ev := eventbus.PollTick{Duration: p.now().Sub(start)}
	wait := p.reg.PollInterval()

	p.mu.Lock()
	p.status.Ticks++
	p.status.LastTick = p.now()
	p.status.TickStarted = time.Time{}
	var panicked bool
	switch {
	case err == nil:
		p.status.ConsecutiveFailures = 0
		p.status.LastSuccess = p.status.LastTick
		p.status.LastError = ""
		ev.OK = true
		ev.Items = res.Tracked
		ev.NewItems = len(res.NewItems)
	default:
		var pe *panicError
		panicked = errors.As(err, &pe)
		p.status.ConsecutiveFailures++
		p.status.LastError = err.Error()
		ev.ErrorReason = err.Error()
	}
	failures := p.status.ConsecutiveFailures
	recovering := failures > cfg.MaxConsecutiveFailures
	if recovering {
		p.status.ConsecutiveFailures = 0
		p.status.Recoveries++
	}
	ev.Failures = failures
	ev.Recovered = recovering
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("poll tick failed", logx.Int("consecutive", failures), logx.Err(err))
	}
	if recovering {
		p.differ.Reset()
		p.log.Warn("recovering: too many consecutive failures; baseline reset",
			logx.Int("failures", failures),
			logx.Duration("backoff", cfg.ErrorBackoff),
		)
		wait = cfg.ErrorBackoff
	} else if panicked {
		wait = cfg.ErrorBackoff
	}

	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypePollTick, Data: ev})
	}
	if p.Heartbeat != nil {
		p.Heartbeat()
	}
	return wait
}

type panicError struct {
	v     any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.v) }

func (p *Poller) safeTick(ctx context.Context) (res TickResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &panicError{v: r, stack: debug.Stack()}
			p.log.Error("poll tick panicked", logx.Any("panic", r), logx.String("stack", string(pe.stack)))
			err = pe
		}
	}()
	return p.Tick(ctx)
}

// Tick runs the pipeline once. It returns an error only for a failed fetch;
// an unrecognized response shape counts as an empty snapshot.
func (p *Poller) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	items, err := p.src.Fetch(ctx)
	p.Progress()
	if err != nil {
		if !errors.Is(err, stock.ErrUnrecognizedShape) {
			return res, err
		}
		p.log.Warn("stock response shape not recognized; treating as empty")
		res.Shapeless = true
		items = nil
	}
	res.Items = len(items)

	current := stock.Filter(items, p.reg.TrackedSet())
	res.Tracked = len(current)
	res.NewItems = p.differ.Diff(current)

	text, ok := stock.Format(res.NewItems, p.now())
	if !ok {
		p.log.Debug("no new items", logx.Int("items", res.Items), logx.Int("tracked_in_stock", res.Tracked))
		return res, nil
	}

	names := res.NewItems.Names()
	p.log.Info("new items in stock", logx.Strings("items", names))
	rep := p.disp.Dispatch(ctx, text, names)
	res.Report = &rep
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
