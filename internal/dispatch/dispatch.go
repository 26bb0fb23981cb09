// Package dispatch fans one announcement out to every approved destination.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gardenbot/internal/eventbus"
	"gardenbot/internal/registry"
	kit "gardenbot/internal/transport"
	logx "gardenbot/pkg/logx"
)

const (
	DefaultPacing      = time.Second
	DefaultSendTimeout = 20 * time.Second
)

type Config struct {
	// Pacing is the minimum gap between two sends. Zero uses DefaultPacing;
	// negative disables pacing.
	Pacing      time.Duration
	SendTimeout time.Duration
	ParseMode   string
}

// Sender is the slice of transport.Adapter the dispatcher needs. SendText
// must return when ctx is done.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Registry is the slice of registry.Service the dispatcher needs.
type Registry interface {
	ListApproved() []registry.Destination
	DeregisterMany(ids []string) error
	RecordSent(n int)
}

// Report summarizes one fan-out pass.
type Report struct {
	Attempted         int
	Sent              int
	Transient         []string
	PermanentlyFailed []string
	Took              time.Duration
}

type Dispatcher struct {
	sender Sender
	reg    Registry
	bus    eventbus.Bus
	log    logx.Logger

	// Progress runs after every send attempt (poll loop liveness).
	Progress func()

	// passMu serializes passes so two passes never share the limiter.
	passMu sync.Mutex

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, sender Sender, reg Registry, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{sender: sender, reg: reg, bus: bus, log: log}
	d.Apply(cfg)
	return d
}

func newLimiter(pacing time.Duration) *rate.Limiter {
	if pacing < 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(pacing), 1)
}

// Apply swaps settings; a pass in flight keeps its limiter.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.Pacing == 0 {
		cfg.Pacing = DefaultPacing
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = newLimiter(cfg.Pacing)
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Dispatch sends text to a snapshot of the approved destinations, one at a
// time with pacing between sends. A failing destination never affects the
// others. Permanently unreachable destinations are deregistered after the
// pass and the sent counter is persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, text string, items []string) Report {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	start := time.Now()
	cfg, lim := d.snapshot()
	targets := d.reg.ListApproved()
	rep := Report{}
	opt := &kit.SendOptions{ParseMode: cfg.ParseMode, DisablePreview: true}

	for _, dest := range targets {
		if err := lim.Wait(ctx); err != nil {
			d.log.Warn("dispatch interrupted", logx.Int("remaining", len(targets)-rep.Attempted), logx.Err(err))
			break
		}
		rep.Attempted++

		err := d.sendOne(ctx, cfg, dest, text, opt)
		if d.Progress != nil {
			d.Progress()
		}
		switch {
		case err == nil:
			rep.Sent++
		case errors.Is(err, kit.ErrChatUnreachable):
			rep.PermanentlyFailed = append(rep.PermanentlyFailed, dest.ID)
			d.log.Warn("destination unreachable; will deregister", logx.String("dest", dest.ID), logx.String("title", dest.Title), logx.Err(err))
		default:
			rep.Transient = append(rep.Transient, dest.ID)
			d.log.Warn("send failed", logx.String("dest", dest.ID), logx.Err(err))
		}
	}

	if len(rep.PermanentlyFailed) > 0 {
		if err := d.reg.DeregisterMany(rep.PermanentlyFailed); err != nil {
			d.log.Debug("deregister skipped", logx.Err(err))
		}
		for _, id := range rep.PermanentlyFailed {
			d.publish(eventbus.TypeDestinationChange, eventbus.DestinationChange{Action: "dropped", ChatID: id})
		}
	}
	d.reg.RecordSent(rep.Sent)
	rep.Took = time.Since(start)

	d.publish(eventbus.TypeStockAlert, eventbus.StockAlert{
		Items:   items,
		Sent:    rep.Sent,
		Failed:  len(rep.Transient),
		Dropped: rep.PermanentlyFailed,
	})

	fields := []logx.Field{
		logx.Int("targets", len(targets)),
		logx.Int("sent", rep.Sent),
		logx.Int("transient", len(rep.Transient)),
		logx.Int("dropped", len(rep.PermanentlyFailed)),
		logx.Duration("took", rep.Took),
	}
	if rep.Sent < len(targets) {
		d.log.Warn("dispatch finished with failures", fields...)
	} else {
		d.log.Info("dispatch finished", fields...)
	}
	return rep
}

func (d *Dispatcher) sendOne(ctx context.Context, cfg Config, dest registry.Destination, text string, opt *kit.SendOptions) error {
	to, err := kit.ParseChatTarget(dest.ID)
	if err != nil {
		// A stored id that cannot address a chat never will.
		return errors.Join(kit.ErrChatUnreachable, err)
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	_, err = d.sender.SendText(sctx, to, text, opt)
	return err
}

func (d *Dispatcher) publish(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
