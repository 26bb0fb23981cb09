package commands

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "gardenbot/internal/runtime/supervisor"
	kit "gardenbot/internal/transport"
	logx "gardenbot/pkg/logx"
)

// ParseMode used for every reply produced by this package.
const ParseMode = "Markdown"

type Access int

const (
	AccessEveryone Access = iota
	AccessAdmin
	AccessOwner
)

// Authorizer answers access questions for a Telegram user id.
type Authorizer interface {
	IsOwner(userID int64) bool
	IsAdmin(userID int64) bool
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline-button data of the form "group:action:payload".
type CallbackRoute struct {
	Group   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

// MembershipFunc receives changes of the bot's own chat membership.
type MembershipFunc func(ctx context.Context, m *kit.Membership)

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	Payload      string
	ReqID        string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends a Markdown message back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: ParseMode, DisablePreview: true})
	return err
}

// ReplyMarkup is Reply with adapter-specific inline markup attached.
func (r *Request) ReplyMarkup(ctx context.Context, text string, markup any) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: ParseMode, DisablePreview: true, ReplyMarkupAdapter: markup})
	return err
}

type Options struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 128
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	return o
}

// Router turns inbound updates into handler calls executed by a bounded
// worker pool.
type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	auth    Authorizer
	opts    Options

	mu           sync.RWMutex
	commands     map[string]Command // name and aliases
	ordered      []Command
	callbacks    map[string]map[string]CallbackRoute // group -> action -> route
	onMembership MembershipFunc

	jobs chan func()
}

func NewRouter(adapter kit.Adapter, auth Authorizer, opts Options, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts = opts.withDefaults()
	return &Router{
		log:       log,
		adapter:   adapter,
		auth:      auth,
		opts:      opts,
		commands:  map[string]Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		jobs:      make(chan func(), opts.QueueSize),
	}
}

// SetRegistry installs commands, callbacks and the membership hook. /help is
// always injected.
func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute, onMembership MembershipFunc) {
	cmds = append(cmds, Command{
		Name:        "help",
		Description: "List available commands",
		Usage:       "/help",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.HelpText(req.FromID))
		},
	})

	byName := map[string]Command{}
	ordered := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		if _, dup := byName[name]; dup {
			r.log.Warn("duplicate command ignored", logx.String("cmd", name))
			continue
		}
		byName[name] = c
		ordered = append(ordered, c)
	}
	for _, c := range ordered {
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := byName[a]; !exists {
				byName[a] = c
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, rt := range cbs {
		g := strings.TrimSpace(rt.Group)
		a := strings.TrimSpace(rt.Action)
		if g == "" || a == "" || rt.Handle == nil {
			continue
		}
		if cb[g] == nil {
			cb[g] = map[string]CallbackRoute{}
		}
		cb[g][a] = rt
	}

	r.mu.Lock()
	r.commands = byName
	r.ordered = ordered
	r.callbacks = cb
	r.onMembership = onMembership
	r.mu.Unlock()
}

// MenuCommands returns the public command menu (admin commands are not
// advertised).
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.ordered))
	for _, c := range r.ordered {
		if c.Access != AccessEveryone {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// UpdateMenu pushes MenuCommands to adapters that support a command menu.
func (r *Router) UpdateMenu(ctx context.Context) {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(ctx, r.MenuCommands()); err != nil {
		r.log.Warn("menu update failed", logx.Err(err))
	}
}

// HelpText lists the commands the user may run.
func (r *Router) HelpText(userID int64) string {
	r.mu.RLock()
	cmds := append([]Command(nil), r.ordered...)
	r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("🌿 *Commands*\n")
	for _, c := range cmds {
		if !r.allowed(c.Access, userID) {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString("\n`" + usage + "`")
		if c.Description != "" {
			b.WriteString(" - " + c.Description)
		}
	}
	return b.String()
}

func (r *Router) allowed(a Access, userID int64) bool {
	switch a {
	case AccessEveryone:
		return true
	case AccessOwner:
		return r.auth != nil && r.auth.IsOwner(userID)
	default:
		return r.auth != nil && r.auth.IsAdmin(userID)
	}
}

func (r *Router) tryEnqueue(fn func()) bool {
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run consumes updates until ctx is done or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "commands.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.log.Info("command router started", logx.Int("workers", r.opts.Workers), logx.Int("queue_cap", cap(r.jobs)))

	for i := 0; i < r.opts.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	case kit.UpdateMembership:
		r.routeMembership(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, ok := r.commands[word]
	r.mu.RUnlock()
	if !ok {
		// Groups see every bot command addressed to anyone; stay quiet there.
		if !msg.IsGroup {
			_, _ = r.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		}
		return
	}
	if !r.allowed(cmd.Access, msg.FromID) {
		_, _ = r.adapter.SendText(ctx, chat, "❌ You do not have access to this command.", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         args,
		ReqID:        rid,
		Adapter:      r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.timeout(cmd.Timeout)),
	)
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = r.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	group, action := parts[0], parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	r.mu.RLock()
	route, ok := r.callbacks[group][action]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if !r.allowed(route.Access, cb.FromID) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	rid := newReqID()
	name := "cb:" + group + ":" + action
	req := &Request{
		Update:       up,
		Chat:         kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:       cb.FromID,
		FromUsername: cb.FromUsername,
		Command:      name,
		Payload:      payload,
		ReqID:        rid,
		Adapter:      r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID),
			logx.String("cmd", name),
		),
	}
	h := func(ctx context.Context, req *Request) error { return route.Handle(ctx, req, payload) }
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.timeout(route.Timeout)),
	)
	if !r.tryEnqueue(func() {
		_ = final(ctx, req)
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (r *Router) routeMembership(ctx context.Context, up kit.Update) {
	m := up.Membership
	if m == nil {
		return
	}
	r.mu.RLock()
	fn := r.onMembership
	r.mu.RUnlock()
	if fn == nil {
		return
	}
	if !r.tryEnqueue(func() {
		cctx, cancel := context.WithTimeout(ctx, r.opts.DefaultTimeout)
		defer cancel()
		fn(cctx, m)
	}) {
		r.log.Warn("membership update dropped: queue full", logx.Int64("chat_id", m.ChatID))
	}
}

func (r *Router) timeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return r.opts.DefaultTimeout
}
