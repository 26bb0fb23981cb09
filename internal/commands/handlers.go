package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gardenbot/internal/eventbus"
	"gardenbot/internal/poller"
	"gardenbot/internal/registry"
	"gardenbot/internal/stock"
	"gardenbot/internal/storage"
	kit "gardenbot/internal/transport"
	logx "gardenbot/pkg/logx"
)

// PollerControl is the part of the poll loop operators can touch.
type PollerControl interface {
	ResetBaseline()
	Status() poller.Status
}

type Deps struct {
	Registry *registry.Service
	Poller   PollerControl
	Store    storage.Store // audit sink; nil disables auditing
	Bus      eventbus.Bus
	Adapter  kit.Adapter
	Log      logx.Logger
	Now      func() time.Time
}

// Handlers implements the operator command surface on top of the registry.
type Handlers struct {
	d  Deps
	kb kit.KeyboardBuilder
}

func NewHandlers(d Deps) *Handlers {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &Handlers{d: d}
	if kb, ok := d.Adapter.(kit.KeyboardBuilder); ok {
		h.kb = kb
	}
	return h
}

const callbackGroup = "dest"

func (h *Handlers) audited(action string, fn HandlerFunc) HandlerFunc {
	return Chain(fn, MWAudit(h.d.Store, action, nil))
}

// Commands returns every command except /help, which the router injects.
func (h *Handlers) Commands() []Command {
	return []Command{
		{Name: "start", Description: "Welcome message", Usage: "/start", Access: AccessEveryone, Handle: h.start},
		{Name: "request", Description: "Request alerts for a group or channel", Usage: "/request <chat_id> <title> [invite_link]", Access: AccessEveryone, Handle: h.audited("request", h.request)},
		{Name: "stats", Description: "Bot statistics", Usage: "/stats", Access: AccessAdmin, Handle: h.stats},
		{Name: "channels", Aliases: []string{"destinations"}, Description: "Approved destinations", Usage: "/channels", Access: AccessAdmin, Handle: h.channels},
		{Name: "pending", Description: "Pending requests", Usage: "/pending", Access: AccessAdmin, Handle: h.pending},
		{Name: "approve", Description: "Approve a pending request", Usage: "/approve <chat_id>", Access: AccessAdmin, Handle: h.audited("approve", h.approveCmd)},
		{Name: "reject", Description: "Reject a pending request", Usage: "/reject <chat_id>", Access: AccessAdmin, Handle: h.audited("reject", h.rejectCmd)},
		{Name: "items", Description: "Tracked items", Usage: "/items", Access: AccessAdmin, Handle: h.items},
		{Name: "track", Description: "Start tracking an item", Usage: "/track <name>", Access: AccessAdmin, Handle: h.audited("track", h.track)},
		{Name: "untrack", Description: "Stop tracking an item", Usage: "/untrack <name>", Access: AccessAdmin, Handle: h.audited("untrack", h.untrack)},
		{Name: "interval", Description: "Show or set the poll interval", Usage: "/interval [seconds]", Access: AccessAdmin, Handle: h.interval},
		{Name: "resetbaseline", Description: "Announce everything in stock on the next poll", Usage: "/resetbaseline", Access: AccessAdmin, Handle: h.audited("resetbaseline", h.resetBaseline)},
		{Name: "addadmin", Description: "Grant admin access", Usage: "/addadmin <user_id> [username]", Access: AccessAdmin, Handle: h.audited("addadmin", h.addAdmin)},
		{Name: "removeadmin", Description: "Revoke admin access", Usage: "/removeadmin <user_id>", Access: AccessAdmin, Handle: h.audited("removeadmin", h.removeAdmin)},
		{Name: "listadmins", Aliases: []string{"admins"}, Description: "List admins", Usage: "/listadmins", Access: AccessAdmin, Handle: h.listAdmins},
	}
}

func (h *Handlers) Callbacks() []CallbackRoute {
	return []CallbackRoute{
		{Group: callbackGroup, Action: "approve", Access: AccessAdmin, Handle: h.approveCallback},
		{Group: callbackGroup, Action: "reject", Access: AccessAdmin, Handle: h.rejectCallback},
	}
}

func (h *Handlers) publish(typ string, data any) {
	if h.d.Bus == nil {
		return
	}
	h.d.Bus.Publish(eventbus.Event{Type: typ, Time: h.d.Now(), Data: data})
}

// userError turns registry errors into a reply and returns err unchanged.
func userError(ctx context.Context, req *Request, err error) error {
	var msg string
	switch {
	case errors.Is(err, registry.ErrNotFound):
		msg = "❌ Not found."
	case errors.Is(err, registry.ErrExists):
		msg = "⚠️ Already exists."
	case errors.Is(err, registry.ErrInvalidID):
		msg = "❌ Invalid id."
	case errors.Is(err, registry.ErrInvalidName):
		msg = "❌ Invalid item name."
	case errors.Is(err, registry.ErrInvalidInterval):
		msg = fmt.Sprintf("❌ Interval must be between %d and %d seconds.",
			int(registry.MinPollInterval/time.Second), int(registry.MaxPollInterval/time.Second))
	case errors.Is(err, registry.ErrSelfRemoval):
		msg = "❌ You cannot remove yourself."
	case errors.Is(err, registry.ErrOwner):
		msg = "❌ Owners are set in the config file."
	default:
		msg = "❌ " + err.Error()
	}
	_ = req.Reply(ctx, msg)
	return err
}

var errUsage = errors.New("usage")

func usage(ctx context.Context, req *Request, u string) error {
	_ = req.Reply(ctx, "Usage: `"+u+"`")
	return errUsage
}

func (h *Handlers) start(ctx context.Context, req *Request) error {
	if h.d.Registry.IsAdmin(req.FromID) {
		text := "🌟 *Welcome back, admin!*\n\nThe bot is watching the Grow A Garden stock.\nSee /help for commands.\n\n" +
			StatsText(h.d.Registry.Stats(), h.pollerStatus())
		return req.Reply(ctx, text)
	}
	return req.Reply(ctx, "🌿 *Garden Stock Bot*\n\n"+
		"I watch the *Grow A Garden* shop and post new tracked items to approved groups and channels.\n\n"+
		"📝 To get alerts in your chat, add me there as an administrator. "+
		"Your request is sent to the operators automatically. "+
		"You can also file one with `/request <chat_id> <title>`.")
}

func (h *Handlers) pollerStatus() poller.Status {
	if h.d.Poller == nil {
		return poller.Status{}
	}
	return h.d.Poller.Status()
}

func (h *Handlers) stats(ctx context.Context, req *Request) error {
	return req.Reply(ctx, StatsText(h.d.Registry.Stats(), h.pollerStatus()))
}

func (h *Handlers) channels(ctx context.Context, req *Request) error {
	list := h.d.Registry.ListApproved()
	if len(list) == 0 {
		return req.Reply(ctx, "📭 No approved destinations.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📢 *Approved destinations* (%d)\n", len(list))
	for _, d := range list {
		b.WriteString("\n" + destinationLine(d))
		if !d.ApprovedAt.IsZero() {
			b.WriteString(" since " + d.ApprovedAt.Format(time.DateOnly))
		}
	}
	return req.Reply(ctx, b.String())
}

func (h *Handlers) pending(ctx context.Context, req *Request) error {
	text, rows := h.pendingView()
	if len(rows) == 0 || h.kb == nil {
		return req.Reply(ctx, text)
	}
	return req.ReplyMarkup(ctx, text, h.kb.InlineKeyboard(rows))
}

func (h *Handlers) pendingView() (string, [][]kit.Button) {
	list := h.d.Registry.ListPending()
	if len(list) == 0 {
		return "✅ No pending requests.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "⏳ *Pending requests* (%d)\n", len(list))
	rows := make([][]kit.Button, 0, len(list))
	for _, d := range list {
		b.WriteString("\n" + destinationLine(d))
		if d.RequestedBy != 0 {
			fmt.Fprintf(&b, " by `%d`", d.RequestedBy)
		}
		rows = append(rows, decisionRow(d))
	}
	if h.kb == nil {
		b.WriteString("\n\nUse `/approve <chat_id>` or `/reject <chat_id>`.")
	}
	return b.String(), rows
}

// refreshDecisionMessage rewrites the message whose button was pressed into
// the current pending list, so decided requests lose their buttons.
func (h *Handlers) refreshDecisionMessage(ctx context.Context, req *Request) {
	cb := req.Update.Callback
	if cb == nil || cb.MessageID == 0 {
		return
	}
	text, rows := h.pendingView()
	opt := &kit.SendOptions{ParseMode: ParseMode, DisablePreview: true}
	if h.kb != nil && len(rows) > 0 {
		opt.ReplyMarkupAdapter = h.kb.InlineKeyboard(rows)
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	if err := h.d.Adapter.EditText(ctx, ref, text, opt); err != nil {
		req.Logger.Debug("decision message not refreshed", logx.Err(err))
	}
}

func decisionRow(d registry.Destination) []kit.Button {
	label := d.Title
	if label == "" {
		label = d.ID
	}
	if r := []rune(label); len(r) > 24 {
		label = string(r[:24]) + "…"
	}
	return []kit.Button{
		{Text: "✅ " + label, Data: CallbackData(callbackGroup, "approve", d.ID)},
		{Text: "❌ Reject", Data: CallbackData(callbackGroup, "reject", d.ID)},
	}
}

func (h *Handlers) approveCmd(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usage(ctx, req, "/approve <chat_id>")
	}
	return h.approve(ctx, req, req.Args[0])
}

func (h *Handlers) approveCallback(ctx context.Context, req *Request, payload string) error {
	defer h.refreshDecisionMessage(ctx, req)
	return Chain(func(ctx context.Context, req *Request) error {
		return h.approve(ctx, req, payload)
	}, MWAudit(h.d.Store, "approve", nil))(ctx, req)
}

func (h *Handlers) approve(ctx context.Context, req *Request, id string) error {
	d, err := h.d.Registry.Approve(id, req.FromID)
	if err != nil {
		return userError(ctx, req, err)
	}
	h.publish(eventbus.TypeDestinationChange, eventbus.DestinationChange{Action: "approved", ChatID: d.ID, By: req.FromID})
	req.Logger.Info("destination approved", logx.String("dest", d.ID), logx.String("title", d.Title))

	if to, perr := kit.ParseChatTarget(d.ID); perr == nil {
		if _, serr := h.d.Adapter.SendText(ctx, to, "✅ This chat is now subscribed to Grow A Garden stock alerts.", nil); serr != nil {
			req.Logger.Warn("welcome message failed", logx.String("dest", d.ID), logx.Err(serr))
		}
	}
	return req.Reply(ctx, "✅ Approved: "+destinationLine(d))
}

func (h *Handlers) rejectCmd(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usage(ctx, req, "/reject <chat_id>")
	}
	return h.reject(ctx, req, req.Args[0])
}

func (h *Handlers) rejectCallback(ctx context.Context, req *Request, payload string) error {
	defer h.refreshDecisionMessage(ctx, req)
	return Chain(func(ctx context.Context, req *Request) error {
		return h.reject(ctx, req, payload)
	}, MWAudit(h.d.Store, "reject", nil))(ctx, req)
}

func (h *Handlers) reject(ctx context.Context, req *Request, id string) error {
	d, err := h.d.Registry.Reject(id)
	if err != nil {
		return userError(ctx, req, err)
	}
	h.publish(eventbus.TypeDestinationChange, eventbus.DestinationChange{Action: "rejected", ChatID: d.ID, By: req.FromID})
	return req.Reply(ctx, "❌ Rejected: "+destinationLine(d))
}

func (h *Handlers) items(ctx context.Context, req *Request) error {
	items := h.d.Registry.TrackedItems()
	if len(items) == 0 {
		return req.Reply(ctx, "🌱 No tracked items. Add one with `/track <name>`.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🌱 *Tracked items* (%d)\n", len(items))
	for _, it := range items {
		b.WriteString("\n• " + stock.EscapeMarkdown(stock.DisplayName(it)))
	}
	return req.Reply(ctx, b.String())
}

func (h *Handlers) track(ctx context.Context, req *Request) error {
	name := strings.Join(req.Args, " ")
	if strings.TrimSpace(name) == "" {
		return usage(ctx, req, "/track <name>")
	}
	c, err := h.d.Registry.AddTrackedItem(name)
	if err != nil {
		return userError(ctx, req, err)
	}
	h.publish(eventbus.TypeTrackingChange, eventbus.TrackingChange{Action: "track", Item: c, By: req.FromID})
	return req.Reply(ctx, "✅ Now tracking *"+stock.EscapeMarkdown(stock.DisplayName(c))+"*")
}

func (h *Handlers) untrack(ctx context.Context, req *Request) error {
	name := strings.Join(req.Args, " ")
	if strings.TrimSpace(name) == "" {
		return usage(ctx, req, "/untrack <name>")
	}
	c, err := h.d.Registry.RemoveTrackedItem(name)
	if err != nil {
		return userError(ctx, req, err)
	}
	h.publish(eventbus.TypeTrackingChange, eventbus.TrackingChange{Action: "untrack", Item: c, By: req.FromID})
	return req.Reply(ctx, "🗑 Stopped tracking *"+stock.EscapeMarkdown(stock.DisplayName(c))+"*")
}

func (h *Handlers) interval(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, fmt.Sprintf("🔄 Poll interval: %s (allowed %d-%d seconds)",
			h.d.Registry.PollInterval(),
			int(registry.MinPollInterval/time.Second), int(registry.MaxPollInterval/time.Second)))
	}
	return h.audited("interval", h.setInterval)(ctx, req)
}

func (h *Handlers) setInterval(ctx context.Context, req *Request) error {
	sec, err := strconv.Atoi(strings.TrimSuffix(req.Args[0], "s"))
	if err != nil {
		return usage(ctx, req, "/interval [seconds]")
	}
	if err := h.d.Registry.SetPollInterval(sec); err != nil {
		return userError(ctx, req, err)
	}
	h.publish(eventbus.TypeTrackingChange, eventbus.TrackingChange{Action: "interval", Item: strconv.Itoa(sec), By: req.FromID})
	return req.Reply(ctx, fmt.Sprintf("✅ Poll interval set to %ds. It applies after the current wait.", sec))
}

func (h *Handlers) resetBaseline(ctx context.Context, req *Request) error {
	if h.d.Poller == nil {
		return req.Reply(ctx, "❌ Poller is not running.")
	}
	h.d.Poller.ResetBaseline()
	return req.Reply(ctx, "🔄 Baseline cleared. Every tracked item in stock will be announced on the next poll.")
}

func parseUserID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return id, err == nil && id > 0
}

func (h *Handlers) addAdmin(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 || len(req.Args) > 2 {
		return usage(ctx, req, "/addadmin <user_id> [username]")
	}
	id, ok := parseUserID(req.Args[0])
	if !ok {
		return userError(ctx, req, registry.ErrInvalidID)
	}
	username := ""
	if len(req.Args) == 2 {
		username = req.Args[1]
	}
	if err := h.d.Registry.AddAdmin(id, username, req.FromID); err != nil {
		return userError(ctx, req, err)
	}
	return req.Reply(ctx, "✅ Admin added: "+userLabel(id, strings.TrimPrefix(username, "@")))
}

func (h *Handlers) removeAdmin(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usage(ctx, req, "/removeadmin <user_id>")
	}
	id, ok := parseUserID(req.Args[0])
	if !ok {
		return userError(ctx, req, registry.ErrInvalidID)
	}
	if err := h.d.Registry.RemoveAdmin(id, req.FromID); err != nil {
		return userError(ctx, req, err)
	}
	return req.Reply(ctx, "🗑 Admin removed: "+userLabel(id, ""))
}

func (h *Handlers) listAdmins(ctx context.Context, req *Request) error {
	admins := h.d.Registry.ListAdmins()
	var b strings.Builder
	fmt.Fprintf(&b, "👮 *Admins* (%d)\n", len(admins))
	for _, a := range admins {
		b.WriteString("\n• " + userLabel(a.UserID, a.Username))
		if a.Owner {
			b.WriteString(" (owner)")
		}
	}
	return req.Reply(ctx, b.String())
}

// notifyAdmins messages every admin privately. Failures are logged only.
func (h *Handlers) notifyAdmins(ctx context.Context, text string, markup any) (sent int) {
	for _, a := range h.d.Registry.ListAdmins() {
		_, err := h.d.Adapter.SendText(ctx, kit.ChatTarget{ChatID: a.UserID}, text,
			&kit.SendOptions{ParseMode: ParseMode, DisablePreview: true, ReplyMarkupAdapter: markup})
		if err != nil {
			h.d.Log.Warn("admin notification failed", logx.Int64("admin_id", a.UserID), logx.Err(err))
			continue
		}
		sent++
	}
	return sent
}
