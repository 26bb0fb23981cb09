package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gardenbot/internal/eventbus"
	"gardenbot/internal/registry"
	"gardenbot/internal/stock"
	"gardenbot/internal/storage"
	kit "gardenbot/internal/transport"
	logx "gardenbot/pkg/logx"
)

func looksLikeInvite(s string) bool {
	s = strings.ToLower(s)
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "t.me/") || strings.Contains(s, "://t.me/")
}

// request files a destination request by hand:
//
//	/request -1001234567890 My Garden Channel https://t.me/+abc
func (h *Handlers) request(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return usage(ctx, req, "/request <chat_id> <title> [invite_link]")
	}
	to, err := kit.ParseChatTarget(req.Args[0])
	if err != nil {
		return userError(ctx, req, registry.ErrInvalidID)
	}
	rest := req.Args[1:]
	invite := ""
	if n := len(rest); n > 1 && looksLikeInvite(rest[n-1]) {
		invite = rest[n-1]
		rest = rest[:n-1]
	}
	title := strings.Join(rest, " ")

	d := registry.Destination{ID: to.String(), Title: title, RequestedBy: req.FromID, InviteRef: invite}
	if err := h.d.Registry.AddPending(d.ID, d.Title, d.RequestedBy, d.InviteRef); err != nil {
		if errors.Is(err, registry.ErrExists) {
			_ = req.Reply(ctx, "⚠️ This chat already has a request or is already approved.")
			return err
		}
		return userError(ctx, req, err)
	}
	h.publish(eventbus.TypeDestinationChange, eventbus.DestinationChange{Action: "requested", ChatID: d.ID, By: req.FromID})
	h.announceRequest(ctx, d, req.FromUsername)
	return req.Reply(ctx, "📨 Request received for "+destinationLine(d)+"\n\nThe operators will review it.")
}

// Membership turns the bot being added to (or removed from) a chat into
// registry changes.
func (h *Handlers) Membership(ctx context.Context, m *kit.Membership) {
	if m.ChatType == "private" {
		return
	}
	id := kit.ChatTarget{ChatID: m.ChatID}.String()
	log := h.d.Log.With(logx.String("dest", id), logx.String("chat_type", m.ChatType), logx.Int64("from_id", m.FromID))

	if m.Joined {
		err := h.d.Registry.AddPending(id, m.ChatTitle, m.FromID, m.InviteLink)
		h.audit(ctx, m, "membership.join", err)
		if errors.Is(err, registry.ErrExists) {
			log.Debug("membership: chat already known")
			return
		}
		if err != nil {
			log.Warn("membership: request not filed", logx.Err(err))
			return
		}
		log.Info("membership: request filed", logx.String("title", m.ChatTitle))
		h.publish(eventbus.TypeDestinationChange, eventbus.DestinationChange{Action: "requested", ChatID: id, By: m.FromID})
		d := registry.Destination{ID: id, Title: m.ChatTitle, RequestedBy: m.FromID, InviteRef: m.InviteLink}
		h.announceRequest(ctx, d, m.FromUsername)
		return
	}

	if err := h.d.Registry.RemovePending(id); err == nil {
		h.audit(ctx, m, "membership.leave", nil)
		log.Info("membership: pending request withdrawn")
		h.publish(eventbus.TypeDestinationChange, eventbus.DestinationChange{Action: "withdrawn", ChatID: id, By: m.FromID})
		return
	}
	if err := h.d.Registry.Deregister(id); err == nil {
		h.audit(ctx, m, "membership.leave", nil)
		log.Warn("membership: bot removed from approved destination")
		h.publish(eventbus.TypeDestinationChange, eventbus.DestinationChange{Action: "dropped", ChatID: id, By: m.FromID})
		h.notifyAdmins(ctx, "🗑 Removed from "+destinationLine(registry.Destination{ID: id, Title: m.ChatTitle})+"; it will no longer receive alerts.", nil)
	}
}

func (h *Handlers) announceRequest(ctx context.Context, d registry.Destination, requesterUsername string) {
	var b strings.Builder
	b.WriteString("📨 *New destination request*\n\n")
	b.WriteString(destinationLine(d))
	if d.RequestedBy != 0 {
		fmt.Fprintf(&b, "\n👤 %s", userLabel(d.RequestedBy, requesterUsername))
	}
	if d.InviteRef != "" {
		b.WriteString("\n🔗 " + stock.EscapeMarkdown(d.InviteRef))
	}
	var markup any
	if h.kb != nil {
		markup = h.kb.InlineKeyboard([][]kit.Button{decisionRow(d)})
	} else {
		fmt.Fprintf(&b, "\n\n`/approve %s`", d.ID)
	}
	if h.notifyAdmins(ctx, b.String(), markup) == 0 {
		h.d.Log.Warn("no admin was notified about a request", logx.String("dest", d.ID))
	}
}

func (h *Handlers) audit(ctx context.Context, m *kit.Membership, action string, err error) {
	if h.d.Store == nil {
		return
	}
	e := storage.AuditEntry{
		At:            h.d.Now(),
		ActorID:       m.FromID,
		ActorUsername: m.FromUsername,
		ChatID:        m.ChatID,
		Action:        action,
		Target:        m.ChatTitle,
		OK:            err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := h.d.Store.AppendAudit(actx, e); aerr != nil {
		h.d.Log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
