package commands

import (
	"fmt"
	"strings"
	"time"

	"gardenbot/internal/poller"
	"gardenbot/internal/registry"
	"gardenbot/internal/stock"
)

// StatsText renders the operator summary used by /stats and the digest.
func StatsText(v registry.StatsView, st poller.Status) string {
	var b strings.Builder
	b.WriteString("📊 *Bot statistics*\n\n")
	fmt.Fprintf(&b, "⏱ Uptime: %s\n", formatUptime(v.Uptime))
	fmt.Fprintf(&b, "🚀 Started: %s\n", v.ProcessStart.Format(time.DateTime))
	if !v.FirstStart.IsZero() {
		fmt.Fprintf(&b, "📅 First start: %s\n", v.FirstStart.Format(time.DateTime))
	}
	fmt.Fprintf(&b, "🔁 Restarts: %d\n\n", v.RestartCount)

	fmt.Fprintf(&b, "📢 Approved destinations: %d\n", v.Approved)
	fmt.Fprintf(&b, "⏳ Pending requests: %d\n", v.Pending)
	fmt.Fprintf(&b, "✅ Approved (lifetime): %d\n", v.DestinationsApproved)
	fmt.Fprintf(&b, "🗑 Dropped (lifetime): %d\n", v.DestinationsDropped)
	fmt.Fprintf(&b, "✉️ Messages sent: %d\n\n", v.MessagesSent)

	fmt.Fprintf(&b, "🌱 Tracked items: %d\n", v.Tracked)
	fmt.Fprintf(&b, "👮 Admins: %d\n", v.Admins)
	fmt.Fprintf(&b, "🔄 Poll interval: %s\n", v.PollInterval)
	if st.LastTick.IsZero() {
		b.WriteString("🕒 Last poll: never\n")
	} else {
		fmt.Fprintf(&b, "🕒 Last poll: %s\n", st.LastTick.Format(time.TimeOnly))
	}
	if st.ConsecutiveFailures > 0 {
		fmt.Fprintf(&b, "⚠️ Consecutive failures: %d\n", st.ConsecutiveFailures)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 {
		return fmt.Sprintf("%dd %s", days, d)
	}
	return d.String()
}

func destinationLine(d registry.Destination) string {
	title := d.Title
	if title == "" {
		title = "(untitled)"
	}
	return fmt.Sprintf("• %s `%s`", stock.EscapeMarkdown(title), d.ID)
}

func userLabel(id int64, username string) string {
	if username != "" {
		return fmt.Sprintf("@%s (`%d`)", stock.EscapeMarkdown(username), id)
	}
	return fmt.Sprintf("`%d`", id)
}
