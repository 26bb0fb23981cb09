package telegram

import (
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "gardenbot/internal/transport"
)

// Descriptions Telegram returns for chats the bot cannot post to anymore.
var unreachableMarkers = []string{
	"chat not found",
	"bot is not a member",
	"bot was kicked",
	"bot was blocked",
	"user is deactivated",
	"have no rights to send",
	"need administrator rights",
	"group chat was upgraded",
	"chat_write_forbidden",
}

// classify wraps errors for unreachable chats with kit.ErrChatUnreachable.
// Everything else (rate limits, network, 5xx) is returned as is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isUnreachable(err) {
		return fmt.Errorf("%w: %w", kit.ErrChatUnreachable, err)
	}
	return err
}

func isUnreachable(err error) bool {
	var te *tele.Error
	if errors.As(err, &te) && te.Code == 403 {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "forbidden") {
		return true
	}
	for _, m := range unreachableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
