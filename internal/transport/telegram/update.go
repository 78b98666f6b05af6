package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"counselbot/internal/router"
)

// EventFromUpdate extracts a router event from a private-chat message or an
// inline button press. Anything else reports false.
func EventFromUpdate(update tgbotapi.Update) (router.Event, bool) {
	switch {
	case update.Message != nil:
		m := update.Message
		if m.From == nil || m.From.IsBot || m.Chat == nil || !m.Chat.IsPrivate() {
			return router.Event{}, false
		}
		text := m.Text
		if text == "" {
			text = m.Caption
		}
		if strings.TrimSpace(text) == "" {
			return router.Event{}, false
		}
		ev := eventFrom(m.From)
		ev.Text = text
		return ev, true

	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		if cq.From == nil {
			return router.Event{}, false
		}
		action, err := router.ParseAction(cq.Data)
		if err != nil {
			return router.Event{}, false
		}
		ev := eventFrom(cq.From)
		ev.Action = &action
		return ev, true
	}
	return router.Event{}, false
}

func eventFrom(u *tgbotapi.User) router.Event {
	return router.Event{
		SenderID:    u.ID,
		Username:    u.UserName,
		DisplayName: strings.TrimSpace(u.FirstName + " " + u.LastName),
	}
}
