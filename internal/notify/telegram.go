package notify

import (
	"context"
	"fmt"
	"strings"

	"fieldsync/internal/events"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const defaultBuffer = 64

// Sender is the part of the Telegram bot API the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier forwards terminal sync failures to operator chats.
// Event handlers only enqueue; delivery happens in Run.
type TelegramNotifier struct {
	bot     Sender
	chatIDs []int64
	outbox  chan string
	logger  *zerolog.Logger
}

func NewTelegramNotifier(bot Sender, chatIDs []int64, logger *zerolog.Logger) *TelegramNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &TelegramNotifier{
		bot:     bot,
		chatIDs: chatIDs,
		outbox:  make(chan string, defaultBuffer),
		logger:  logger,
	}
}

// Subscribe registers the notifier for failure events on bus.
func (n *TelegramNotifier) Subscribe(bus *events.EventBus) {
	bus.Subscribe(n.handleEvent, events.EventItemFailed)
}

func (n *TelegramNotifier) handleEvent(event *events.Event) error {
	var p events.ItemEventPayload
	if err := event.Decode(&p); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.Type, err)
	}

	select {
	case n.outbox <- formatFailure(p):
	default:
		n.logger.Warn().Str("item_id", p.ItemID).Msg("notification outbox full, dropping alert")
	}
	return nil
}

// Run delivers queued alerts until ctx is done.
func (n *TelegramNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.outbox:
			n.broadcast(text)
		}
	}
}

func (n *TelegramNotifier) broadcast(text string) {
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Error().Err(err).Int64("chat_id", chatID).Msg("send telegram alert")
		}
	}
}

func formatFailure(p events.ItemEventPayload) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sync failed permanently\n\nOperation: %s\nItem: %s\nAttempts: %d", p.OperationType, p.ItemID, p.RetryCount)
	if p.Error != "" {
		fmt.Fprintf(&sb, "\nError: %s", p.Error)
	}
	return sb.String()
}
