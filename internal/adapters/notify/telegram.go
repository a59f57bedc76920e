package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/alejandrodnm/criptex/internal/domain"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// sender es la parte de tgbotapi.BotAPI que usamos.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram envía las liquidaciones a un chat de operaciones.
type Telegram struct {
	bot        sender
	chatID     int64
	manualOnly bool
}

// NewTelegram conecta con la Bot API. Falla si el token es inválido.
func NewTelegram(token string, chatID int64, manualOnly bool) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify.NewTelegram: %w", err)
	}
	return newTelegram(bot, chatID, manualOnly), nil
}

func newTelegram(bot sender, chatID int64, manualOnly bool) *Telegram {
	return &Telegram{bot: bot, chatID: chatID, manualOnly: manualOnly}
}

// NotifySettled envía un mensaje por predicción liquidada.
func (t *Telegram) NotifySettled(ctx context.Context, p domain.Prediction) error {
	if t.manualOnly && p.IsAutomatic() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(t.chatID, telegramText(p))
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("notify.Telegram: send: %w", err)
	}
	return nil
}

func telegramText(p domain.Prediction) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s %s\n", statusIcon(p.Status), p.Status, p.Symbol, p.Direction)
	fmt.Fprintf(&sb, "timeframe: %s\n", p.Timeframe)
	fmt.Fprintf(&sb, "entry: %s\n", formatPrice(p.EntryPrice))
	if p.ResultPrice != nil {
		fmt.Fprintf(&sb, "result: %s\n", formatPrice(*p.ResultPrice))
	}
	if p.IsAutomatic() {
		fmt.Fprintf(&sb, "confidence: %.0f%%", p.ConfidenceScore)
	} else {
		fmt.Fprintf(&sb, "stake: %d  payout: %d", p.StakeAmount, p.Payout)
	}
	return sb.String()
}
