package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	"agentops/internal/domain"
)

// Gateway delivers one notification over one transport and reports how far
// it can vouch for the delivery: telegram confirms receipt (delivered),
// webhook-backed transports only confirm hand-off (sent).
type Gateway interface {
	Send(ctx context.Context, contact *domain.Contact, n *domain.Notification) (domain.DeliveryStatus, error)
}

// TelegramGateway sends through the Bot API. Telegram acknowledges the
// message synchronously, so a successful send is a delivery.
type TelegramGateway struct {
	bot *tele.Bot
}

func NewTelegramGateway(token string) (*TelegramGateway, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram gateway: %w", err)
	}
	return &TelegramGateway{bot: bot}, nil
}

func (g *TelegramGateway) Send(ctx context.Context, contact *domain.Contact, n *domain.Notification) (domain.DeliveryStatus, error) {
	if contact.TelegramChatID == 0 {
		return domain.DeliveryFailed, fmt.Errorf("%w: contact has no telegram chat id", domain.ErrDeliveryFailure)
	}
	text := fmt.Sprintf("*%s*\n%s", n.Title, n.Message)
	_, err := g.bot.Send(&tele.Chat{ID: contact.TelegramChatID}, text, tele.ModeMarkdown)
	if err != nil {
		return domain.DeliveryFailed, fmt.Errorf("%w: telegram send: %v", domain.ErrDeliveryFailure, err)
	}
	return domain.DeliveryDelivered, nil
}

// WebhookGateway POSTs the notification to an external delivery service
// (email, whatsapp, sms providers all front as webhooks here). The provider
// owns final delivery, so success only means sent.
type WebhookGateway struct {
	channel domain.Channel
	url     string
	client  *http.Client
}

func NewWebhookGateway(channel domain.Channel, url string) *WebhookGateway {
	return &WebhookGateway{
		channel: channel,
		url:     url,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type webhookPayload struct {
	Channel  string `json:"channel"`
	To       string `json:"to"`
	Name     string `json:"name,omitempty"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
	Ref      string `json:"ref,omitempty"`
}

func (g *WebhookGateway) Send(ctx context.Context, contact *domain.Contact, n *domain.Notification) (domain.DeliveryStatus, error) {
	to := contact.Email
	if g.channel == domain.ChannelWhatsApp || g.channel == domain.ChannelSMS {
		to = contact.Phone
	}
	if to == "" {
		return domain.DeliveryFailed, fmt.Errorf("%w: contact has no address for channel %s", domain.ErrDeliveryFailure, g.channel)
	}
	body, err := json.Marshal(webhookPayload{
		Channel:  string(g.channel),
		To:       to,
		Name:     contact.Name,
		Title:    n.Title,
		Message:  n.Message,
		Priority: n.Priority,
		Ref:      n.RefID,
	})
	if err != nil {
		return domain.DeliveryFailed, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryFailed, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return domain.DeliveryFailed, fmt.Errorf("%w: %s gateway: %v", domain.ErrDeliveryFailure, g.channel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.DeliveryFailed, fmt.Errorf("%w: %s gateway returned %s", domain.ErrDeliveryFailure, g.channel, resp.Status)
	}
	return domain.DeliverySent, nil
}
