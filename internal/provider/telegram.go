package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"postfilter/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// telegramConn monitors channels through the bot long-poll API and delivers
// forwarded posts. The bot must be a member of every monitored channel.
type telegramConn struct {
	api telegramAPI
	log *slog.Logger
}

// NewTelegram authenticates against the Bot API with the given token.
func NewTelegram(token string, log *slog.Logger) (Provider, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &telegramConn{api: api, log: log}, nil
}

// newTelegramWithAPI wires a pre-built API client (useful for testing).
func newTelegramWithAPI(api telegramAPI, log *slog.Logger) *telegramConn {
	return &telegramConn{api: api, log: log}
}

// Start logs readiness; authentication already happened at construction.
func (t *telegramConn) Start(_ context.Context) error {
	t.log.Info("telegram provider started")
	return nil
}

// Stop terminates the update long-poll.
func (t *telegramConn) Stop() error {
	t.api.StopReceivingUpdates()
	return nil
}

// Monitor blocks reading channel-post updates until ctx is cancelled,
// emitting a post event for each message from a monitored channel.
func (t *telegramConn) Monitor(ctx context.Context, sources []model.Source, emit EmitFunc) error {
	watched := make(map[string]model.Source, len(sources))
	for _, src := range sources {
		watched[src.SourceID] = src
		if name := strings.TrimPrefix(src.SourceID, "@"); name != src.SourceID {
			watched[name] = src
		}
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return nil
		case update := <-updates:
			msg := update.ChannelPost
			if msg == nil || msg.Chat == nil {
				continue
			}
			src, ok := t.matchSource(watched, msg.Chat)
			if !ok {
				continue
			}
			emit(ctx, messageToPost(msg, src))
		}
	}
}

func (t *telegramConn) matchSource(watched map[string]model.Source, chat *tgbotapi.Chat) (model.Source, bool) {
	if src, ok := watched[strconv.FormatInt(chat.ID, 10)]; ok {
		return src, true
	}
	if chat.UserName != "" {
		if src, ok := watched[chat.UserName]; ok {
			return src, true
		}
	}
	return model.Source{}, false
}

func messageToPost(msg *tgbotapi.Message, src model.Source) model.Post {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	hasMedia := msg.Photo != nil || msg.Video != nil || msg.Document != nil || msg.Audio != nil

	name := src.Name
	if name == "" {
		name = msg.Chat.Title
	}

	return model.Post{
		SourceType: model.SourceTelegram,
		SourceID:   src.SourceID,
		SourceName: name,
		PostID:     strconv.Itoa(msg.MessageID),
		Text:       text,
		HasMedia:   hasMedia,
		Raw: &model.RawRef{
			Type: model.SourceTelegram,
			Telegram: &model.TelegramRef{
				ChatID:    msg.Chat.ID,
				MessageID: msg.MessageID,
			},
		},
	}
}

// Forward re-publishes the post to the target chat. Posts that originated on
// Telegram and still carry their raw handle are forwarded natively with the
// annotation as a follow-up message; everything else is posted as a copied
// body with a link back to the original.
func (t *telegramConn) Forward(ctx context.Context, target string, post model.Post, annotation string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if post.SourceType == model.SourceTelegram && post.Raw != nil && post.Raw.Telegram != nil {
		fwd := forwardConfig(target, post.Raw.Telegram)
		if _, err := t.api.Send(fwd); err != nil {
			return fmt.Errorf("forward message: %w", err)
		}
		if _, err := t.api.Send(messageConfig(target, annotation)); err != nil {
			t.log.Error("send annotation", "target", target, "error", err)
		}
		return nil
	}

	var b strings.Builder
	b.WriteString(annotation)
	if post.Text != "" {
		b.WriteString("\n\n")
		b.WriteString(post.Text)
	}
	if link := originLink(post); link != "" {
		b.WriteString("\n\nOriginal: ")
		b.WriteString(link)
	}
	if _, err := t.api.Send(messageConfig(target, b.String())); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func forwardConfig(target string, ref *model.TelegramRef) tgbotapi.ForwardConfig {
	cfg := tgbotapi.ForwardConfig{
		FromChatID: ref.ChatID,
		MessageID:  ref.MessageID,
	}
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		cfg.BaseChat = tgbotapi.BaseChat{ChatID: id}
	} else {
		cfg.BaseChat = tgbotapi.BaseChat{ChannelUsername: target}
	}
	return cfg
}

func messageConfig(target, text string) tgbotapi.MessageConfig {
	var msg tgbotapi.MessageConfig
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		msg = tgbotapi.NewMessage(id, text)
	} else {
		msg = tgbotapi.NewMessageToChannel(target, text)
	}
	msg.DisableWebPagePreview = true
	return msg
}

// originLink builds a public link to the original post where one exists.
func originLink(post model.Post) string {
	if post.Raw == nil {
		return ""
	}
	switch post.Raw.Type {
	case model.SourceVK:
		if post.Raw.VK != nil {
			return fmt.Sprintf("https://vk.com/wall%d_%d", post.Raw.VK.OwnerID, post.Raw.VK.PostID)
		}
	case model.SourceTelegram:
		if name := strings.TrimPrefix(post.SourceID, "@"); name != post.SourceID {
			return fmt.Sprintf("https://t.me/%s/%s", name, post.PostID)
		}
	}
	return ""
}
