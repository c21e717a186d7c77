// Package telegram is the front-end transport: a Telegram bot that receives
// the user's messages and commands and delivers bridged remote messages.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/chatbridge/internal/binding"
	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/chats"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/ledger"
	"github.com/nextlevelbuilder/chatbridge/internal/linking"
)

// Deps are the engine components the bot commands drive.
type Deps struct {
	Publisher bus.Publisher
	Bindings  *binding.Store
	Directory *chats.Directory
	Ledger    *ledger.Ledger
}

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	bot     *telego.Bot
	client  *Client
	config  config.TelegramConfig
	deps    Deps
	linking *linking.Machine

	// errorReplies throttles error reports per context so a burst of failing
	// events does not flood the chat.
	errorReplies *channels.KeyedLimiter

	contexts sync.Map // chat id int64 → knownContext
	pickers  sync.Map // picker id → *picker

	running    atomic.Bool
	pollCancel context.CancelFunc // cancels the long polling context
	pollDone   chan struct{}      // closed when polling goroutine exits
}

// knownContext is a front-end chat the bot has seen.
type knownContext struct {
	fc    chat.FrontendContext
	title string
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, deps Deps) (*Channel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		bot:    bot,
		client:       NewClient(bot, cfg.RatePerSecond, cfg.Burst),
		config:       cfg,
		deps:         deps,
		errorReplies: channels.NewKeyedLimiter(errorReplyRate, errorReplyBurst),
	}, nil
}

// Client returns the front-end client used by the router.
func (c *Channel) Client() *Client { return c.client }

// SetLinking attaches the link state machine. It is set after construction
// because the machine uses the channel as its AdminContexts source.
func (c *Channel) SetLinking(m *linking.Machine) { c.linking = m }

// IsRunning implements channels.Runner.
func (c *Channel) IsRunning() bool { return c.running.Load() }

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{
			"message",
			"edited_message",
			"callback_query",
			"message_reaction",
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.running.Store(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	// Register bot menu commands with retry.
	go func() {
		for attempt := 1; attempt <= 3; attempt++ {
			if err := c.SyncMenuCommands(pollCtx, DefaultMenuCommands()); err != nil {
				slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
				select {
				case <-pollCtx.Done():
					return
				case <-time.After(time.Duration(attempt*5) * time.Second):
				}
				continue
			}
			slog.Info("telegram menu commands synced")
			return
		}
	}()

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				c.handleUpdate(pollCtx, update)
			}
		}
	}()

	return nil
}

// Stop shuts down the Telegram bot by cancelling the long polling context
// and waiting for the polling goroutine to exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.running.Store(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	// Telegram holds the getUpdates lock until the poller exits.
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// remember records a chat the bot has seen so it can be offered as a bind target.
func (c *Channel) remember(ch telego.Chat) chat.FrontendContext {
	fc := chat.FrontendContext{ID: ch.ID, Kind: contextKind(ch.Type)}
	title := ch.Title
	if title == "" {
		title = ch.FirstName
		if ch.Username != "" {
			title = "@" + ch.Username
		}
	}
	c.contexts.Store(ch.ID, knownContext{fc: fc, title: title})
	return fc
}

func (c *Channel) contextTitle(id int64) string {
	if v, ok := c.contexts.Load(id); ok {
		if t := v.(knownContext).title; t != "" {
			return t
		}
	}
	return strconv.FormatInt(id, 10)
}

// AdminContexts implements linking.AdminContexts. Telegram cannot list a
// user's chats, so candidates are the chats the bot has seen in which the
// user is an administrator, plus the user's private chat with the bot.
func (c *Channel) AdminContexts(ctx context.Context, userID int64) ([]chat.FrontendContext, error) {
	var out []chat.FrontendContext
	c.contexts.Range(func(_, v any) bool {
		kc := v.(knownContext)
		if kc.fc.Kind == chat.ContextPrivate {
			if kc.fc.ID == userID {
				out = append(out, kc.fc)
			}
			return true
		}
		if c.isChatAdmin(ctx, kc.fc.ID, userID) {
			out = append(out, kc.fc)
		}
		return true
	})
	slices.SortFunc(out, func(a, b chat.FrontendContext) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (c *Channel) isChatAdmin(ctx context.Context, chatID, userID int64) bool {
	if chatID == userID {
		return true
	}
	member, err := c.bot.GetChatMember(ctx, &telego.GetChatMemberParams{ChatID: tu.ID(chatID), UserID: userID})
	if err != nil {
		slog.Debug("telegram getChatMember failed", "chat_id", chatID, "user_id", userID, "error", err)
		return false
	}
	switch member.MemberStatus() {
	case "creator", "administrator":
		return true
	}
	return false
}

// isOperator reports whether userID may act through the bridge: have messages,
// edits and reactions routed, and run routing and binding commands. With no
// configured admins every user may.
func (c *Channel) isOperator(userID int64) bool {
	if len(c.config.Admins) == 0 {
		return true
	}
	return slices.Contains(c.config.Admins, strconv.FormatInt(userID, 10))
}

func contextKind(t string) chat.ContextKind {
	switch t {
	case "group", "supergroup":
		return chat.ContextGroup
	case "channel":
		return chat.ContextChannel
	}
	return chat.ContextPrivate
}
