package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

// botAPI is the subset of *telego.Bot the front-end client uses.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error)
	DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error
	SetMessageReaction(ctx context.Context, params *telego.SetMessageReactionParams) error
}

// maxMessageLen is Telegram's limit for a text message in characters.
const maxMessageLen = 4096

// Client implements channels.FrontendClient on the Telegram Bot API.
// Sends to one context are paced by a per-context rate limiter.
type Client struct {
	bot     botAPI
	limiter *channels.KeyedLimiter
}

// NewClient wraps bot. perSecond <= 0 disables pacing.
func NewClient(bot botAPI, perSecond float64, burst int) *Client {
	c := &Client{bot: bot}
	if perSecond > 0 {
		c.limiter = channels.NewKeyedLimiter(perSecond, burst)
	}
	return c
}

func (c *Client) wait(ctx context.Context, contextID int64) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx, strconv.FormatInt(contextID, 10))
}

// Send implements channels.FrontendClient.
func (c *Client) Send(ctx context.Context, contextID int64, content channels.Content, replyTo int) (int, error) {
	if err := c.wait(ctx, contextID); err != nil {
		return 0, err
	}
	msg := tu.Message(tu.ID(contextID), clampText(content.Text))
	msg.DisableNotification = content.Silent
	if replyTo != 0 {
		msg.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
	}
	sent, err := c.bot.SendMessage(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("telegram send: %w", err)
	}
	return sent.MessageID, nil
}

// Edit implements channels.FrontendClient.
func (c *Client) Edit(ctx context.Context, contextID int64, msgID int, content channels.Content) error {
	if err := c.wait(ctx, contextID); err != nil {
		return err
	}
	_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(contextID),
		MessageID: msgID,
		Text:      clampText(content.Text),
	})
	if err != nil {
		if isAPIError(err, "message is not modified") {
			return nil
		}
		if isAPIError(err, "message can't be edited") {
			return channels.ErrUnsupported
		}
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// Delete implements channels.FrontendClient. Telegram refuses to delete
// messages older than 48 hours; that is reported as channels.ErrUnsupported.
func (c *Client) Delete(ctx context.Context, contextID int64, msgID int) error {
	err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(contextID), MessageID: msgID})
	if err != nil {
		if isAPIError(err, "message can't be deleted") {
			return channels.ErrUnsupported
		}
		return fmt.Errorf("telegram delete: %w", err)
	}
	return nil
}

// React implements channels.FrontendClient.
func (c *Client) React(ctx context.Context, contextID int64, msgID int, reaction string) error {
	params := &telego.SetMessageReactionParams{ChatID: tu.ID(contextID), MessageID: msgID}
	if reaction != "" {
		params.Reaction = []telego.ReactionType{&telego.ReactionTypeEmoji{Type: "emoji", Emoji: reaction}}
	}
	if err := c.bot.SetMessageReaction(ctx, params); err != nil {
		if isAPIError(err, "REACTION_INVALID") {
			return channels.ErrUnsupported
		}
		return fmt.Errorf("telegram react: %w", err)
	}
	return nil
}

func isAPIError(err error, fragment string) bool {
	return err != nil && strings.Contains(err.Error(), fragment)
}

// clampText cuts text to Telegram's message limit on a rune boundary.
func clampText(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageLen {
		return s
	}
	return string(r[:maxMessageLen-1]) + "…"
}
