package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/chatbridge/internal/binding"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/filter"
	"github.com/nextlevelbuilder/chatbridge/internal/linking"
)

// Callback actions carried in inline keyboard data as "<action>:<id>[:<index>]".
const (
	cbPick    = "p" // pick a remote chat from a picker
	cbConfirm = "g" // confirm a guided bind to a candidate context
	cbReplace = "r" // confirm, moving the chat from its current context
	cbMulti   = "m" // confirm, adding the chat in multi-binding mode
	cbCancel  = "x" // cancel a guided bind
)

const pickerTTL = time.Hour

// picker is a chat list shown by /link, kept so button presses can refer to
// chats by index (callback data is limited to 64 bytes).
type picker struct {
	user    int64
	keys    []chat.Key
	created time.Time
}

// pick returns the chat at idx if user opened the picker.
func (pk *picker) pick(user int64, idx int) (chat.Key, bool) {
	if pk.user != user || idx < 0 || idx >= len(pk.keys) {
		return chat.Key{}, false
	}
	return pk.keys[idx], true
}

func encodeCallback(action, id string, idx int) string {
	if idx < 0 {
		return action + ":" + id
	}
	return action + ":" + id + ":" + strconv.Itoa(idx)
}

func decodeCallback(data string) (action, id string, idx int, ok bool) {
	parts := strings.Split(data, ":")
	switch len(parts) {
	case 2:
		return parts[0], parts[1], -1, parts[1] != ""
	case 3:
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 0 {
			return "", "", 0, false
		}
		return parts[0], parts[1], n, parts[1] != ""
	}
	return "", "", 0, false
}

func button(text, data string) telego.InlineKeyboardButton {
	return telego.InlineKeyboardButton{Text: text, CallbackData: data}
}

// handleLinkPicker answers /link with a keyboard of matching unlinked-or-linked chats.
func (c *Channel) handleLinkPicker(ctx context.Context, message *telego.Message, pattern string) {
	p, err := filter.Compile(pattern)
	if err != nil {
		c.reply(ctx, message, "Invalid pattern: "+err.Error())
		return
	}
	matches := c.searchChats(ctx, p)
	if len(matches) == 0 {
		c.reply(ctx, message, c.noMatchText())
		return
	}
	if len(matches) > maxListed {
		matches = matches[:maxListed]
	}
	pk := &picker{user: message.From.ID, created: time.Now()}
	var rows [][]telego.InlineKeyboardButton
	for _, rc := range matches {
		label := listName(rc)
		switch c.linking.State(rc.Key) {
		case linking.StateBound:
			label = "🔗 " + label
		case linking.StatePendingGuidedBind, linking.StatePendingManualBind:
			label = "⏳ " + label
		}
		rows = append(rows, []telego.InlineKeyboardButton{
			button(fmt.Sprintf("%s [%s]", label, rc.ChannelName), ""),
		})
		pk.keys = append(pk.keys, rc.Key)
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	for i := range rows {
		rows[i][0].CallbackData = encodeCallback(cbPick, id, i)
	}
	c.prunePickers()
	c.pickers.Store(id, pk)

	msg := tu.Message(tu.ID(message.Chat.ID), "Choose the chat to link:")
	msg.ReplyMarkup = &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		slog.Warn("telegram send picker failed", "chat_id", message.Chat.ID, "error", err)
	}
}

func (c *Channel) prunePickers() {
	cutoff := time.Now().Add(-pickerTTL)
	c.pickers.Range(func(k, v any) bool {
		if v.(*picker).created.Before(cutoff) {
			c.pickers.Delete(k)
		}
		return true
	})
}

// sendCandidates posts the candidate contexts of a guided session.
func (c *Channel) sendCandidates(ctx context.Context, message *telego.Message, sessionID string) {
	text, kb := c.candidateView(sessionID)
	msg := tu.Message(tu.ID(message.Chat.ID), text)
	if kb != nil {
		msg.ReplyMarkup = kb
	}
	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		slog.Warn("telegram send candidates failed", "chat_id", message.Chat.ID, "error", err)
	}
}

// candidateView renders a guided session: one button per candidate context.
func (c *Channel) candidateView(sessionID string) (string, *telego.InlineKeyboardMarkup) {
	s, ok := c.linking.Session(sessionID)
	if !ok {
		return describeError(linking.ErrNoSession), nil
	}
	if len(s.Candidates) == 0 {
		c.linking.Cancel(sessionID)
		return fmt.Sprintf("You administer no chat the bot is in. Add the bot to a group, or use /linkcode %s.", s.Chat), nil
	}
	var rows [][]telego.InlineKeyboardButton
	for i, fc := range s.Candidates {
		rows = append(rows, []telego.InlineKeyboardButton{button(c.contextTitle(fc.ID), encodeCallback(cbConfirm, s.ID, i))})
	}
	rows = append(rows, []telego.InlineKeyboardButton{button("Cancel", encodeCallback(cbCancel, s.ID, -1))})
	return "Link " + c.chatName(s.Chat) + " to:", &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// handleCallbackQuery handles inline keyboard presses of the guided bind.
func (c *Channel) handleCallbackQuery(ctx context.Context, query *telego.CallbackQuery) {
	defer func() {
		if err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: query.ID}); err != nil {
			slog.Debug("telegram answerCallbackQuery failed", "error", err)
		}
	}()
	if query.Message == nil {
		return
	}
	chatID := query.Message.GetChat().ID
	msgID := query.Message.GetMessageID()
	edit := func(text string, kb *telego.InlineKeyboardMarkup) {
		if _, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID: tu.ID(chatID), MessageID: msgID, Text: text, ReplyMarkup: kb,
		}); err != nil {
			slog.Debug("telegram edit keyboard failed", "chat_id", chatID, "error", err)
		}
	}

	action, id, idx, ok := decodeCallback(query.Data)
	if !ok {
		return
	}

	if action == cbPick {
		v, ok := c.pickers.Load(id)
		if !ok {
			edit("This list has expired. Run /link again.", nil)
			return
		}
		key, ok := v.(*picker).pick(query.From.ID, idx)
		if !ok {
			return
		}
		c.pickers.Delete(id)
		s, err := c.linking.StartGuided(ctx, query.From.ID, key)
		if err != nil {
			edit(describeError(err), nil)
			return
		}
		edit(c.candidateView(s.ID))
		return
	}

	s, ok := c.linking.Session(id)
	if !ok {
		edit(describeError(linking.ErrNoSession), nil)
		return
	}
	if s.Initiator != query.From.ID {
		return
	}

	var opts []binding.Option
	switch action {
	case cbCancel:
		c.linking.Cancel(id)
		edit("Link cancelled.", nil)
		return
	case cbConfirm:
	case cbReplace:
		opts = append(opts, binding.Replace())
	case cbMulti:
		opts = append(opts, binding.Multi())
	default:
		return
	}
	if idx < 0 || idx >= len(s.Candidates) {
		return
	}
	target := s.Candidates[idx]

	if _, err := c.linking.ConfirmGuided(ctx, id, target, opts...); err != nil {
		text, kb := c.remediationView(s, idx, err)
		edit(text, kb)
		return
	}
	edit(fmt.Sprintf("Linked %s to %s.", c.chatName(s.Chat), c.contextTitle(target.ID)), nil)
}

// remediationView offers the follow-up confirmation for a bind conflict.
func (c *Channel) remediationView(s linking.Session, idx int, err error) (string, *telego.InlineKeyboardMarkup) {
	text := describeError(err)
	var row []telego.InlineKeyboardButton
	switch {
	case errors.Is(err, binding.ErrAlreadyLinkedElsewhere):
		row = append(row, button("Relink anyway", encodeCallback(cbReplace, s.ID, idx)))
	case errors.Is(err, binding.ErrModeViolation) && c.deps.Bindings.MultiAllowed():
		row = append(row, button("Add as another chat", encodeCallback(cbMulti, s.ID, idx)))
	}
	if len(row) == 0 {
		return text, nil
	}
	row = append(row, button("Cancel", encodeCallback(cbCancel, s.ID, -1)))
	return text, &telego.InlineKeyboardMarkup{InlineKeyboard: [][]telego.InlineKeyboardButton{row}}
}
