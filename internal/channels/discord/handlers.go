package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

func (c *Channel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	ev, ok := c.messageEvent(m.Message)
	if !ok {
		return
	}
	c.learnChat(s, m.Message)

	slog.Debug("discord message received",
		"channel_id", m.ChannelID,
		"sender_id", m.Author.ID,
		"preview", channels.Truncate(ev.Text, 50),
	)
	c.publisher.PublishRemote(ev)
}

func (c *Channel) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	// Embed unfurls arrive as updates without an author or content change.
	if m.Message == nil || m.Author == nil {
		return
	}
	ev, ok := c.messageEvent(m.Message)
	if !ok {
		return
	}
	ev.Kind = bus.KindEdit
	ev.ReplyTo = ""
	c.publisher.PublishRemote(ev)
}

func (c *Channel) onMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if m.Message == nil {
		return
	}
	if m.BeforeDelete != nil && m.BeforeDelete.Author != nil && m.BeforeDelete.Author.ID == c.botUserID {
		return
	}
	ev := bus.RemoteEvent{
		Kind:      bus.KindDelete,
		Chat:      chat.Key{ChannelID: ChannelID, ChatID: m.ChannelID},
		MessageID: m.ID,
	}
	if m.BeforeDelete != nil && m.BeforeDelete.Author != nil {
		ev.Author = displayName(m.BeforeDelete)
	}
	c.publisher.PublishRemote(ev)
}

func (c *Channel) onReactionAdd(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.MessageReaction == nil || r.UserID == c.botUserID {
		return
	}
	c.publisher.PublishRemote(reactionEvent(r.MessageReaction, false))
}

func (c *Channel) onReactionRemove(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
	if r.MessageReaction == nil || r.UserID == c.botUserID {
		return
	}
	c.publisher.PublishRemote(reactionEvent(r.MessageReaction, true))
}

// messageEvent converts a Discord message, skipping the bot's own and other bots'.
func (c *Channel) messageEvent(m *discordgo.Message) (bus.RemoteEvent, bool) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return bus.RemoteEvent{}, false
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		content = "[empty message]"
	}

	ev := bus.RemoteEvent{
		Kind:      bus.KindMessage,
		Chat:      chat.Key{ChannelID: ChannelID, ChatID: m.ChannelID},
		MessageID: m.ID,
		Author:    displayName(m),
		Text:      content,
	}
	if m.MessageReference != nil && m.MessageReference.ChannelID == m.ChannelID {
		ev.ReplyTo = m.MessageReference.MessageID
	}
	return ev, true
}

func reactionEvent(r *discordgo.MessageReaction, remove bool) bus.RemoteEvent {
	emoji := r.Emoji.Name
	if r.Emoji.ID != "" {
		emoji = r.Emoji.APIName()
	}
	return bus.RemoteEvent{
		Kind:      bus.KindReaction,
		Chat:      chat.Key{ChannelID: ChannelID, ChatID: r.ChannelID},
		MessageID: r.MessageID,
		Reaction:  emoji,
		Remove:    remove,
	}
}

// learnChat records the message's chat in the directory the first time it is seen.
func (c *Channel) learnChat(s *discordgo.Session, m *discordgo.Message) {
	if c.sink == nil || s == nil || s.State == nil {
		return
	}
	if _, dup := c.seen.LoadOrStore(m.ChannelID, struct{}{}); dup {
		return
	}
	ch, err := s.State.Channel(m.ChannelID)
	if err != nil {
		c.seen.Delete(m.ChannelID)
		return
	}
	guildName := ""
	if ch.GuildID != "" {
		if g, err := s.State.Guild(ch.GuildID); err == nil {
			guildName = g.Name
		}
	}
	if err := c.sink.Upsert(context.Background(), toRemoteChat(ch, guildName)); err != nil {
		slog.Warn("discord: failed to record chat", "channel_id", m.ChannelID, "error", err)
	}
}

// displayName returns the best available display name for a Discord message author.
// Priority: server nickname > global display name > username.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
