// Copyright 2024-2026 Aiku AI

// Package discord is the Discord platform adapter, built on discordgo's
// gateway session. Message create/update/delete events are normalized to
// the relay core's shapes.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/relaybridge/pkg/relay"
)

// Config holds the adapter's connection settings.
type Config struct {
	Token string
	// DefaultChannelID receives sends that carry no explicit channel.
	DefaultChannelID string
	// IsAdmin reports whether a Discord user ID is on the privileged
	// list. Optional.
	IsAdmin func(userID string) bool
}

// channelCacheLimit bounds the message-to-channel index used to locate
// the bridge's own messages for edits without a channel hint.
const channelCacheLimit = 4096

// Adapter implements relay.Adapter for Discord.
type Adapter struct {
	log zerolog.Logger
	cfg Config

	session *discordgo.Session
	botID   string

	mu        sync.RWMutex
	connected bool
	channelOf map[string]string

	onMessage relay.MessageHandler
	onEdit    relay.EditHandler
	onDelete  relay.DeleteHandler
}

var _ relay.Adapter = (*Adapter)(nil)

// New creates a disconnected adapter.
func New(cfg Config, log zerolog.Logger) *Adapter {
	return &Adapter{
		log:       log.With().Str("component", "discord").Logger(),
		cfg:       cfg,
		channelOf: make(map[string]string),
	}
}

func (a *Adapter) Name() string { return "discord" }

func (a *Adapter) Capabilities() relay.Capabilities {
	return relay.Capabilities{NativeEdits: true, NativeReplies: true}
}

func (a *Adapter) OnMessage(h relay.MessageHandler) { a.onMessage = h }
func (a *Adapter) OnEdit(h relay.EditHandler)       { a.onEdit = h }
func (a *Adapter) OnDelete(h relay.DeleteHandler)   { a.onDelete = h }

// Connect opens the gateway session. discordgo reconnects the gateway
// internally after transient drops.
func (a *Adapter) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	session.AddHandler(a.handleMessageCreate)
	session.AddHandler(a.handleMessageUpdate)
	session.AddHandler(a.handleMessageDelete)

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	a.session = session
	if session.State != nil && session.State.User != nil {
		a.botID = session.State.User.ID
	}
	a.setConnected(true)
	a.log.Info().Str("bot_id", a.botID).Msg("Discord gateway connected")
	return nil
}

func (a *Adapter) Disconnect() error {
	a.setConnected(false)
	if a.session == nil {
		return nil
	}
	if err := a.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (a *Adapter) setConnected(v bool) {
	a.mu.Lock()
	a.connected = v
	a.mu.Unlock()
}

func (a *Adapter) GetStatus() relay.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return relay.Status{Platform: a.Name(), Connected: a.connected}
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if a.onMessage == nil || m.Author == nil {
		return
	}
	// Echo prevention: skip the bridge's own messages and other bots.
	if m.Author.ID == a.botID || m.Author.Bot {
		return
	}

	msg := &relay.Message{
		Platform:  a.Name(),
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Author:    displayName(m.Member, m.Author),
		AuthorID:  m.Author.ID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, att.URL)
	}
	if ref := m.ReferencedMessage; ref != nil {
		msg.ReplyTo = &relay.ReplyRef{
			NativeID: ref.ID,
			Content:  ref.Content,
			Platform: a.Name(),
		}
		if ref.Author != nil {
			msg.ReplyTo.Author = ref.Author.Username
		}
	} else if m.MessageReference != nil {
		msg.ReplyTo = &relay.ReplyRef{
			NativeID: m.MessageReference.MessageID,
			Platform: a.Name(),
		}
	}
	a.onMessage(context.Background(), msg)
}

func (a *Adapter) handleMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if a.onEdit == nil || m.Author == nil || m.Author.ID == a.botID || m.Author.Bot {
		return
	}
	// Discord also fires update events for embed unfurls; those carry no
	// content change worth propagating.
	if m.Content == "" {
		return
	}
	a.onEdit(context.Background(), &relay.EditNotice{
		Platform:   a.Name(),
		ID:         m.ID,
		NewContent: m.Content,
		Timestamp:  time.Now(),
	})
}

func (a *Adapter) handleMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if a.onDelete == nil {
		return
	}
	// The gateway does not report who deleted; the privileged check runs
	// against the cached author when available.
	isAdmin := false
	if a.cfg.IsAdmin != nil && m.BeforeDelete != nil && m.BeforeDelete.Author != nil {
		isAdmin = a.cfg.IsAdmin(m.BeforeDelete.Author.ID)
	}
	a.onDelete(context.Background(), &relay.DeleteNotice{
		Platform:  a.Name(),
		ID:        m.ID,
		ChannelID: m.ChannelID,
		IsAdmin:   isAdmin,
		Timestamp: time.Now(),
	})
}

// displayName prefers the guild nickname over the account username.
func displayName(member *discordgo.Member, author *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	return author.Username
}

// rememberChannel indexes a sent message's channel for later edits.
func (a *Adapter) rememberChannel(messageID, channelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.channelOf) >= channelCacheLimit {
		a.channelOf = make(map[string]string, channelCacheLimit)
	}
	a.channelOf[messageID] = channelID
}

// channelFor returns the cached channel for a message, or the default.
func (a *Adapter) channelFor(messageID string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if ch, ok := a.channelOf[messageID]; ok {
		return ch
	}
	return a.cfg.DefaultChannelID
}

// SendMessage posts content, optionally as a native reply.
func (a *Adapter) SendMessage(ctx context.Context, content string, opts relay.SendOptions) (string, error) {
	if a.session == nil {
		return "", relay.ErrNotConnected
	}
	channelID := opts.ChannelID
	if channelID == "" {
		channelID = a.cfg.DefaultChannelID
	}
	send := &discordgo.MessageSend{Content: content}
	if opts.ReplyToNativeID != "" {
		send.Reference = &discordgo.MessageReference{
			MessageID: opts.ReplyToNativeID,
			ChannelID: channelID,
		}
		send.AllowedMentions = &discordgo.MessageAllowedMentions{RepliedUser: false}
	}
	msg, err := a.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to send discord message: %w", err)
	}
	a.rememberChannel(msg.ID, channelID)
	return msg.ID, nil
}

// EditMessage edits one of the bridge's own messages in place.
func (a *Adapter) EditMessage(ctx context.Context, nativeID, newContent string) error {
	if a.session == nil {
		return relay.ErrNotConnected
	}
	_, err := a.session.ChannelMessageEdit(a.channelFor(nativeID), nativeID, newContent, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to edit discord message: %w", err)
	}
	return nil
}

// DeleteMessage deletes a message; unknown-message errors are treated as
// soft no-ops for idempotent deletion replay.
func (a *Adapter) DeleteMessage(ctx context.Context, nativeID, channelID string) error {
	if a.session == nil {
		return relay.ErrNotConnected
	}
	if channelID == "" {
		channelID = a.cfg.DefaultChannelID
	}
	err := a.session.ChannelMessageDelete(channelID, nativeID, discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == 404 {
			return nil
		}
		return fmt.Errorf("failed to delete discord message: %w", err)
	}
	return nil
}
