// Copyright 2024-2026 Aiku AI

// Package matrix is the Matrix platform adapter, built on the plain
// mautrix client with a default syncer. Room message and redaction events
// are normalized to the relay core's shapes.
package matrix

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/relaybridge/pkg/relay"
)

// roomCacheLimit bounds the event-to-room index used to locate messages
// for edits and deletes without a room hint.
const roomCacheLimit = 4096

// Config holds the adapter's connection settings.
type Config struct {
	HomeserverURL string
	UserID        string
	AccessToken   string
	// DefaultRoomID receives sends that carry no explicit channel.
	DefaultRoomID string
	// IsAdmin reports whether a Matrix user ID is on the privileged list.
	// Optional. Redaction events name their sender, so this check runs
	// against the actual deleter.
	IsAdmin func(userID string) bool
}

// Adapter implements relay.Adapter for Matrix.
type Adapter struct {
	log zerolog.Logger
	cfg Config

	client *mautrix.Client
	cancel context.CancelFunc

	mu        sync.RWMutex
	connected bool
	roomOf    map[id.EventID]id.RoomID

	onMessage relay.MessageHandler
	onEdit    relay.EditHandler
	onDelete  relay.DeleteHandler

	startTime time.Time
}

var _ relay.Adapter = (*Adapter)(nil)

// New creates a disconnected adapter.
func New(cfg Config, log zerolog.Logger) *Adapter {
	return &Adapter{
		log:    log.With().Str("component", "matrix").Logger(),
		cfg:    cfg,
		roomOf: make(map[id.EventID]id.RoomID),
	}
}

func (a *Adapter) Name() string { return "matrix" }

func (a *Adapter) Capabilities() relay.Capabilities {
	return relay.Capabilities{NativeEdits: true, NativeReplies: true}
}

func (a *Adapter) OnMessage(h relay.MessageHandler) { a.onMessage = h }
func (a *Adapter) OnEdit(h relay.EditHandler)       { a.onEdit = h }
func (a *Adapter) OnDelete(h relay.DeleteHandler)   { a.onDelete = h }

// Connect verifies the token and starts the sync loop in the background.
func (a *Adapter) Connect(ctx context.Context) error {
	client, err := mautrix.NewClient(a.cfg.HomeserverURL, id.UserID(a.cfg.UserID), a.cfg.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to create matrix client: %w", err)
	}
	whoami, err := client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify matrix token: %w", err)
	}
	a.client = client
	a.startTime = time.Now()
	a.log.Info().Str("user_id", string(whoami.UserID)).Msg("Authenticated")

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, a.handleRoomMessage)
	syncer.OnEventType(event.EventRedaction, a.handleRedaction)

	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	go func() {
		if err := client.SyncWithContext(syncCtx); err != nil && syncCtx.Err() == nil {
			a.log.Error().Err(err).Msg("Sync loop exited")
			a.setConnected(false)
		}
	}()

	a.setConnected(true)
	return nil
}

func (a *Adapter) Disconnect() error {
	a.setConnected(false)
	if a.cancel != nil {
		a.cancel()
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
	return relay.Status{
		Platform:  a.Name(),
		Connected: a.connected,
		Detail:    a.cfg.HomeserverURL,
	}
}

// rememberRoom indexes an event's room for later edit/delete routing.
func (a *Adapter) rememberRoom(eventID id.EventID, roomID id.RoomID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.roomOf) >= roomCacheLimit {
		a.roomOf = make(map[id.EventID]id.RoomID, roomCacheLimit)
	}
	a.roomOf[eventID] = roomID
}

// roomFor returns the cached room for an event, or the default room.
func (a *Adapter) roomFor(eventID id.EventID) id.RoomID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if room, ok := a.roomOf[eventID]; ok {
		return room
	}
	return id.RoomID(a.cfg.DefaultRoomID)
}

func (a *Adapter) handleRoomMessage(ctx context.Context, evt *event.Event) {
	// Echo prevention plus backlog skip: the initial sync replays history.
	if evt.Sender == id.UserID(a.cfg.UserID) {
		return
	}
	if time.UnixMilli(evt.Timestamp).Before(a.startTime) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}
	a.rememberRoom(evt.ID, evt.RoomID)

	// Edits arrive as m.replace relations on message events.
	if relates := content.RelatesTo; relates != nil && relates.Type == event.RelReplace {
		if a.onEdit == nil || content.NewContent == nil {
			return
		}
		a.onEdit(ctx, &relay.EditNotice{
			Platform:   a.Name(),
			ID:         string(relates.EventID),
			NewContent: content.NewContent.Body,
			Timestamp:  time.UnixMilli(evt.Timestamp),
		})
		return
	}
	if a.onMessage == nil {
		return
	}

	msg := &relay.Message{
		Platform:  a.Name(),
		ID:        string(evt.ID),
		ChannelID: string(evt.RoomID),
		Author:    evt.Sender.Localpart(),
		AuthorID:  string(evt.Sender),
		Content:   content.Body,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}
	if content.MsgType == event.MsgImage || content.MsgType == event.MsgFile ||
		content.MsgType == event.MsgVideo || content.MsgType == event.MsgAudio {
		msg.Attachments = append(msg.Attachments, string(content.URL))
	}
	if replyTo := content.RelatesTo.GetReplyTo(); replyTo != "" {
		msg.ReplyTo = &relay.ReplyRef{
			NativeID: string(replyTo),
			Platform: a.Name(),
		}
	}
	a.onMessage(ctx, msg)
}

func (a *Adapter) handleRedaction(ctx context.Context, evt *event.Event) {
	if a.onDelete == nil || evt.Sender == id.UserID(a.cfg.UserID) {
		return
	}
	if time.UnixMilli(evt.Timestamp).Before(a.startTime) {
		return
	}
	isAdmin := a.cfg.IsAdmin != nil && a.cfg.IsAdmin(string(evt.Sender))
	a.onDelete(ctx, &relay.DeleteNotice{
		Platform:  a.Name(),
		ID:        string(evt.Redacts),
		ChannelID: string(evt.RoomID),
		IsAdmin:   isAdmin,
		Timestamp: time.UnixMilli(evt.Timestamp),
	})
}

// SendMessage sends an m.room.message, optionally as a native reply.
func (a *Adapter) SendMessage(ctx context.Context, content string, opts relay.SendOptions) (string, error) {
	if a.client == nil {
		return "", relay.ErrNotConnected
	}
	roomID := id.RoomID(opts.ChannelID)
	if roomID == "" {
		roomID = id.RoomID(a.cfg.DefaultRoomID)
	}
	msg := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    content,
	}
	if opts.ReplyToNativeID != "" {
		msg.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(opts.ReplyToNativeID)},
		}
	}
	resp, err := a.client.SendMessageEvent(ctx, roomID, event.EventMessage, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send matrix event: %w", err)
	}
	a.rememberRoom(resp.EventID, roomID)
	return string(resp.EventID), nil
}

// EditMessage sends an m.replace relation carrying the new content.
func (a *Adapter) EditMessage(ctx context.Context, nativeID, newContent string) error {
	if a.client == nil {
		return relay.ErrNotConnected
	}
	target := id.EventID(nativeID)
	msg := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "* " + newContent,
		NewContent: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    newContent,
		},
		RelatesTo: &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: target,
		},
	}
	if _, err := a.client.SendMessageEvent(ctx, a.roomFor(target), event.EventMessage, msg); err != nil {
		return fmt.Errorf("failed to edit matrix event: %w", err)
	}
	return nil
}

// DeleteMessage redacts the event. Redacting an already-redacted event
// succeeds on most homeservers, keeping deletion replay idempotent.
func (a *Adapter) DeleteMessage(ctx context.Context, nativeID, channelID string) error {
	if a.client == nil {
		return relay.ErrNotConnected
	}
	roomID := id.RoomID(channelID)
	if roomID == "" {
		roomID = a.roomFor(id.EventID(nativeID))
	}
	if _, err := a.client.RedactEvent(ctx, roomID, id.EventID(nativeID)); err != nil {
		return fmt.Errorf("failed to redact matrix event: %w", err)
	}
	return nil
}
