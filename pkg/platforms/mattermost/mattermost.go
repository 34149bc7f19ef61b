// Copyright 2024-2026 Aiku AI

// Package mattermost is the Mattermost platform adapter: an APIv4 client
// for sends and a WebSocket listener for inbound post events, normalized
// to the relay core's shapes.
package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/relaybridge/pkg/relay"
)

const requestTimeout = 10 * time.Second

// Config holds the adapter's connection settings.
type Config struct {
	ServerURL string
	Token     string
	// DefaultChannelID receives sends that carry no explicit channel.
	DefaultChannelID string
	// IsAdmin reports whether a Mattermost user ID is on the privileged
	// list. Optional.
	IsAdmin func(userID string) bool
}

// Adapter implements relay.Adapter for Mattermost.
type Adapter struct {
	log zerolog.Logger
	cfg Config

	client   *model.Client4
	wsClient *model.WebSocketClient
	userID   string

	mu        sync.RWMutex
	connected bool

	onMessage relay.MessageHandler
	onEdit    relay.EditHandler
	onDelete  relay.DeleteHandler

	resup    *relay.Supervisor
	stopOnce sync.Once
	stopChan chan struct{}
}

var _ relay.Adapter = (*Adapter)(nil)

// New creates a disconnected adapter.
func New(cfg Config, log zerolog.Logger) *Adapter {
	l := log.With().Str("component", "mattermost").Logger()
	return &Adapter{
		log:      l,
		cfg:      cfg,
		resup:    relay.NewSupervisor(relay.SupervisorConfig{}, l),
		stopChan: make(chan struct{}),
	}
}

func (a *Adapter) Name() string { return "mattermost" }

func (a *Adapter) Capabilities() relay.Capabilities {
	return relay.Capabilities{NativeEdits: true, NativeReplies: true}
}

func (a *Adapter) OnMessage(h relay.MessageHandler) { a.onMessage = h }
func (a *Adapter) OnEdit(h relay.EditHandler)       { a.onEdit = h }
func (a *Adapter) OnDelete(h relay.DeleteHandler)   { a.onDelete = h }

// Connect verifies the token and opens the WebSocket event stream.
func (a *Adapter) Connect(ctx context.Context) error {
	a.client = model.NewAPIv4Client(a.cfg.ServerURL)
	a.client.SetToken(a.cfg.Token)

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	me, _, err := a.client.GetMe(reqCtx, "")
	if err != nil {
		return fmt.Errorf("failed to verify mattermost session: %w", err)
	}
	a.userID = me.Id
	a.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	if err := a.connectWebSocket(ctx); err != nil {
		return err
	}
	a.setConnected(true)
	return nil
}

func (a *Adapter) connectWebSocket(ctx context.Context) error {
	wsURL := httpToWS(a.cfg.ServerURL)
	var err error
	a.wsClient, err = model.NewWebSocketClient4(wsURL, a.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	a.wsClient.Listen()
	go a.listenWebSocket(ctx)
	a.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (a *Adapter) listenWebSocket(ctx context.Context) {
	for {
		select {
		case <-a.stopChan:
			return
		case <-ctx.Done():
			return
		case evt, ok := <-a.wsClient.EventChannel:
			if !ok {
				a.handleWebSocketDisconnect(ctx)
				return
			}
			if evt == nil {
				continue
			}
			a.handleEvent(ctx, evt)
		}
	}
}

// handleWebSocketDisconnect reconnects the event stream under the
// adapter's own backoff supervisor.
func (a *Adapter) handleWebSocketDisconnect(ctx context.Context) {
	a.setConnected(false)
	a.log.Warn().Msg("WebSocket disconnected, reconnecting")
	err := a.resup.Run(ctx, func(ctx context.Context) error {
		return a.connectWebSocket(ctx)
	})
	if err != nil {
		a.log.Error().Err(err).Msg("WebSocket reconnect abandoned")
		return
	}
	a.setConnected(true)
}

// Disconnect closes the WebSocket and stops the event loop.
func (a *Adapter) Disconnect() error {
	a.stopOnce.Do(func() {
		close(a.stopChan)
	})
	a.resup.Stop()
	if a.wsClient != nil {
		a.wsClient.Close()
		a.wsClient = nil
	}
	a.setConnected(false)
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
		Detail:    a.cfg.ServerURL,
	}
}

// handleEvent dispatches a WebSocket event to the registered handlers.
func (a *Adapter) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		a.handlePosted(ctx, evt)
	case model.WebsocketEventPostEdited:
		a.handlePostEdited(ctx, evt)
	case model.WebsocketEventPostDeleted:
		a.handlePostDeleted(ctx, evt)
	default:
		a.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePost extracts a post from a WebSocket event, applying echo
// prevention. Returns nil to skip silently.
func (a *Adapter) parsePost(evt *model.WebSocketEvent) *model.Post {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		a.log.Warn().Err(err).Msg("Failed to unmarshal post")
		return nil
	}
	// Echo prevention: skip own posts and system messages.
	if post.UserId == a.userID {
		return nil
	}
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil
	}
	return &post
}

func (a *Adapter) handlePosted(ctx context.Context, evt *model.WebSocketEvent) {
	post := a.parsePost(evt)
	if post == nil || a.onMessage == nil {
		return
	}
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName == "" {
		senderName = post.UserId
	}

	msg := &relay.Message{
		Platform:  a.Name(),
		ID:        post.Id,
		ChannelID: post.ChannelId,
		Author:    senderName,
		AuthorID:  post.UserId,
		Content:   post.Message,
		Timestamp: time.UnixMilli(post.CreateAt),
	}
	for _, fileID := range post.FileIds {
		msg.Attachments = append(msg.Attachments, fileID)
	}
	// Threaded posts reply to their thread root.
	if post.RootId != "" {
		msg.ReplyTo = a.threadReply(ctx, post.RootId)
	}
	a.onMessage(ctx, msg)
}

// threadReply resolves a thread root into a reply descriptor, best effort.
func (a *Adapter) threadReply(ctx context.Context, rootID string) *relay.ReplyRef {
	ref := &relay.ReplyRef{NativeID: rootID, Platform: a.Name()}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	root, _, err := a.client.GetPost(reqCtx, rootID, "")
	if err != nil {
		a.log.Debug().Err(err).Str("root_id", rootID).Msg("Could not fetch thread root")
		return ref
	}
	ref.Content = root.Message
	user, _, err := a.client.GetUser(reqCtx, root.UserId, "")
	if err == nil {
		ref.Author = user.Username
	}
	return ref
}

func (a *Adapter) handlePostEdited(ctx context.Context, evt *model.WebSocketEvent) {
	post := a.parsePost(evt)
	if post == nil || a.onEdit == nil {
		return
	}
	a.onEdit(ctx, &relay.EditNotice{
		Platform:   a.Name(),
		ID:         post.Id,
		NewContent: post.Message,
		Timestamp:  time.UnixMilli(post.EditAt),
	})
}

func (a *Adapter) handlePostDeleted(ctx context.Context, evt *model.WebSocketEvent) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok || a.onDelete == nil {
		return
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		a.log.Warn().Err(err).Msg("Failed to unmarshal deleted post")
		return
	}
	if post.UserId == a.userID {
		return
	}
	// The websocket event does not say who performed the deletion, so the
	// privileged check runs against the post's author.
	isAdmin := a.cfg.IsAdmin != nil && a.cfg.IsAdmin(post.UserId)
	a.onDelete(ctx, &relay.DeleteNotice{
		Platform:  a.Name(),
		ID:        post.Id,
		ChannelID: post.ChannelId,
		IsAdmin:   isAdmin,
		Timestamp: time.Now(),
	})
}

// SendMessage creates a post and returns its ID.
func (a *Adapter) SendMessage(ctx context.Context, content string, opts relay.SendOptions) (string, error) {
	if a.client == nil {
		return "", relay.ErrNotConnected
	}
	channelID := opts.ChannelID
	if channelID == "" {
		channelID = a.cfg.DefaultChannelID
	}
	post := &model.Post{
		ChannelId: channelID,
		Message:   content,
		RootId:    opts.ReplyToNativeID,
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	created, _, err := a.client.CreatePost(reqCtx, post)
	if err != nil {
		return "", fmt.Errorf("failed to create post: %w", err)
	}
	return created.Id, nil
}

// EditMessage patches a post's text in place.
func (a *Adapter) EditMessage(ctx context.Context, nativeID, newContent string) error {
	if a.client == nil {
		return relay.ErrNotConnected
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	_, _, err := a.client.PatchPost(reqCtx, nativeID, &model.PostPatch{Message: &newContent})
	if err != nil {
		return fmt.Errorf("failed to edit post: %w", err)
	}
	return nil
}

// DeleteMessage deletes a post. Deleting an already-deleted post is a
// soft no-op for idempotent deletion replay.
func (a *Adapter) DeleteMessage(ctx context.Context, nativeID, _ string) error {
	if a.client == nil {
		return relay.ErrNotConnected
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := a.client.DeletePost(reqCtx, nativeID)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil
		}
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}
