// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"time"
)

// Message is the normalized shape of a chat message as reported by a
// platform adapter. Native IDs are opaque strings in whatever format the
// platform uses; the core never parses them.
type Message struct {
	Platform    string
	ID          string
	ChannelID   string
	Author      string
	AuthorID    string
	Content     string
	Attachments []string
	Timestamp   time.Time

	// ReplyTo is set when the platform reported this message as a reply.
	ReplyTo *ReplyRef
}

// ReplyRef describes the message a new message replies to, as far as the
// reporting adapter can tell. NativeID is the referenced message's ID on
// the replying platform; Author/Content/Platform are best-effort display
// data used by the heuristic reply-resolution strategies.
type ReplyRef struct {
	NativeID string
	Author   string
	Content  string
	Platform string
}

// EditNotice reports that a message was edited on its origin platform.
type EditNotice struct {
	Platform   string
	ID         string
	NewContent string
	Timestamp  time.Time
}

// DeleteNotice reports that a message was deleted on its origin platform.
// IsAdmin is decided by the adapter (e.g. against a privileged-user list);
// the orchestrator only honors the flag.
type DeleteNotice struct {
	Platform  string
	ID        string
	ChannelID string
	IsAdmin   bool
	Timestamp time.Time
}

// Status is the adapter health snapshot returned by GetStatus.
type Status struct {
	Platform  string
	Connected bool
	Detail    string
	// RecentSends counts relayed sends to this platform still inside the
	// rate-limit window. Filled by the orchestrator, not adapters.
	RecentSends int
}

// Capabilities declares which optional operations an adapter supports
// natively. Platforms lacking a capability get the fallback path in the
// orchestrator (delete-then-resend for edits, textual context for replies)
// instead of an omitted method.
type Capabilities struct {
	NativeEdits   bool
	NativeReplies bool
}

// SendOptions carries the optional parameters of a send.
type SendOptions struct {
	// ChannelID selects the room to post into on platforms with multiple
	// rooms. Empty means the adapter's default room.
	ChannelID string
	// ReplyToNativeID links the outgoing message to an existing message on
	// the target platform, when the adapter supports native replies.
	ReplyToNativeID string
	// Origin is the source message being relayed, for adapters that want
	// extra context (author display, attachments).
	Origin *Message
}

// MessageHandler receives normalized inbound messages.
type MessageHandler func(ctx context.Context, msg *Message)

// EditHandler receives edit notifications.
type EditHandler func(ctx context.Context, edit *EditNotice)

// DeleteHandler receives deletion notifications.
type DeleteHandler func(ctx context.Context, del *DeleteNotice)

// Adapter is the contract between the relay core and one platform client.
// One instance exists per connected platform. All network calls take a
// context; the adapter owns its own request timeouts.
type Adapter interface {
	Name() string

	Connect(ctx context.Context) error
	Disconnect() error

	OnMessage(handler MessageHandler)
	OnEdit(handler EditHandler)
	OnDelete(handler DeleteHandler)

	// SendMessage posts content and returns the native ID assigned by the
	// platform. An empty ID with nil error means the platform accepted the
	// message but did not report an ID; such messages cannot be edited or
	// deleted later.
	SendMessage(ctx context.Context, content string, opts SendOptions) (string, error)
	// EditMessage rewrites an earlier message in place. Adapters without
	// native edit support return ErrEditUnsupported and report it via
	// Capabilities, which routes edits through delete-then-resend instead.
	EditMessage(ctx context.Context, nativeID, newContent string) error
	DeleteMessage(ctx context.Context, nativeID, channelID string) error

	Capabilities() Capabilities
	GetStatus() Status
}
