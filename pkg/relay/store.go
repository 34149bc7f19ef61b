// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"time"
)

// Mapping is the logical identity of one relayed conversational turn: the
// message as it first arrived plus its copy on every platform it has been
// relayed to.
type Mapping struct {
	ID                string
	OriginalPlatform  string
	OriginalMessageID string
	Author            string
	Content           string
	Timestamp         time.Time

	// PlatformMessages maps platform name to the native message ID of this
	// turn's copy there, at most one entry per platform. Always contains
	// the origin entry.
	PlatformMessages map[string]string
	// PlatformChannels maps platform name to the channel the copy lives
	// in, for platforms with multiple rooms. May be missing entries for
	// single-room platforms.
	PlatformChannels map[string]string

	// ReplyTo is the ID of the mapping this turn replies to, resolved one
	// hop deep at creation time. Empty when no parent was resolvable.
	ReplyTo string
}

// clone returns a deep copy so callers outside the mapper's lock never
// observe a half-updated mapping.
func (m *Mapping) clone() *Mapping {
	if m == nil {
		return nil
	}
	cp := *m
	cp.PlatformMessages = make(map[string]string, len(m.PlatformMessages))
	for k, v := range m.PlatformMessages {
		cp.PlatformMessages[k] = v
	}
	cp.PlatformChannels = make(map[string]string, len(m.PlatformChannels))
	for k, v := range m.PlatformChannels {
		cp.PlatformChannels[k] = v
	}
	return &cp
}

// Store is the optional durable backend behind the identity mapper. The
// mapper keeps its own in-memory indexes and functions fully without a
// store; a store adds crash persistence via write-through and warm load.
type Store interface {
	// SaveMapping inserts or replaces a mapping record, including its
	// per-platform message index entries.
	SaveMapping(ctx context.Context, m *Mapping) error
	// DeleteMapping removes a mapping and all its index entries.
	DeleteMapping(ctx context.Context, id string) error
	// GetMapping returns nil, nil when the ID is unknown.
	GetMapping(ctx context.Context, id string) (*Mapping, error)
	// GetByPlatformMessage returns nil, nil when no mapping has the given
	// native ID recorded for the platform.
	GetByPlatformMessage(ctx context.Context, platform, nativeID string) (*Mapping, error)
	// ListRecent returns up to limit mappings, newest first.
	ListRecent(ctx context.Context, limit int) ([]*Mapping, error)
	// ListReplies returns the mappings whose ReplyTo references id.
	ListReplies(ctx context.Context, id string) ([]*Mapping, error)
	Close() error
}
