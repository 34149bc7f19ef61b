// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Default bounds for the mapper's in-memory cache.
const (
	DefaultMaxMappings   = 10000
	DefaultMappingTTL    = 24 * time.Hour
	DefaultReplyWindow   = 10 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// MapperConfig tunes the identity mapper. Zero values fall back to the
// defaults above.
type MapperConfig struct {
	MaxMappings   int
	TTL           time.Duration
	ReplyWindow   time.Duration
	SweepInterval time.Duration

	// Store enables durable write-through. Nil keeps the mapper purely
	// in-memory.
	Store Store

	// Clock is overridable for tests.
	Clock func() time.Time
}

// msgKey is the reverse-index key for (platform, native message ID).
type msgKey struct {
	platform string
	nativeID string
}

// SendToken marks one in-flight fan-out send. It is created before dispatch
// so edit/delete handlers racing the send can wait for registration instead
// of missing the platform entry.
type SendToken struct {
	mappingID string
	platform  string
}

// ReplyInfo is what a fan-out send needs to render a reply on one target
// platform: the parent's native ID there (empty when unknown, meaning the
// caller should fall back to textual context) plus display data.
type ReplyInfo struct {
	NativeID string
	Author   string
	Content  string
}

// Mapper maintains the logical-message to per-platform-message mapping
// graph: forward index by mapping ID, reverse index by (platform, native
// ID), reply resolution, pending-send tracking and cache eviction. All
// methods are safe for concurrent use; a single mutex serializes mutations
// against the reads used for edit/delete routing.
type Mapper struct {
	log zerolog.Logger
	cfg MapperConfig

	mu      sync.Mutex
	byID    map[string]*Mapping
	byMsg   map[msgKey]string
	order   []string // mapping IDs in creation order, for oldest-first eviction
	pending map[string]int
	waiters map[string][]chan struct{}

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewMapper creates a mapper and starts its TTL sweeper.
func NewMapper(cfg MapperConfig, log zerolog.Logger) *Mapper {
	if cfg.MaxMappings <= 0 {
		cfg.MaxMappings = DefaultMaxMappings
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultMappingTTL
	}
	if cfg.ReplyWindow <= 0 {
		cfg.ReplyWindow = DefaultReplyWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	m := &Mapper{
		log:      log.With().Str("component", "mapper").Logger(),
		cfg:      cfg,
		byID:     make(map[string]*Mapping),
		byMsg:    make(map[msgKey]string),
		pending:  make(map[string]int),
		waiters:  make(map[string][]chan struct{}),
		stopChan: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Load warms the in-memory indexes from the durable store. No-op without
// a store.
func (m *Mapper) Load(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}
	mappings, err := m.cfg.Store.ListRecent(ctx, m.cfg.MaxMappings)
	if err != nil {
		return fmt.Errorf("failed to load mappings from store: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// ListRecent returns newest first; insert oldest first so the eviction
	// order matches creation order.
	for i := len(mappings) - 1; i >= 0; i-- {
		mapping := mappings[i]
		if _, ok := m.byID[mapping.ID]; ok {
			continue
		}
		m.byID[mapping.ID] = mapping
		m.order = append(m.order, mapping.ID)
		for platform, nativeID := range mapping.PlatformMessages {
			m.byMsg[msgKey{platform, nativeID}] = mapping.ID
		}
	}
	m.log.Info().Int("count", len(mappings)).Msg("Loaded mappings from store")
	return nil
}

// Stop terminates the TTL sweeper.
func (m *Mapper) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
}

// CreateMapping records a new conversational turn and returns its mapping.
// A non-empty channelID is stored as the origin copy's channel so later
// edits and deletions on the source platform can locate it. If reply is
// non-nil, the parent turn is resolved using three strategies
// in strict priority order: exact native-ID match against the reverse
// index, most-recent mapping by author within the reply window, then a
// case-insensitive content+author match within the same window. The first
// hit wins; no hit leaves ReplyTo empty.
func (m *Mapper) CreateMapping(ctx context.Context, platform, nativeID, channelID, content, author string, reply *ReplyRef) *Mapping {
	now := m.cfg.Clock()

	m.mu.Lock()
	mapping := &Mapping{
		ID:                uuid.New().String(),
		OriginalPlatform:  platform,
		OriginalMessageID: nativeID,
		Author:            author,
		Content:           content,
		Timestamp:         now,
		PlatformMessages:  map[string]string{platform: nativeID},
		PlatformChannels:  make(map[string]string),
	}
	if channelID != "" {
		mapping.PlatformChannels[platform] = channelID
	}

	if reply != nil {
		if parent := m.resolveReplyLocked(platform, reply, now); parent != nil {
			mapping.ReplyTo = parent.ID
		}
	}

	m.byID[mapping.ID] = mapping
	m.byMsg[msgKey{platform, nativeID}] = mapping.ID
	m.order = append(m.order, mapping.ID)
	m.evictOverflowLocked(ctx)

	snapshot := mapping.clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	return snapshot
}

// resolveReplyLocked runs the reply-resolution strategies. When a heuristic
// strategy (2 or 3) succeeds, the replying platform's referenced native ID
// is registered into the found mapping so future replies hit strategy 1
// directly. Resolution is one hop deep: the returned mapping is used as-is
// even if it is itself a reply.
func (m *Mapper) resolveReplyLocked(platform string, reply *ReplyRef, now time.Time) *Mapping {
	// Strategy 1: the referenced native ID is already recorded as some
	// mapping's copy on the replying platform.
	if reply.NativeID != "" {
		if id, ok := m.byMsg[msgKey{platform, reply.NativeID}]; ok {
			return m.byID[id]
		}
	}

	cutoff := now.Add(-m.cfg.ReplyWindow)

	// Strategy 2: most recent mapping by the referenced author, optionally
	// narrowed to the referenced source platform. Covers replies to
	// bridged copies whose native ID encoding does not match directly.
	if reply.Author != "" {
		for i := len(m.order) - 1; i >= 0; i-- {
			mapping, ok := m.byID[m.order[i]]
			if !ok {
				continue
			}
			if mapping.Timestamp.Before(cutoff) {
				break
			}
			if !strings.EqualFold(mapping.Author, reply.Author) {
				continue
			}
			if reply.Platform != "" && mapping.OriginalPlatform != reply.Platform {
				continue
			}
			m.registerReplyHitLocked(mapping, platform, reply.NativeID)
			return mapping
		}
	}

	// Strategy 3: fuzzy content+author match. Covers replies to messages
	// the relay never sent, on platforms that do not tag relayed content.
	if reply.Content != "" {
		want := strings.ToLower(strings.TrimSpace(reply.Content))
		for i := len(m.order) - 1; i >= 0; i-- {
			mapping, ok := m.byID[m.order[i]]
			if !ok {
				continue
			}
			if mapping.Timestamp.Before(cutoff) {
				break
			}
			if reply.Author != "" && !strings.EqualFold(mapping.Author, reply.Author) {
				continue
			}
			if strings.ToLower(strings.TrimSpace(mapping.Content)) != want {
				continue
			}
			m.registerReplyHitLocked(mapping, platform, reply.NativeID)
			return mapping
		}
	}

	return nil
}

func (m *Mapper) registerReplyHitLocked(mapping *Mapping, platform, nativeID string) {
	if nativeID == "" {
		return
	}
	if existing, ok := mapping.PlatformMessages[platform]; ok && existing != "" {
		return
	}
	mapping.PlatformMessages[platform] = nativeID
	m.byMsg[msgKey{platform, nativeID}] = mapping.ID
}

// AddPlatformMessage registers a fan-out result into the mapping:
// idempotent upsert of the platform's native ID (and channel, when given)
// plus the reverse index entry. Replacing an existing entry tears down the
// old reverse entry first.
func (m *Mapper) AddPlatformMessage(ctx context.Context, mappingID, platform, nativeID, channelID string) error {
	m.mu.Lock()
	mapping, ok := m.byID[mappingID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMappingNotFound, mappingID)
	}
	if old, ok := mapping.PlatformMessages[platform]; ok && old != nativeID {
		delete(m.byMsg, msgKey{platform, old})
	}
	mapping.PlatformMessages[platform] = nativeID
	if channelID != "" {
		mapping.PlatformChannels[platform] = channelID
	}
	m.byMsg[msgKey{platform, nativeID}] = mappingID
	snapshot := mapping.clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	return nil
}

// GetMapping returns a copy of the mapping, or nil when unknown.
func (m *Mapper) GetMapping(id string) *Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id].clone()
}

// GetMappingByPlatformMessage looks up via the reverse index. Returns nil
// when no mapping records the native ID for the platform.
func (m *Mapper) GetMappingByPlatformMessage(platform, nativeID string) *Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byMsg[msgKey{platform, nativeID}]
	if !ok {
		return nil
	}
	return m.byID[id].clone()
}

// GetReplyToInfo returns reply-rendering data for the mapping's parent on
// the given target platform. Nil when the mapping is unknown or has no
// resolved parent. NativeID is empty when the parent has no copy on the
// target platform, signaling the textual fallback.
func (m *Mapper) GetReplyToInfo(mappingID, targetPlatform string) *ReplyInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.byID[mappingID]
	if !ok || mapping.ReplyTo == "" {
		return nil
	}
	parent, ok := m.byID[mapping.ReplyTo]
	if !ok {
		return nil
	}
	return &ReplyInfo{
		NativeID: parent.PlatformMessages[targetPlatform],
		Author:   parent.Author,
		Content:  parent.Content,
	}
}

// UpdateContent replaces the stored content of the mapping that owns the
// given native message, located via the reverse index.
func (m *Mapper) UpdateContent(ctx context.Context, platform, nativeID, newContent string) (*Mapping, error) {
	m.mu.Lock()
	id, ok := m.byMsg[msgKey{platform, nativeID}]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrMappingNotFound, platform, nativeID)
	}
	mapping := m.byID[id]
	mapping.Content = newContent
	snapshot := mapping.clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	return snapshot, nil
}

// Dependents returns copies of the mappings whose ReplyTo references id,
// newest first. Used to refresh textual reply previews after an edit.
func (m *Mapper) Dependents(id string) []*Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Mapping
	for i := len(m.order) - 1; i >= 0; i-- {
		mapping, ok := m.byID[m.order[i]]
		if ok && mapping.ReplyTo == id {
			out = append(out, mapping.clone())
		}
	}
	return out
}

// RemoveMapping deletes the forward entry and every reverse entry together.
func (m *Mapper) RemoveMapping(ctx context.Context, id string) error {
	m.mu.Lock()
	mapping, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMappingNotFound, id)
	}
	m.removeLocked(mapping)
	m.mu.Unlock()

	if m.cfg.Store != nil {
		if err := m.cfg.Store.DeleteMapping(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("mapping_id", id).Msg("Failed to delete mapping from store")
		}
	}
	return nil
}

// Count returns the number of live mappings.
func (m *Mapper) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// BeginSend marks a fan-out send to one platform as in flight, before
// dispatch starts. Edit/delete handlers use WaitSends to wait for the
// registration instead of assuming absence means "never sent".
func (m *Mapper) BeginSend(mappingID, platform string) *SendToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[mappingID]++
	return &SendToken{mappingID: mappingID, platform: platform}
}

// CompleteSend resolves a pending send with the native ID the platform
// assigned, registering it into the mapping.
func (m *Mapper) CompleteSend(ctx context.Context, token *SendToken, nativeID, channelID string) error {
	var err error
	if nativeID != "" {
		err = m.AddPlatformMessage(ctx, token.mappingID, token.platform, nativeID, channelID)
	}
	m.resolvePending(token.mappingID)
	return err
}

// AbortSend resolves a pending send that failed or was skipped.
func (m *Mapper) AbortSend(token *SendToken) {
	m.resolvePending(token.mappingID)
}

func (m *Mapper) resolvePending(mappingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[mappingID] > 1 {
		m.pending[mappingID]--
		return
	}
	delete(m.pending, mappingID)
	for _, ch := range m.waiters[mappingID] {
		close(ch)
	}
	delete(m.waiters, mappingID)
}

// WaitSends blocks until no fan-out sends are in flight for the mapping,
// or until the context is done. Edit and delete handlers call this before
// routing so a racing registration is observed rather than missed.
func (m *Mapper) WaitSends(ctx context.Context, mappingID string) error {
	m.mu.Lock()
	if m.pending[mappingID] == 0 {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiters[mappingID] = append(m.waiters[mappingID], ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// removeLocked tears down forward and reverse entries together. The order
// slice keeps a stale ID; eviction and sweeps skip IDs no longer in byID.
func (m *Mapper) removeLocked(mapping *Mapping) {
	delete(m.byID, mapping.ID)
	for platform, nativeID := range mapping.PlatformMessages {
		key := msgKey{platform, nativeID}
		if m.byMsg[key] == mapping.ID {
			delete(m.byMsg, key)
		}
	}
}

func (m *Mapper) evictOverflowLocked(ctx context.Context) {
	for len(m.byID) > m.cfg.MaxMappings && len(m.order) > 0 {
		id := m.order[0]
		m.order = m.order[1:]
		mapping, ok := m.byID[id]
		if !ok {
			continue
		}
		m.removeLocked(mapping)
		m.storeDelete(ctx, id)
		m.log.Debug().Str("mapping_id", id).Msg("Evicted mapping (capacity)")
	}
}

func (m *Mapper) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Mapper) sweepExpired() {
	cutoff := m.cfg.Clock().Add(-m.cfg.TTL)
	m.mu.Lock()
	var expired []string
	kept := m.order[:0]
	for _, id := range m.order {
		mapping, ok := m.byID[id]
		if !ok {
			continue
		}
		if mapping.Timestamp.Before(cutoff) {
			m.removeLocked(mapping)
			expired = append(expired, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	m.mu.Unlock()

	for _, id := range expired {
		m.storeDelete(context.Background(), id)
	}
	if len(expired) > 0 {
		m.log.Info().Int("count", len(expired)).Msg("Swept expired mappings")
	}
}

func (m *Mapper) persist(ctx context.Context, snapshot *Mapping) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.SaveMapping(ctx, snapshot); err != nil {
		m.log.Warn().Err(err).Str("mapping_id", snapshot.ID).Msg("Failed to persist mapping")
	}
}

func (m *Mapper) storeDelete(ctx context.Context, id string) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.DeleteMapping(ctx, id); err != nil {
		m.log.Warn().Err(err).Str("mapping_id", id).Msg("Failed to delete evicted mapping from store")
	}
}
