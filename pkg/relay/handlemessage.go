// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"strings"
	"sync"
	"time"
)

// dedupWindowSize bounds the recent-history window used for duplicate
// suppression.
const dedupWindowSize = 100

// dedupWindow suppresses exact duplicates keyed by platform, author,
// content and second-resolution timestamp. A ring of keys bounds memory.
type dedupWindow struct {
	mu   sync.Mutex
	keys map[string]struct{}
	ring []string
	next int
}

func newDedupWindow(size int) *dedupWindow {
	return &dedupWindow{
		keys: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Seen records the message and reports whether the same key was already in
// the window.
func (d *dedupWindow) Seen(msg *Message) bool {
	key := msg.Platform + "\x00" + msg.Author + "\x00" + msg.Content + "\x00" +
		msg.Timestamp.Truncate(time.Second).Format(time.RFC3339)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.keys[key]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.keys, old)
	}
	d.ring[d.next] = key
	d.next = (d.next + 1) % len(d.ring)
	d.keys[key] = struct{}{}
	return false
}

// HandleMessage is the ingest path for a new inbound message. The mapping
// is always created, even for messages that are then filtered from
// fan-out, so later replies to them still resolve. Each target platform is
// dispatched independently: one failing target never blocks the others.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg *Message) {
	mapping := o.mapper.CreateMapping(ctx, msg.Platform, msg.ID, msg.ChannelID, msg.Content, msg.Author, msg.ReplyTo)

	log := o.log.With().
		Str("platform", msg.Platform).
		Str("native_id", msg.ID).
		Str("mapping_id", mapping.ID).
		Logger()

	if reason := o.filterReason(msg); reason != "" {
		log.Debug().Str("reason", reason).Msg("Message filtered from fan-out")
		return
	}
	if o.recent.Seen(msg) {
		log.Debug().Msg("Duplicate message suppressed")
		return
	}

	targets := o.targets(msg.Platform)
	var wg sync.WaitGroup
	for _, adapter := range targets {
		target := adapter.Name()
		if hasRelayMarker(msg.Content, target) {
			log.Debug().Str("target", target).Msg("Skipping relay loop back to origin")
			continue
		}
		channel, ok := o.cfg.TargetChannel(target, msg)
		if !ok {
			log.Debug().Str("target", target).Msg("No channel route to target, skipping")
			continue
		}
		wg.Add(1)
		go func(a Adapter, channel string) {
			defer wg.Done()
			o.relayTo(ctx, a, mapping.ID, msg, channel)
		}(adapter, channel)
	}
	wg.Wait()
}

// filterReason returns a non-empty reason when the message should not fan
// out: empty with no attachments, command-like content, or a muted source
// platform.
func (o *Orchestrator) filterReason(msg *Message) string {
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return "empty"
	}
	for _, prefix := range o.cfg.CommandPrefixes {
		if prefix != "" && strings.HasPrefix(msg.Content, prefix) {
			return "command"
		}
	}
	if pc := o.cfg.Platform(msg.Platform); pc != nil && pc.Mute {
		return "muted platform"
	}
	return ""
}

// relayTo sends one message to one target platform: rate-limit admission,
// reply resolution, dispatch, then registration of the returned native ID
// under a pending-send token so racing edit/delete handlers can wait for
// it.
func (o *Orchestrator) relayTo(ctx context.Context, a Adapter, mappingID string, msg *Message, channel string) {
	target := a.Name()
	log := o.log.With().
		Str("target", target).
		Str("mapping_id", mappingID).
		Logger()

	if !o.limiter.CanSend(target) {
		log.Warn().Err(ErrRateLimited).Msg("Dropping send")
		return
	}

	content := formatRelayed(msg.Platform, msg.Author, msg.Content)
	opts := SendOptions{ChannelID: channel, Origin: msg}

	if info := o.mapper.GetReplyToInfo(mappingID, target); info != nil {
		if info.NativeID != "" && a.Capabilities().NativeReplies {
			opts.ReplyToNativeID = info.NativeID
		} else {
			content = formatReplyContext(info) + content
		}
	}

	token := o.mapper.BeginSend(mappingID, target)
	nativeID, err := a.SendMessage(ctx, content, opts)
	if err != nil {
		o.mapper.AbortSend(token)
		log.Error().Err(&SendError{Platform: target, Err: err}).Msg("Fan-out send failed")
		return
	}
	o.limiter.RecordSend(target)
	if err := o.mapper.CompleteSend(ctx, token, nativeID, channel); err != nil {
		log.Warn().Err(err).Str("native_id", nativeID).Msg("Failed to register fan-out result")
	}
}
