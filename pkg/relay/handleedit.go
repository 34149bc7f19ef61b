// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"sync"
)

// editedMarker opens a resent copy when the stale original could not be
// deleted, so readers see it replaces an earlier message rather than
// silently losing the update.
const editedMarker = "[edited] "

// HandleEdit propagates a content edit to every platform copy. Platforms
// with native edit support get EditMessage; the rest get delete-then-
// resend with the mapping updated to the new native ID. Edits to messages
// that were never relayed are dropped.
func (o *Orchestrator) HandleEdit(ctx context.Context, edit *EditNotice) {
	log := o.log.With().
		Str("platform", edit.Platform).
		Str("native_id", edit.ID).
		Logger()

	found := o.mapper.GetMappingByPlatformMessage(edit.Platform, edit.ID)
	if found == nil {
		log.Debug().Err(ErrMappingNotFound).Msg("Edit for unmapped message dropped")
		return
	}
	// Let in-flight fan-out registrations land so no copy is missed.
	if err := o.mapper.WaitSends(ctx, found.ID); err != nil {
		log.Warn().Err(err).Msg("Gave up waiting for in-flight sends")
	}

	mapping, err := o.mapper.UpdateContent(ctx, edit.Platform, edit.ID, edit.NewContent)
	if err != nil {
		log.Debug().Err(err).Msg("Mapping vanished before edit applied")
		return
	}
	log = log.With().Str("mapping_id", mapping.ID).Logger()

	var wg sync.WaitGroup
	for platform, nativeID := range mapping.PlatformMessages {
		if platform == edit.Platform {
			continue
		}
		adapter := o.adapter(platform)
		if adapter == nil {
			continue
		}
		wg.Add(1)
		go func(a Adapter, platform, nativeID string) {
			defer wg.Done()
			o.propagateEdit(ctx, a, mapping, nativeID)
		}(adapter, platform, nativeID)
	}
	wg.Wait()

	o.refreshDependentReplies(ctx, mapping)
}

// propagateEdit applies the new content to one platform copy.
func (o *Orchestrator) propagateEdit(ctx context.Context, a Adapter, mapping *Mapping, nativeID string) {
	platform := a.Name()
	log := o.log.With().
		Str("target", platform).
		Str("mapping_id", mapping.ID).
		Str("native_id", nativeID).
		Logger()

	content := formatRelayed(mapping.OriginalPlatform, mapping.Author, mapping.Content)

	if a.Capabilities().NativeEdits {
		if err := a.EditMessage(ctx, nativeID, content); err != nil {
			log.Error().Err(err).Msg("Native edit failed")
		}
		return
	}

	// Delete-then-resend fallback. When the delete fails (usually a
	// permission problem) the resend still happens, marked as an edited
	// duplicate.
	channel := mapping.PlatformChannels[platform]
	if err := a.DeleteMessage(ctx, nativeID, channel); err != nil {
		log.Warn().Err(err).Msg("Could not delete stale copy, resending as duplicate")
		content = editedMarker + content
	}
	newID, err := a.SendMessage(ctx, content, SendOptions{ChannelID: channel})
	if err != nil {
		log.Error().Err(&SendError{Platform: platform, Err: err}).Msg("Edit resend failed")
		return
	}
	o.limiter.RecordSend(platform)
	if newID != "" {
		if err := o.mapper.AddPlatformMessage(ctx, mapping.ID, platform, newID, channel); err != nil {
			log.Warn().Err(err).Msg("Failed to reregister edited copy")
		}
	}
}

// refreshDependentReplies resends the copies of messages replying to the
// edited mapping on platforms without native reply links, so their
// embedded preview of the parent content stays current. Platforms with
// native replies render the preview from the live parent and need nothing.
func (o *Orchestrator) refreshDependentReplies(ctx context.Context, parent *Mapping) {
	for _, dep := range o.mapper.Dependents(parent.ID) {
		for platform, nativeID := range dep.PlatformMessages {
			if platform == dep.OriginalPlatform {
				continue
			}
			adapter := o.adapter(platform)
			if adapter == nil || adapter.Capabilities().NativeReplies {
				continue
			}
			log := o.log.With().
				Str("target", platform).
				Str("mapping_id", dep.ID).
				Str("parent_id", parent.ID).
				Logger()

			channel := dep.PlatformChannels[platform]
			if err := adapter.DeleteMessage(ctx, nativeID, channel); err != nil {
				log.Warn().Err(err).Msg("Could not delete stale reply copy")
			}
			content := formatReplyContext(&ReplyInfo{Author: parent.Author, Content: parent.Content}) +
				formatRelayed(dep.OriginalPlatform, dep.Author, dep.Content)
			newID, err := adapter.SendMessage(ctx, content, SendOptions{ChannelID: channel})
			if err != nil {
				log.Error().Err(&SendError{Platform: platform, Err: err}).Msg("Reply refresh failed")
				continue
			}
			o.limiter.RecordSend(platform)
			if newID != "" {
				if err := o.mapper.AddPlatformMessage(ctx, dep.ID, platform, newID, channel); err != nil {
					log.Warn().Err(err).Msg("Failed to reregister refreshed reply")
				}
			}
		}
	}
}
