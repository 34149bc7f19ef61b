// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// deletionChannel is the single logical bus channel for deletion events.
const deletionChannel = "relaybridge.deletions"

// DeletionEvent is the bus payload distributing one deletion to every
// running orchestrator instance. Delivery is at-least-once; processing is
// idempotent.
type DeletionEvent struct {
	MappingID       string    `json:"mapping_id"`
	Platform        string    `json:"platform"`
	MessageID       string    `json:"message_id"`
	Timestamp       time.Time `json:"timestamp"`
	IsAdminDeletion bool      `json:"is_admin_deletion"`
}

// HandleDelete is the origin side of deletion: resolve the mapping and
// publish the event. Execution happens uniformly in the subscriber path,
// so this instance handles its own events the same way as remote ones.
func (o *Orchestrator) HandleDelete(ctx context.Context, del *DeleteNotice) {
	if err := o.deleteByPlatformMessage(ctx, del.Platform, del.ID, del.IsAdmin); err != nil {
		o.log.Debug().Err(err).
			Str("platform", del.Platform).
			Str("native_id", del.ID).
			Msg("Delete for unmapped message dropped")
	}
}

// HandleMessageDeletion is the entry point for out-of-band callers (e.g.
// a moderation webhook) to trigger the same deletion path as an
// adapter-originated delete. The caller is responsible for authorization;
// isAdmin true also removes the source-platform copy.
func (o *Orchestrator) HandleMessageDeletion(ctx context.Context, platform, nativeID string, isAdmin bool) error {
	return o.deleteByPlatformMessage(ctx, platform, nativeID, isAdmin)
}

func (o *Orchestrator) deleteByPlatformMessage(ctx context.Context, platform, nativeID string, isAdmin bool) error {
	mapping := o.mapper.GetMappingByPlatformMessage(platform, nativeID)
	if mapping == nil {
		return fmt.Errorf("%w: %s/%s", ErrMappingNotFound, platform, nativeID)
	}
	ev := DeletionEvent{
		MappingID:       mapping.ID,
		Platform:        platform,
		MessageID:       nativeID,
		Timestamp:       time.Now(),
		IsAdminDeletion: isAdmin,
	}
	o.publishDeletion(ctx, ev)
	return nil
}

// publishDeletion sends the event through the bus. If the bus is down the
// event is still processed locally: this instance's copies get deleted
// even when other instances cannot be told.
func (o *Orchestrator) publishDeletion(ctx context.Context, ev DeletionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		o.log.Error().Err(err).Str("mapping_id", ev.MappingID).Msg("Failed to encode deletion event")
		return
	}
	if err := o.broker.Publish(ctx, deletionChannel, payload); err != nil {
		o.log.Error().Err(fmt.Errorf("%w: %v", ErrBusUnavailable, err)).
			Str("mapping_id", ev.MappingID).
			Msg("Publish failed, processing deletion locally")
		o.processDeletion(ctx, ev)
	}
}

// handleDeletionPayload is the bus subscription callback.
func (o *Orchestrator) handleDeletionPayload(payload []byte) {
	var ev DeletionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		o.log.Warn().Err(err).Msg("Dropping malformed deletion event")
		return
	}
	ctx := o.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	o.processDeletion(ctx, ev)
}

// processDeletion executes one deletion event: delete the copy on every
// platform recorded in the mapping, skipping the source platform unless
// the deletion is an admin one, then remove the mapping. Per-platform
// failures are logged and isolated; processing the same event twice is a
// no-op because the mapping is gone after the first pass.
func (o *Orchestrator) processDeletion(ctx context.Context, ev DeletionEvent) {
	log := o.log.With().
		Str("mapping_id", ev.MappingID).
		Str("source", ev.Platform).
		Bool("admin", ev.IsAdminDeletion).
		Logger()

	if err := o.mapper.WaitSends(ctx, ev.MappingID); err != nil {
		log.Warn().Err(err).Msg("Gave up waiting for in-flight sends")
	}

	mapping := o.mapper.GetMapping(ev.MappingID)
	if mapping == nil {
		log.Debug().Msg("Mapping already removed, deletion is a no-op")
		return
	}

	for platform, nativeID := range mapping.PlatformMessages {
		if platform == ev.Platform && !ev.IsAdminDeletion {
			continue
		}
		adapter := o.adapter(platform)
		if adapter == nil {
			log.Warn().Str("target", platform).Msg("No adapter for platform, copy not deleted")
			continue
		}
		if err := adapter.DeleteMessage(ctx, nativeID, mapping.PlatformChannels[platform]); err != nil {
			log.Warn().Err(err).
				Str("target", platform).
				Str("native_id", nativeID).
				Msg("Platform delete failed")
		}
	}

	if err := o.mapper.RemoveMapping(ctx, ev.MappingID); err != nil {
		// A concurrent handler of the same event already removed it.
		log.Debug().Err(err).Msg("Mapping removal raced")
		return
	}
	log.Info().Msg("Deletion propagated")
}
