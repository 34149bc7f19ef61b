// Copyright 2024-2026 Aiku AI

// Package relay implements the cross-platform message identity and
// relay-orchestration engine: fan-out of normalized messages between
// platform adapters, the durable mapping between one logical message and
// its per-platform copies, reply resolution across platform boundaries,
// per-platform send-rate limiting, and edit/delete propagation distributed
// over a pub/sub bus.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/relaybridge/pkg/eventbus"
)

// Orchestrator is the top-level coordinator. It consumes normalized events
// from adapters, consults the identity mapper and rate limiter, dispatches
// fan-out sends, and drives edit/delete propagation. One Orchestrator runs
// per process; multiple instances coordinate deletions over the event bus.
type Orchestrator struct {
	log     zerolog.Logger
	cfg     *Config
	mapper  *Mapper
	limiter *RateLimiter
	broker  eventbus.Broker

	mu          sync.RWMutex
	adapters    map[string]Adapter
	supervisors map[string]*Supervisor

	recent *dedupWindow

	baseCtx     context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewOrchestrator wires the core components together. Adapters are added
// with AddAdapter before Start.
func NewOrchestrator(cfg *Config, mapper *Mapper, limiter *RateLimiter, broker eventbus.Broker, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		log:         log.With().Str("component", "orchestrator").Logger(),
		cfg:         cfg,
		mapper:      mapper,
		limiter:     limiter,
		broker:      broker,
		adapters:    make(map[string]Adapter),
		supervisors: make(map[string]*Supervisor),
		recent:      newDedupWindow(dedupWindowSize),
	}
}

// AddAdapter registers a platform adapter and subscribes to its events.
func (o *Orchestrator) AddAdapter(a Adapter) {
	o.mu.Lock()
	o.adapters[a.Name()] = a
	o.mu.Unlock()

	a.OnMessage(o.HandleMessage)
	a.OnEdit(o.HandleEdit)
	a.OnDelete(o.HandleDelete)
}

// Start subscribes to the deletion-event bus and brings up every adapter
// under its own reconnection supervisor. Connection failures are never
// surfaced: the supervisors retry until success or shutdown.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.baseCtx, o.cancel = context.WithCancel(ctx)

	unsubscribe, err := o.broker.Subscribe(o.baseCtx, deletionChannel, o.handleDeletionPayload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	o.unsubscribe = unsubscribe

	scfg := SupervisorConfig{
		InitialDelay: o.cfg.Reconnect.InitialDelay,
		MaxDelay:     o.cfg.Reconnect.MaxDelay,
		Factor:       o.cfg.Reconnect.Factor,
		MaxRetries:   o.cfg.Reconnect.MaxRetries,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for name, adapter := range o.adapters {
		sup := NewSupervisor(scfg, o.log.With().Str("platform", name).Logger())
		o.supervisors[name] = sup
		o.wg.Add(1)
		go func(name string, a Adapter, sup *Supervisor) {
			defer o.wg.Done()
			if err := sup.Run(o.baseCtx, a.Connect); err != nil {
				o.log.Error().Err(err).Str("platform", name).Msg("Adapter will not connect")
				return
			}
			o.log.Info().Str("platform", name).Msg("Adapter connected")
		}(name, adapter, sup)
	}
	return nil
}

// Close drains the bus subscription, stops supervisors and sweepers, and
// disconnects all adapters. Safe to call more than once.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		if o.unsubscribe != nil {
			o.unsubscribe()
		}
		if o.cancel != nil {
			o.cancel()
		}
		o.mu.RLock()
		for _, sup := range o.supervisors {
			sup.Stop()
		}
		adapters := make([]Adapter, 0, len(o.adapters))
		for _, a := range o.adapters {
			adapters = append(adapters, a)
		}
		o.mu.RUnlock()

		for _, a := range adapters {
			if err := a.Disconnect(); err != nil {
				o.log.Warn().Err(err).Str("platform", a.Name()).Msg("Disconnect failed")
			}
		}
		o.mapper.Stop()
		o.limiter.Stop()
		o.wg.Wait()
		o.log.Info().Msg("Orchestrator stopped")
	})
}

// Status aggregates every adapter's health snapshot, annotated with the
// platform's send count inside the current rate-limit window.
func (o *Orchestrator) Status() map[string]Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]Status, len(o.adapters))
	for name, a := range o.adapters {
		st := a.GetStatus()
		st.RecentSends = o.limiter.Pending(name)
		out[name] = st
	}
	return out
}

// adapter returns the registered adapter for a platform, or nil.
func (o *Orchestrator) adapter(platform string) Adapter {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.adapters[platform]
}

// targets returns all connected adapters except the source platform.
func (o *Orchestrator) targets(source string) []Adapter {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Adapter, 0, len(o.adapters))
	for name, a := range o.adapters {
		if name == source {
			continue
		}
		if !a.GetStatus().Connected {
			continue
		}
		out = append(out, a)
	}
	return out
}

// relayMarkerPrefix opens every relayed message so bridged copies are
// recognizable; the loop check below keys off it.
const relayMarkerPrefix = "[via "

// formatRelayed renders the bridged copy of a message: the relayed-from
// marker, the author, then the content.
func formatRelayed(sourcePlatform, author, content string) string {
	return fmt.Sprintf("%s%s] %s: %s", relayMarkerPrefix, sourcePlatform, author, content)
}

// hasRelayMarker reports whether content is a bridged copy originating on
// the given platform. Used to avoid bouncing a copy back to its origin.
func hasRelayMarker(content, platform string) bool {
	return strings.HasPrefix(content, relayMarkerPrefix+platform+"]")
}

// formatReplyContext renders the textual fallback shown when the target
// platform has no native copy of the parent to link a reply to.
func formatReplyContext(info *ReplyInfo) string {
	preview := info.Content
	const maxPreview = 80
	if len(preview) > maxPreview {
		preview = preview[:maxPreview] + "…"
	}
	preview = strings.ReplaceAll(preview, "\n", " ")
	return fmt.Sprintf("↩ %s: %s\n", info.Author, preview)
}
