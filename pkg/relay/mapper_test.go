// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeClock is a manually-advanced clock for deterministic TTL and
// reply-window tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMapper(t *testing.T, cfg MapperConfig) *Mapper {
	t.Helper()
	m := NewMapper(cfg, zerolog.Nop())
	t.Cleanup(m.Stop)
	return m
}

func TestCreateMappingRoundTrip(t *testing.T) {
	t.Parallel()
	m := newTestMapper(t, MapperConfig{})
	ctx := context.Background()

	created := m.CreateMapping(ctx, "discord", "d1", "", "hello", "alice", nil)
	if created.ID == "" {
		t.Fatal("CreateMapping returned empty ID")
	}
	if created.OriginalPlatform != "discord" || created.OriginalMessageID != "d1" {
		t.Errorf("origin: got %s/%s, want discord/d1", created.OriginalPlatform, created.OriginalMessageID)
	}

	byID := m.GetMapping(created.ID)
	if byID == nil || byID.Content != "hello" {
		t.Fatalf("GetMapping: got %+v", byID)
	}
	byMsg := m.GetMappingByPlatformMessage("discord", "d1")
	if byMsg == nil || byMsg.ID != created.ID {
		t.Fatalf("reverse lookup: got %+v, want ID %s", byMsg, created.ID)
	}
	if m.GetMappingByPlatformMessage("discord", "unknown") != nil {
		t.Error("reverse lookup of unknown message should be nil")
	}
}

func TestCreateMappingRecordsOriginChannel(t *testing.T) {
	t.Parallel()
	m := newTestMapper(t, MapperConfig{})
	ctx := context.Background()

	created := m.CreateMapping(ctx, "discord", "d1", "dev-room", "hello", "alice", nil)
	if got := created.PlatformChannels["discord"]; got != "dev-room" {
		t.Errorf("origin channel: got %q, want dev-room", got)
	}

	bare := m.CreateMapping(ctx, "matrix", "$e1", "", "hi", "bob", nil)
	if _, ok := bare.PlatformChannels["matrix"]; ok {
		t.Error("empty origin channel should not create an entry")
	}
}

func TestGetMappingReturnsCopy(t *testing.T) {
	t.Parallel()
	m := newTestMapper(t, MapperConfig{})
	created := m.CreateMapping(context.Background(), "matrix", "$e1", "", "text", "bob", nil)

	got := m.GetMapping(created.ID)
	got.PlatformMessages["discord"] = "mutated"
	if again := m.GetMapping(created.ID); again.PlatformMessages["discord"] != "" {
		t.Error("mutating a returned mapping leaked into the mapper")
	}
}

func TestAddPlatformMessage(t *testing.T) {
	t.Parallel()
	m := newTestMapper(t, MapperConfig{})
	ctx := context.Background()
	created := m.CreateMapping(ctx, "discord", "d1", "", "hi", "alice", nil)

	if err := m.AddPlatformMessage(ctx, created.ID, "mattermost", "p1", "town-square"); err != nil {
		t.Fatalf("AddPlatformMessage: %v", err)
	}
	got := m.GetMappingByPlatformMessage("mattermost", "p1")
	if got == nil || got.ID != created.ID {
		t.Fatalf("reverse lookup after registration: got %+v", got)
	}
	if got.PlatformChannels["mattermost"] != "town-square" {
		t.Errorf("channel: got %q, want town-square", got.PlatformChannels["mattermost"])
	}

	// Replacing the entry must retire the old reverse index key.
	if err := m.AddPlatformMessage(ctx, created.ID, "mattermost", "p2", ""); err != nil {
		t.Fatalf("AddPlatformMessage replace: %v", err)
	}
	if m.GetMappingByPlatformMessage("mattermost", "p1") != nil {
		t.Error("old native ID still resolves after replacement")
	}
	if m.GetMappingByPlatformMessage("mattermost", "p2") == nil {
		t.Error("new native ID does not resolve")
	}

	if err := m.AddPlatformMessage(ctx, "missing", "matrix", "$x", ""); !errors.Is(err, ErrMappingNotFound) {
		t.Errorf("unknown mapping: got %v, want ErrMappingNotFound", err)
	}
}

func TestReplyResolutionExactNativeID(t *testing.T) {
	t.Parallel()
	m := newTestMapper(t, MapperConfig{})
	ctx := context.Background()

	parent := m.CreateMapping(ctx, "discord", "d1", "", "original", "alice", nil)
	if err := m.AddPlatformMessage(ctx, parent.ID, "matrix", "$copy", ""); err != nil {
		t.Fatal(err)
	}

	// A Matrix user replies to the relayed copy.
	child := m.CreateMapping(ctx, "matrix", "$reply", "", "answer", "bob", &ReplyRef{NativeID: "$copy"})
	if child.ReplyTo != parent.ID {
		t.Fatalf("ReplyTo: got %q, want %q", child.ReplyTo, parent.ID)
	}

	info := m.GetReplyToInfo(child.ID, "discord")
	if info == nil || info.NativeID != "d1" || info.Author != "alice" {
		t.Fatalf("GetReplyToInfo: got %+v", info)
	}
	// No copy on mattermost: native ID empty, display data still present.
	info = m.GetReplyToInfo(child.ID, "mattermost")
	if info == nil || info.NativeID != "" || info.Content != "original" {
		t.Fatalf("GetReplyToInfo fallback: got %+v", info)
	}
}

func TestReplyResolutionAuthorRecency(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	m := newTestMapper(t, MapperConfig{Clock: clk.Now})
	ctx := context.Background()

	older := m.CreateMapping(ctx, "discord", "d1", "", "first", "alice", nil)
	clk.Advance(time.Minute)
	newer := m.CreateMapping(ctx, "discord", "d2", "", "second", "alice", nil)
	clk.Advance(time.Minute)

	// Native ID unknown to the relay; author heuristic picks the most
	// recent turn by alice.
	child := m.CreateMapping(ctx, "matrix", "$r", "", "reply", "bob", &ReplyRef{NativeID: "$stray", Author: "Alice"})
	if child.ReplyTo != newer.ID {
		t.Fatalf("ReplyTo: got %q, want newest by author %q (not %q)", child.ReplyTo, newer.ID, older.ID)
	}

	// The heuristic hit registers the stray native ID so the next reply
	// resolves by exact match.
	if got := m.GetMappingByPlatformMessage("matrix", "$stray"); got == nil || got.ID != newer.ID {
		t.Fatalf("heuristic hit not registered: got %+v", got)
	}
}

func TestReplyResolutionContentMatch(t *testing.T) {
	t.Parallel()
	m := newTestMapper(t, MapperConfig{})
	ctx := context.Background()

	parent := m.CreateMapping(ctx, "mattermost", "p1", "", "Deploy finished", "carol", nil)

	// No native ID and no author recency hit; fuzzy content match is the
	// last resort. Case and surrounding whitespace are ignored.
	child := m.CreateMapping(ctx, "discord", "d9", "", "nice!", "dave", &ReplyRef{Content: "  deploy FINISHED "})
	if child.ReplyTo != parent.ID {
		t.Fatalf("ReplyTo: got %q, want %q", child.ReplyTo, parent.ID)
	}
}

func TestReplyResolutionWindowExpired(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	m := newTestMapper(t, MapperConfig{ReplyWindow: 10 * time.Minute, Clock: clk.Now})
	ctx := context.Background()

	m.CreateMapping(ctx, "discord", "d1", "", "old news", "alice", nil)
	clk.Advance(11 * time.Minute)

	child := m.CreateMapping(ctx, "matrix", "$r", "", "reply", "bob", &ReplyRef{Author: "alice", Content: "old news"})
	if child.ReplyTo != "" {
		t.Errorf("reply outside the window resolved to %q, want none", child.ReplyTo)
	}
}

func TestEvictionOldestFirst(t *testing.T) {
	t.Parallel()
	m := newTestMapper(t, MapperConfig{MaxMappings: 2})
	ctx := context.Background()

	first := m.CreateMapping(ctx, "discord", "d1", "", "one", "a", nil)
	second := m.CreateMapping(ctx, "discord", "d2", "", "two", "a", nil)
	third := m.CreateMapping(ctx, "discord", "d3", "", "three", "a", nil)

	if m.Count() != 2 {
		t.Fatalf("Count: got %d, want 2", m.Count())
	}
	if m.GetMapping(first.ID) != nil {
		t.Error("oldest mapping survived eviction")
	}
	if m.GetMappingByPlatformMessage("discord", "d1") != nil {
		t.Error("evicted mapping still in reverse index")
	}
	if m.GetMapping(second.ID) == nil || m.GetMapping(third.ID) == nil {
		t.Error("newer mappings were evicted")
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	m := newTestMapper(t, MapperConfig{TTL: time.Hour, Clock: clk.Now})
	ctx := context.Background()

	old := m.CreateMapping(ctx, "discord", "d1", "", "stale", "a", nil)
	clk.Advance(2 * time.Hour)
	fresh := m.CreateMapping(ctx, "discord", "d2", "", "fresh", "a", nil)

	m.sweepExpired()

	if m.GetMapping(old.ID) != nil {
		t.Error("expired mapping survived sweep")
	}
	if m.GetMapping(fresh.ID) == nil {
		t.Error("fresh mapping was swept")
	}
}

func TestUpdateContent(t *testing.T) {
	t.Parallel()
	m := newTestMapper(t, MapperConfig{})
	ctx := context.Background()
	created := m.CreateMapping(ctx, "discord", "d1", "", "tpyo", "a", nil)

	updated, err := m.UpdateContent(ctx, "discord", "d1", "typo")
	if err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}
	if updated.ID != created.ID || updated.Content != "typo" {
		t.Fatalf("UpdateContent: got %+v", updated)
	}
	if _, err := m.UpdateContent(ctx, "discord", "nope", "x"); !errors.Is(err, ErrMappingNotFound) {
		t.Errorf("unknown message: got %v, want ErrMappingNotFound", err)
	}
}

func TestDependents(t *testing.T) {
	t.Parallel()
	m := newTestMapper(t, MapperConfig{})
	ctx := context.Background()

	parent := m.CreateMapping(ctx, "discord", "d1", "", "root", "a", nil)
	r1 := m.CreateMapping(ctx, "discord", "d2", "", "first reply", "b", &ReplyRef{NativeID: "d1"})
	r2 := m.CreateMapping(ctx, "discord", "d3", "", "second reply", "c", &ReplyRef{NativeID: "d1"})

	deps := m.Dependents(parent.ID)
	if len(deps) != 2 {
		t.Fatalf("Dependents: got %d, want 2", len(deps))
	}
	if deps[0].ID != r2.ID || deps[1].ID != r1.ID {
		t.Errorf("Dependents order: got [%s %s], want newest first", deps[0].ID, deps[1].ID)
	}
}

func TestRemoveMapping(t *testing.T) {
	t.Parallel()
	m := newTestMapper(t, MapperConfig{})
	ctx := context.Background()
	created := m.CreateMapping(ctx, "discord", "d1", "", "bye", "a", nil)

	if err := m.RemoveMapping(ctx, created.ID); err != nil {
		t.Fatalf("RemoveMapping: %v", err)
	}
	if m.GetMapping(created.ID) != nil || m.GetMappingByPlatformMessage("discord", "d1") != nil {
		t.Error("mapping still resolvable after removal")
	}
	if err := m.RemoveMapping(ctx, created.ID); !errors.Is(err, ErrMappingNotFound) {
		t.Errorf("second removal: got %v, want ErrMappingNotFound", err)
	}
}

func TestWaitSendsBlocksUntilComplete(t *testing.T) {
	t.Parallel()
	m := newTestMapper(t, MapperConfig{})
	ctx := context.Background()
	created := m.CreateMapping(ctx, "discord", "d1", "", "racy", "a", nil)

	token := m.BeginSend(created.ID, "matrix")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.WaitSends(ctx, created.ID); err != nil {
			t.Errorf("WaitSends: %v", err)
		}
	}()

	select {
	case <-done:
		t.Fatal("WaitSends returned while a send was pending")
	case <-time.After(20 * time.Millisecond):
	}

	if err := m.CompleteSend(ctx, token, "$sent", "!room"); err != nil {
		t.Fatalf("CompleteSend: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitSends did not return after CompleteSend")
	}

	// The racing handler now sees the registration.
	if got := m.GetMappingByPlatformMessage("matrix", "$sent"); got == nil || got.ID != created.ID {
		t.Fatalf("registration after CompleteSend: got %+v", got)
	}
}

func TestWaitSendsAbort(t *testing.T) {
	t.Parallel()
	m := newTestMapper(t, MapperConfig{})
	ctx := context.Background()
	created := m.CreateMapping(ctx, "discord", "d1", "", "failing", "a", nil)

	token := m.BeginSend(created.ID, "matrix")
	m.AbortSend(token)

	if err := m.WaitSends(ctx, created.ID); err != nil {
		t.Fatalf("WaitSends after abort: %v", err)
	}
	if m.GetMappingByPlatformMessage("matrix", "$never") != nil {
		t.Error("aborted send left a registration behind")
	}
}

func TestWaitSendsContextCancel(t *testing.T) {
	t.Parallel()
	m := newTestMapper(t, MapperConfig{})
	created := m.CreateMapping(context.Background(), "discord", "d1", "", "stuck", "a", nil)

	m.BeginSend(created.ID, "matrix") // never resolved

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.WaitSends(ctx, created.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitSends with stuck send: got %v, want deadline exceeded", err)
	}
}
