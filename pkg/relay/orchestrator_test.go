// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/relaybridge/pkg/eventbus"
)

// fakeAdapter is an in-memory Adapter recording every outbound call.
type fakeAdapter struct {
	name string
	caps Capabilities

	mu       sync.Mutex
	seq      int
	sends    []fakeSend
	edits    map[string]string
	deletes  []fakeDelete
	failSend error
}

type fakeDelete struct {
	id      string
	channel string
}

type fakeSend struct {
	id      string
	content string
	opts    SendOptions
}

func newFakeAdapter(name string, caps Capabilities) *fakeAdapter {
	return &fakeAdapter{name: name, caps: caps, edits: make(map[string]string)}
}

func (f *fakeAdapter) Name() string                      { return f.name }
func (f *fakeAdapter) Connect(ctx context.Context) error { return nil }
func (f *fakeAdapter) Disconnect() error                 { return nil }
func (f *fakeAdapter) OnMessage(MessageHandler)          {}
func (f *fakeAdapter) OnEdit(EditHandler)                {}
func (f *fakeAdapter) OnDelete(DeleteHandler)            {}
func (f *fakeAdapter) Capabilities() Capabilities        { return f.caps }

func (f *fakeAdapter) GetStatus() Status {
	return Status{Platform: f.name, Connected: true}
}

func (f *fakeAdapter) SendMessage(ctx context.Context, content string, opts SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return "", f.failSend
	}
	f.seq++
	id := fmt.Sprintf("%s-%d", f.name, f.seq)
	f.sends = append(f.sends, fakeSend{id: id, content: content, opts: opts})
	return id, nil
}

func (f *fakeAdapter) EditMessage(ctx context.Context, nativeID, newContent string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[nativeID] = newContent
	return nil
}

func (f *fakeAdapter) DeleteMessage(ctx context.Context, nativeID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, fakeDelete{id: nativeID, channel: channelID})
	return nil
}

func (f *fakeAdapter) sentContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sends))
	for i, s := range f.sends {
		out[i] = s.content
	}
	return out
}

func (f *fakeAdapter) lastSend() *fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		return nil
	}
	s := f.sends[len(f.sends)-1]
	return &s
}

func (f *fakeAdapter) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deletes))
	for i, d := range f.deletes {
		out[i] = d.id
	}
	return out
}

func (f *fakeAdapter) lastDelete() *fakeDelete {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deletes) == 0 {
		return nil
	}
	d := f.deletes[len(f.deletes)-1]
	return &d
}

// testRelay bundles an orchestrator with three fake platforms.
type testRelay struct {
	orch       *Orchestrator
	mapper     *Mapper
	discord    *fakeAdapter
	mattermost *fakeAdapter
	matrix     *fakeAdapter
}

func newTestRelay(t *testing.T, mutate func(cfg *Config)) *testRelay {
	t.Helper()
	cfg := &Config{
		CommandPrefixes: []string{"!"},
		Platforms: map[string]*PlatformConfig{
			"discord":    {Enabled: true},
			"mattermost": {Enabled: true},
			"matrix":     {Enabled: true},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	mapper := NewMapper(MapperConfig{}, zerolog.Nop())
	limiter := NewRateLimiter(RateLimiterConfig{
		Window:       time.Minute,
		DefaultLimit: 100,
		Limits:       cfg.RateLimits(),
	}, zerolog.Nop())
	orch := NewOrchestrator(cfg, mapper, limiter, eventbus.NewMemoryBroker(), zerolog.Nop())

	tr := &testRelay{
		orch:       orch,
		mapper:     mapper,
		discord:    newFakeAdapter("discord", Capabilities{NativeEdits: true, NativeReplies: true}),
		mattermost: newFakeAdapter("mattermost", Capabilities{NativeEdits: true, NativeReplies: true}),
		matrix:     newFakeAdapter("matrix", Capabilities{NativeEdits: true, NativeReplies: true}),
	}
	orch.AddAdapter(tr.discord)
	orch.AddAdapter(tr.mattermost)
	orch.AddAdapter(tr.matrix)

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(orch.Close)
	return tr
}

func inbound(platform, id, author, content string) *Message {
	return &Message{
		Platform:  platform,
		ID:        id,
		ChannelID: "chan",
		Author:    author,
		AuthorID:  author + "-id",
		Content:   content,
		Timestamp: time.Now(),
	}
}

func TestFanOutToAllOtherPlatforms(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)
	ctx := context.Background()

	tr.orch.HandleMessage(ctx, inbound("discord", "d1", "alice", "hello world"))

	want := "[via discord] alice: hello world"
	for _, target := range []*fakeAdapter{tr.mattermost, tr.matrix} {
		sends := target.sentContents()
		if len(sends) != 1 || sends[0] != want {
			t.Errorf("%s: got %v, want [%q]", target.name, sends, want)
		}
	}
	if len(tr.discord.sentContents()) != 0 {
		t.Error("message echoed back to its source platform")
	}

	// Both fan-out results are registered under the same mapping.
	mapping := tr.mapper.GetMappingByPlatformMessage("discord", "d1")
	if mapping == nil {
		t.Fatal("mapping not created")
	}
	if mapping.PlatformMessages["mattermost"] == "" || mapping.PlatformMessages["matrix"] == "" {
		t.Errorf("fan-out results not registered: %v", mapping.PlatformMessages)
	}
}

func TestLoopPrevention(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)

	// A bridged copy originating on matrix must not bounce back there.
	tr.orch.HandleMessage(context.Background(), inbound("discord", "d1", "bridge", "[via matrix] bob: hi"))

	if got := len(tr.matrix.sentContents()); got != 0 {
		t.Errorf("matrix received its own bridged copy back (%d sends)", got)
	}
	if got := len(tr.mattermost.sentContents()); got != 1 {
		t.Errorf("mattermost: got %d sends, want 1", got)
	}
}

func TestCommandsAndEmptyFiltered(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)
	ctx := context.Background()

	tr.orch.HandleMessage(ctx, inbound("discord", "d1", "alice", "!status"))
	tr.orch.HandleMessage(ctx, inbound("discord", "d2", "alice", "   "))

	if got := len(tr.matrix.sentContents()); got != 0 {
		t.Errorf("filtered messages fanned out: %d sends", got)
	}
	// Mappings still exist so replies to them resolve.
	if tr.mapper.GetMappingByPlatformMessage("discord", "d1") == nil {
		t.Error("command message has no mapping")
	}
}

func TestMutedPlatformNotRelayed(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, func(cfg *Config) {
		cfg.Platforms["discord"].Mute = true
	})

	tr.orch.HandleMessage(context.Background(), inbound("discord", "d1", "alice", "hello"))

	if got := len(tr.matrix.sentContents()); got != 0 {
		t.Errorf("muted platform fanned out: %d sends", got)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)
	ctx := context.Background()

	msg := inbound("discord", "d1", "alice", "once please")
	dup := *msg
	dup.ID = "d2"
	tr.orch.HandleMessage(ctx, msg)
	tr.orch.HandleMessage(ctx, &dup)

	if got := len(tr.matrix.sentContents()); got != 1 {
		t.Errorf("duplicate fanned out: got %d sends, want 1", got)
	}
}

func TestRateLimitDropsNotBlocks(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, func(cfg *Config) {
		cfg.Platforms["matrix"].RateLimit = 1
	})
	ctx := context.Background()

	tr.orch.HandleMessage(ctx, inbound("discord", "d1", "alice", "first"))
	tr.orch.HandleMessage(ctx, inbound("discord", "d2", "alice", "second"))

	if got := len(tr.matrix.sentContents()); got != 1 {
		t.Errorf("matrix: got %d sends, want 1 (second dropped)", got)
	}
	// Other targets are unaffected by matrix's limit.
	if got := len(tr.mattermost.sentContents()); got != 2 {
		t.Errorf("mattermost: got %d sends, want 2", got)
	}
}

func TestFailingTargetIsolated(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)
	tr.matrix.failSend = errors.New("gateway down")

	tr.orch.HandleMessage(context.Background(), inbound("discord", "d1", "alice", "hello"))

	if got := len(tr.mattermost.sentContents()); got != 1 {
		t.Errorf("mattermost: got %d sends, want 1 despite matrix failing", got)
	}
	mapping := tr.mapper.GetMappingByPlatformMessage("discord", "d1")
	if mapping.PlatformMessages["matrix"] != "" {
		t.Error("failed send left a platform registration")
	}
}

func TestReplyNativeLink(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)
	ctx := context.Background()

	tr.orch.HandleMessage(ctx, inbound("discord", "d1", "alice", "original post"))
	parentOnMatrix := tr.matrix.lastSend().id

	reply := inbound("discord", "d2", "bob", "replying")
	reply.ReplyTo = &ReplyRef{NativeID: "d1", Platform: "discord"}
	tr.orch.HandleMessage(ctx, reply)

	got := tr.matrix.lastSend()
	if got.opts.ReplyToNativeID != parentOnMatrix {
		t.Errorf("native reply link: got %q, want %q", got.opts.ReplyToNativeID, parentOnMatrix)
	}
	if strings.Contains(got.content, "↩") {
		t.Error("textual fallback rendered despite native reply support")
	}
}

func TestReplyTextualFallback(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)
	tr.matrix.caps = Capabilities{NativeEdits: true, NativeReplies: false}
	ctx := context.Background()

	tr.orch.HandleMessage(ctx, inbound("discord", "d1", "alice", "original post"))

	reply := inbound("discord", "d2", "bob", "replying")
	reply.ReplyTo = &ReplyRef{NativeID: "d1", Platform: "discord"}
	tr.orch.HandleMessage(ctx, reply)

	got := tr.matrix.lastSend()
	if got.opts.ReplyToNativeID != "" {
		t.Error("native reply link set without native reply support")
	}
	if !strings.HasPrefix(got.content, "↩ alice: original post\n") {
		t.Errorf("textual reply context missing: %q", got.content)
	}
}

func TestEditPropagationNative(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)
	ctx := context.Background()

	tr.orch.HandleMessage(ctx, inbound("discord", "d1", "alice", "teh typo"))
	matrixID := tr.matrix.lastSend().id

	tr.orch.HandleEdit(ctx, &EditNotice{Platform: "discord", ID: "d1", NewContent: "the typo"})

	want := "[via discord] alice: the typo"
	if got := tr.matrix.edits[matrixID]; got != want {
		t.Errorf("matrix edit: got %q, want %q", got, want)
	}
	mapping := tr.mapper.GetMappingByPlatformMessage("discord", "d1")
	if mapping.Content != "the typo" {
		t.Errorf("mapping content: got %q", mapping.Content)
	}
}

func TestEditDeleteThenResendFallback(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)
	tr.matrix.caps = Capabilities{NativeEdits: false, NativeReplies: true}
	ctx := context.Background()

	tr.orch.HandleMessage(ctx, inbound("discord", "d1", "alice", "v1"))
	oldID := tr.matrix.lastSend().id

	tr.orch.HandleEdit(ctx, &EditNotice{Platform: "discord", ID: "d1", NewContent: "v2"})

	deleted := tr.matrix.deleted()
	if len(deleted) != 1 || deleted[0] != oldID {
		t.Fatalf("stale copy not deleted: %v", deleted)
	}
	resent := tr.matrix.lastSend()
	if resent.id == oldID || resent.content != "[via discord] alice: v2" {
		t.Errorf("resend: got %+v", resent)
	}
	// The mapping now points at the fresh copy.
	mapping := tr.mapper.GetMappingByPlatformMessage("discord", "d1")
	if mapping.PlatformMessages["matrix"] != resent.id {
		t.Errorf("mapping not re-registered: %v", mapping.PlatformMessages)
	}
	if tr.mapper.GetMappingByPlatformMessage("matrix", oldID) != nil {
		t.Error("stale native ID still resolves")
	}
}

func TestEditForUnmappedMessageDropped(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)

	tr.orch.HandleEdit(context.Background(), &EditNotice{Platform: "discord", ID: "ghost", NewContent: "boo"})

	if got := len(tr.matrix.sentContents()); got != 0 {
		t.Errorf("unmapped edit produced %d sends", got)
	}
}

func TestDeletePropagationKeepsSource(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)
	ctx := context.Background()

	tr.orch.HandleMessage(ctx, inbound("discord", "d1", "alice", "delete me"))
	matrixID := tr.matrix.lastSend().id
	mmID := tr.mattermost.lastSend().id

	tr.orch.HandleDelete(ctx, &DeleteNotice{Platform: "discord", ID: "d1"})

	if got := tr.matrix.deleted(); len(got) != 1 || got[0] != matrixID {
		t.Errorf("matrix deletes: got %v, want [%s]", got, matrixID)
	}
	if got := tr.mattermost.deleted(); len(got) != 1 || got[0] != mmID {
		t.Errorf("mattermost deletes: got %v, want [%s]", got, mmID)
	}
	// A user deletion never touches the source platform's copy.
	if got := tr.discord.deleted(); len(got) != 0 {
		t.Errorf("source copy deleted on user deletion: %v", got)
	}
	if tr.mapper.GetMappingByPlatformMessage("discord", "d1") != nil {
		t.Error("mapping survived deletion")
	}
}

func TestAdminDeleteIncludesSource(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)
	ctx := context.Background()

	msg := inbound("discord", "d1", "alice", "nuke me")
	msg.ChannelID = "dev-room"
	tr.orch.HandleMessage(ctx, msg)

	if err := tr.orch.HandleMessageDeletion(ctx, "discord", "d1", true); err != nil {
		t.Fatalf("HandleMessageDeletion: %v", err)
	}
	if got := tr.discord.deleted(); len(got) != 1 || got[0] != "d1" {
		t.Errorf("admin deletion skipped the source copy: %v", got)
	}
	// The source copy is deleted in the channel it arrived in, not a
	// guessed default.
	if d := tr.discord.lastDelete(); d == nil || d.channel != "dev-room" {
		t.Errorf("source deletion channel: got %+v, want dev-room", d)
	}
}

func TestDeleteReplayIsIdempotent(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)
	ctx := context.Background()

	tr.orch.HandleMessage(ctx, inbound("discord", "d1", "alice", "once"))

	tr.orch.HandleDelete(ctx, &DeleteNotice{Platform: "discord", ID: "d1"})
	firstPass := len(tr.matrix.deleted())
	// At-least-once delivery: the same notice arrives again.
	tr.orch.HandleDelete(ctx, &DeleteNotice{Platform: "discord", ID: "d1"})

	if got := len(tr.matrix.deleted()); got != firstPass {
		t.Errorf("replayed deletion issued more deletes: %d -> %d", firstPass, got)
	}
}

func TestChannelRoutingSkipsUnroutedTarget(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, func(cfg *Config) {
		cfg.Platforms["matrix"].ChannelMap = map[string]string{"discord/dev": "!dev:example.com"}
	})
	ctx := context.Background()

	msg := inbound("discord", "d1", "alice", "routed")
	msg.ChannelID = "dev"
	tr.orch.HandleMessage(ctx, msg)
	if got := tr.matrix.lastSend(); got == nil || got.opts.ChannelID != "!dev:example.com" {
		t.Fatalf("routed send: got %+v", got)
	}

	other := inbound("discord", "d2", "alice", "unrouted")
	other.ChannelID = "random"
	tr.orch.HandleMessage(ctx, other)
	if got := len(tr.matrix.sentContents()); got != 1 {
		t.Errorf("unrouted message reached matrix: %d sends", got)
	}
	// Platforms without explicit routing still receive it.
	if got := len(tr.mattermost.sentContents()); got != 2 {
		t.Errorf("mattermost: got %d sends, want 2", got)
	}
}

func TestStatusAggregation(t *testing.T) {
	t.Parallel()
	tr := newTestRelay(t, nil)
	ctx := context.Background()

	status := tr.orch.Status()
	if len(status) != 3 {
		t.Fatalf("Status: got %d entries, want 3", len(status))
	}
	for name, st := range status {
		if !st.Connected || st.Platform != name {
			t.Errorf("status[%s]: got %+v", name, st)
		}
		if st.RecentSends != 0 {
			t.Errorf("status[%s]: got %d recent sends before any relay", name, st.RecentSends)
		}
	}

	// One inbound discord message relays to the two other platforms; each
	// recorded send shows up in that platform's window count.
	tr.orch.HandleMessage(ctx, inbound("discord", "d1", "alice", "counted"))
	status = tr.orch.Status()
	for _, name := range []string{"mattermost", "matrix"} {
		if got := status[name].RecentSends; got != 1 {
			t.Errorf("status[%s].RecentSends: got %d, want 1", name, got)
		}
	}
	if got := status["discord"].RecentSends; got != 0 {
		t.Errorf("status[discord].RecentSends: got %d, want 0", got)
	}
}
