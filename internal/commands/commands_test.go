package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"gardenbot/internal/eventbus"
	"gardenbot/internal/poller"
	"gardenbot/internal/registry"
	"gardenbot/internal/storage"
	kit "gardenbot/internal/transport"
	logx "gardenbot/pkg/logx"
)

type sent struct {
	To     kit.ChatTarget
	Text   string
	Markup any
}

type edit struct {
	Ref    kit.MessageRef
	Text   string
	Markup any
}

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []sent
	answered []string
	edits    []edit
	menu     []kit.BotCommand
	notify   chan struct{}
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{notify: make(chan struct{}, 64)} }

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	s := sent{To: to, Text: text}
	if opt != nil {
		s.Markup = opt.ReplyMarkupAdapter
	}
	f.sent = append(f.sent, s)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := edit{Ref: ref, Text: text}
	if opt != nil {
		e.Markup = opt.ReplyMarkupAdapter
	}
	f.edits = append(f.edits, e)
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, id, text string) error {
	f.mu.Lock()
	f.answered = append(f.answered, id)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeAdapter) InlineKeyboard(rows [][]kit.Button) any { return rows }

func (f *fakeAdapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) sentTo(chat int64) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.sent {
		if s.To.ChatID == chat {
			out = append(out, s)
		}
	}
	return out
}

type fakePoller struct {
	mu     sync.Mutex
	resets int
}

func (p *fakePoller) ResetBaseline() { p.mu.Lock(); p.resets++; p.mu.Unlock() }
func (p *fakePoller) Status() poller.Status {
	return poller.Status{LastTick: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

const (
	ownerID = int64(100)
	userID  = int64(200)
)

type fixture struct {
	reg   *registry.Service
	store *storage.Memory
	ad    *fakeAdapter
	bus   eventbus.Bus
	pl    *fakePoller
	h     *Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	reg := registry.Open(context.Background(), store, registry.Options{Owners: []int64{ownerID}}, logx.Nop())
	ad := newFakeAdapter()
	bus := eventbus.New()
	pl := &fakePoller{}
	h := NewHandlers(Deps{Registry: reg, Poller: pl, Store: store, Bus: bus, Adapter: ad})
	return &fixture{reg: reg, store: store, ad: ad, bus: bus, pl: pl, h: h}
}

func (f *fixture) req(from int64, args ...string) *Request {
	return &Request{
		Update:  kit.Update{Kind: kit.UpdateMessage},
		Chat:    kit.ChatTarget{ChatID: from},
		FromID:  from,
		Args:    args,
		Adapter: f.ad,
	}
}

func TestApproveMovesPendingAndAudits(t *testing.T) {
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	if err := f.reg.AddPending("-1001", "Garden", userID, ""); err != nil {
		t.Fatalf("AddPending: %v", err)
	}
	approve := f.h.audited("approve", f.h.approveCmd)
	if err := approve(context.Background(), f.req(ownerID, "-1001")); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if got := f.reg.ListApproved(); len(got) != 1 || got[0].ID != "-1001" || got[0].ApprovedBy != ownerID {
		t.Fatalf("approved = %+v", got)
	}
	if len(f.reg.ListPending()) != 0 {
		t.Fatalf("pending not cleared")
	}
	if len(f.ad.sentTo(-1001)) != 1 {
		t.Fatalf("expected a welcome message to the destination")
	}
	audit := f.store.Audit()
	if len(audit) != 1 || audit[0].Action != "approve" || !audit[0].OK || audit[0].Target != "-1001" {
		t.Fatalf("audit = %+v", audit)
	}
	select {
	case e := <-events:
		dc, ok := e.Data.(eventbus.DestinationChange)
		if e.Type != eventbus.TypeDestinationChange || !ok || dc.Action != "approved" {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatalf("no event published")
	}
}

func TestApproveUnknownFailsAndAuditsFailure(t *testing.T) {
	f := newFixture(t)
	approve := f.h.audited("approve", f.h.approveCmd)
	if err := approve(context.Background(), f.req(ownerID, "-42")); err == nil {
		t.Fatalf("expected error")
	}
	replies := f.ad.sentTo(ownerID)
	if len(replies) != 1 || !strings.Contains(replies[0].Text, "Not found") {
		t.Fatalf("replies = %+v", replies)
	}
	if a := f.store.Audit(); len(a) != 1 || a[0].OK {
		t.Fatalf("audit = %+v", a)
	}
}

func TestRequestParsesInvite(t *testing.T) {
	f := newFixture(t)
	err := f.h.request(context.Background(), f.req(userID, "-1005", "My", "Garden", "https://t.me/+abc"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	d, ok := f.reg.Lookup("-1005")
	if !ok || d.Title != "My Garden" || d.InviteRef != "https://t.me/+abc" || d.RequestedBy != userID {
		t.Fatalf("pending = %+v ok=%v", d, ok)
	}
	notes := f.ad.sentTo(ownerID)
	if len(notes) != 1 || notes[0].Markup == nil {
		t.Fatalf("owner notification = %+v", notes)
	}
	rows := notes[0].Markup.([][]kit.Button)
	if rows[0][0].Data != "dest:approve:-1005" || rows[0][1].Data != "dest:reject:-1005" {
		t.Fatalf("buttons = %+v", rows)
	}

	if err := f.h.request(context.Background(), f.req(userID, "-1005", "Again")); err == nil {
		t.Fatalf("duplicate request accepted")
	}
	if err := f.h.request(context.Background(), f.req(userID, "abc", "Title")); err == nil {
		t.Fatalf("invalid chat id accepted")
	}
}

func TestMembershipJoinAndLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.h.Membership(ctx, &kit.Membership{ChatID: -1009, ChatTitle: "Seeds", ChatType: "channel", FromID: userID, Joined: true})
	if d, ok := f.reg.Lookup("-1009"); !ok || d.Status != registry.StatusPending {
		t.Fatalf("join did not file a request: %+v", d)
	}
	if len(f.ad.sentTo(ownerID)) != 1 {
		t.Fatalf("owner not notified")
	}

	if _, err := f.reg.Approve("-1009", ownerID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	f.h.Membership(ctx, &kit.Membership{ChatID: -1009, ChatTitle: "Seeds", ChatType: "channel", Joined: false})
	if _, ok := f.reg.Lookup("-1009"); ok {
		t.Fatalf("destination still registered after removal")
	}
	if f.reg.Stats().DestinationsDropped != 1 {
		t.Fatalf("drop not counted")
	}

	f.h.Membership(ctx, &kit.Membership{ChatID: 55, ChatType: "private", Joined: true})
	if _, ok := f.reg.Lookup("55"); ok {
		t.Fatalf("private chat registered")
	}
}

func TestTrackUntrackAndInterval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.h.track(ctx, f.req(ownerID, "Ember", "Lily")); err != nil {
		t.Fatalf("track: %v", err)
	}
	found := false
	for _, it := range f.reg.TrackedItems() {
		if it == "ember lily" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tracked = %v", f.reg.TrackedItems())
	}
	if err := f.h.untrack(ctx, f.req(ownerID, "ember", "lily")); err != nil {
		t.Fatalf("untrack: %v", err)
	}
	if err := f.h.untrack(ctx, f.req(ownerID, "ember", "lily")); err == nil {
		t.Fatalf("untrack of missing item succeeded")
	}

	if err := f.h.interval(ctx, f.req(ownerID, "45")); err != nil {
		t.Fatalf("interval: %v", err)
	}
	if f.reg.PollInterval() != 45*time.Second {
		t.Fatalf("interval = %s", f.reg.PollInterval())
	}
	if err := f.h.interval(ctx, f.req(ownerID, "5")); err == nil {
		t.Fatalf("out-of-range interval accepted")
	}
	if f.reg.PollInterval() != 45*time.Second {
		t.Fatalf("interval changed by rejected value")
	}
}

func TestAdminsAndBaseline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.h.addAdmin(ctx, f.req(ownerID, "300", "@helper")); err != nil {
		t.Fatalf("addadmin: %v", err)
	}
	if !f.reg.IsAdmin(300) {
		t.Fatalf("admin not added")
	}
	if err := f.h.removeAdmin(ctx, f.req(300, "300")); err == nil {
		t.Fatalf("self removal allowed")
	}
	if err := f.h.removeAdmin(ctx, f.req(300, "100")); err == nil {
		t.Fatalf("owner removal allowed")
	}
	if err := f.h.removeAdmin(ctx, f.req(ownerID, "300")); err != nil {
		t.Fatalf("removeadmin: %v", err)
	}

	if err := f.h.resetBaseline(ctx, f.req(ownerID)); err != nil {
		t.Fatalf("resetbaseline: %v", err)
	}
	if f.pl.resets != 1 {
		t.Fatalf("baseline not reset")
	}
}

func waitFor(t *testing.T, ad *fakeAdapter, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-ad.notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("condition not met")
		}
	}
}

func TestRouterAccessAndCallbacks(t *testing.T) {
	f := newFixture(t)
	r := NewRouter(f.ad, f.reg, Options{Workers: 2}, logx.Nop())
	r.SetRegistry(f.h.Commands(), f.h.Callbacks(), f.h.Membership)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() { _ = r.Run(ctx, updates); close(done) }()

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: userID, FromID: userID, Text: "/stats"}}
	waitFor(t, f.ad, func() bool { return len(f.ad.sentTo(userID)) == 1 })
	if txt := f.ad.sentTo(userID)[0].Text; !strings.Contains(txt, "access") {
		t.Fatalf("non-admin reply = %q", txt)
	}

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: ownerID, FromID: ownerID, Text: "/stats@gardenbot"}}
	waitFor(t, f.ad, func() bool { return len(f.ad.sentTo(ownerID)) == 1 })
	if txt := f.ad.sentTo(ownerID)[0].Text; !strings.Contains(txt, "statistics") {
		t.Fatalf("stats reply = %q", txt)
	}

	if err := f.reg.AddPending("-1007", "Beans", userID, ""); err != nil {
		t.Fatalf("AddPending: %v", err)
	}
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", FromID: userID, ChatID: userID, Data: "dest:approve:-1007"}}
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb2", FromID: ownerID, ChatID: ownerID, Data: "dest:approve:-1007"}}
	waitFor(t, f.ad, func() bool {
		f.ad.mu.Lock()
		defer f.ad.mu.Unlock()
		return len(f.ad.answered) == 2
	})
	if d, ok := f.reg.Lookup("-1007"); !ok || d.Status != registry.StatusApproved || d.ApprovedBy != ownerID {
		t.Fatalf("callback approve = %+v", d)
	}

	updates <- kit.Update{Kind: kit.UpdateMembership, Membership: &kit.Membership{ChatID: -1008, ChatTitle: "Grove", ChatType: "supergroup", FromID: userID, Joined: true}}
	waitFor(t, f.ad, func() bool { _, ok := f.reg.Lookup("-1008"); return ok })

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("router did not stop")
	}
}

func TestHelpAndMenuRespectAccess(t *testing.T) {
	f := newFixture(t)
	r := NewRouter(f.ad, f.reg, Options{}, logx.Nop())
	r.SetRegistry(f.h.Commands(), f.h.Callbacks(), nil)

	public := r.HelpText(userID)
	if strings.Contains(public, "/approve") || !strings.Contains(public, "/request") {
		t.Fatalf("public help = %q", public)
	}
	if admin := r.HelpText(ownerID); !strings.Contains(admin, "/approve") {
		t.Fatalf("admin help = %q", admin)
	}
	for _, c := range r.MenuCommands() {
		if c.Command == "approve" {
			t.Fatalf("admin command advertised in menu")
		}
	}
	r.UpdateMenu(context.Background())
	if len(f.ad.menu) == 0 {
		t.Fatalf("menu not pushed")
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	got := tokenizeCommandLine(`/track "seed pod"  extra`)
	want := []string{"/track", "seed pod", "extra"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q", got)
	}
	if tokenizeCommandLine("   ") != nil {
		t.Fatalf("blank input should yield nil")
	}
}

func TestStatsTextIncludesCounts(t *testing.T) {
	f := newFixture(t)
	_ = f.reg.AddPending("-1", "a", 0, "")
	txt := StatsText(f.reg.Stats(), f.pl.Status())
	for _, want := range []string{"Pending requests: 1", "Restarts: 1", "Last poll: 12:00:00"} {
		if !strings.Contains(txt, want) {
			t.Fatalf("stats text missing %q:\n%s", want, txt)
		}
	}
}

func TestDecisionButtonsRefreshPendingMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.reg.AddPending("-3001", "Tulips", userID, "")
	_ = f.reg.AddPending("-3002", "Roses", userID, "")

	cbReq := func(payload string) *Request {
		r := f.req(ownerID)
		r.Update = kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb", FromID: ownerID, ChatID: ownerID, MessageID: 55, Data: "dest:approve:" + payload}}
		r.Payload = payload
		return r
	}

	if err := f.h.approveCallback(ctx, cbReq("-3001"), "-3001"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if len(f.ad.edits) != 1 {
		t.Fatalf("edits = %d", len(f.ad.edits))
	}
	e := f.ad.edits[0]
	if e.Ref.ChatID != ownerID || e.Ref.MessageID != 55 {
		t.Fatalf("edited %+v", e.Ref)
	}
	rows, _ := e.Markup.([][]kit.Button)
	if len(rows) != 1 || rows[0][0].Data != "dest:approve:-3002" || strings.Contains(e.Text, "Tulips") {
		t.Fatalf("refreshed message = %q rows=%v", e.Text, rows)
	}

	if err := f.h.rejectCallback(ctx, cbReq("-3002"), "-3002"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	e = f.ad.edits[1]
	if e.Markup != nil || !strings.Contains(e.Text, "No pending") {
		t.Fatalf("final message = %q markup=%v", e.Text, e.Markup)
	}

	// A stale button on an already decided request still clears the message.
	_ = f.h.approveCallback(ctx, cbReq("-3001"), "-3001")
	if len(f.ad.edits) != 3 || f.ad.edits[2].Markup != nil {
		t.Fatalf("stale button edits = %+v", f.ad.edits)
	}
}
