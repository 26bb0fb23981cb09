package digest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kit "gardenbot/internal/transport"
	logx "gardenbot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	to   []int64
	text []string
	fail map[int64]bool
	sent chan struct{}
}

func (f *fakeSender) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeSender) Stop(ctx context.Context) error                         { return nil }
func (f *fakeSender) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (f *fakeSender) AnswerCallback(ctx context.Context, id, text string) error { return nil }

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if f.fail[to.ChatID] {
		return kit.MessageRef{}, errors.New("blocked")
	}
	f.mu.Lock()
	f.to = append(f.to, to.ChatID)
	f.text = append(f.text, text)
	f.mu.Unlock()
	if f.sent != nil {
		select {
		case f.sent <- struct{}{}:
		default:
		}
	}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func owners(ids ...int64) func() []int64 { return func() []int64 { return ids } }

func TestRunNow(t *testing.T) {
	fs := &fakeSender{fail: map[int64]bool{2: true}}
	s := New(Config{}, fs, owners(1, 2), func() string { return "stats here" }, logx.Nop())

	if err := s.RunNow(context.Background()); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if len(fs.to) != 1 || fs.to[0] != 1 || !strings.Contains(fs.text[0], "stats here") {
		t.Fatalf("sent = %v %q", fs.to, fs.text)
	}

	fs.fail[1] = true
	if err := s.RunNow(context.Background()); err == nil {
		t.Fatal("expected error when nobody received the digest")
	}

	empty := New(Config{}, fs, owners(), func() string { return "" }, logx.Nop())
	if err := empty.RunNow(context.Background()); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("err = %v", err)
	}
}

func TestScheduleFiresAndApply(t *testing.T) {
	fs := &fakeSender{sent: make(chan struct{}, 4)}
	s := New(Config{Enabled: true, Schedule: "@every 1s", Timezone: "UTC"}, fs, owners(7), func() string { return "x" }, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())
	if s.Next().IsZero() {
		t.Fatal("no next run")
	}

	select {
	case <-fs.sent:
	case <-time.After(3 * time.Second):
		t.Fatal("digest did not fire")
	}

	if err := s.Apply(Config{Enabled: true, Schedule: "not a cron"}); err == nil {
		t.Fatal("bad schedule accepted")
	}
	if !s.Next().IsZero() {
		t.Fatal("digest still scheduled after a bad schedule")
	}
	if err := s.Apply(Config{Enabled: true, Schedule: "0 9 * * *", Timezone: "UTC"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if next := s.Next(); next.IsZero() || next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("next = %v", next)
	}
	if err := s.Apply(Config{Enabled: false}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if !s.Next().IsZero() {
		t.Fatal("disabled digest still scheduled")
	}
}
