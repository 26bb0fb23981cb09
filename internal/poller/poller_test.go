package poller

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gardenbot/internal/dispatch"
	"gardenbot/internal/eventbus"
	"gardenbot/internal/stock"
	logx "gardenbot/pkg/logx"
)

type step struct {
	items []stock.Item
	err   error
	panic bool
}

type scriptSource struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (s *scriptSource) Fetch(ctx context.Context) ([]stock.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.steps[min(s.calls, len(s.steps)-1)]
	s.calls++
	if st.panic {
		panic("decoder exploded")
	}
	return st.items, st.err
}

type fakeRegistry struct{ interval time.Duration }

func (r fakeRegistry) TrackedSet() map[string]struct{} {
	return map[string]struct{}{"carrot": {}, "corn": {}}
}
func (r fakeRegistry) PollInterval() time.Duration { return r.interval }

type fakeDispatcher struct {
	mu    sync.Mutex
	texts []string
	items [][]string
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, text string, items []string) dispatch.Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texts = append(d.texts, text)
	d.items = append(d.items, items)
	return dispatch.Report{Sent: 1}
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.texts)
}

var carrot = []stock.Item{{Name: "Carrot", Quantity: json.Number("5")}, {Name: "Potato", Quantity: 10.0}}

func newPoller(src Source, disp Dispatcher, cfg Config) *Poller {
	return New(cfg, src, fakeRegistry{interval: 30 * time.Second}, disp, eventbus.New(), logx.Nop())
}

func TestTickDispatchesOnlyNewItems(t *testing.T) {
	src := &scriptSource{steps: []step{{items: carrot}}}
	disp := &fakeDispatcher{}
	p := newPoller(src, disp, Config{})

	res, err := p.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Items != 2 || res.Tracked != 1 || res.NewItems["carrot"] != 5 || res.Report == nil {
		t.Fatalf("first tick = %+v", res)
	}
	if len(disp.items) != 1 || disp.items[0][0] != "carrot" {
		t.Fatalf("dispatched items = %v", disp.items)
	}

	res, err = p.Tick(context.Background())
	if err != nil || len(res.NewItems) != 0 || res.Report != nil {
		t.Fatalf("second tick = %+v err=%v", res, err)
	}
	if disp.count() != 1 {
		t.Fatal("steady state must not dispatch again")
	}
}

func TestRecoveryAfterConsecutiveFailures(t *testing.T) {
	fail := step{err: &stock.FetchError{Kind: stock.KindHTTPStatus, StatusCode: 502}}
	src := &scriptSource{steps: []step{{items: carrot}, fail, fail, fail, {items: carrot}}}
	disp := &fakeDispatcher{}
	p := newPoller(src, disp, Config{MaxConsecutiveFailures: 2, ErrorBackoff: 7 * time.Second})
	ctx := context.Background()

	if wait := p.step(ctx); wait != 30*time.Second {
		t.Fatalf("ok tick wait = %s", wait)
	}
	for i := 1; i <= 2; i++ {
		if wait := p.step(ctx); wait != 30*time.Second {
			t.Fatalf("failure %d wait = %s", i, wait)
		}
		if got := p.Status().ConsecutiveFailures; got != i {
			t.Fatalf("failures = %d, want %d", got, i)
		}
	}
	if wait := p.step(ctx); wait != 7*time.Second {
		t.Fatalf("recovery wait = %s, want error backoff", wait)
	}
	st := p.Status()
	if st.Recoveries != 1 || st.ConsecutiveFailures != 0 {
		t.Fatalf("status after recovery = %+v", st)
	}

	// The baseline was reset, so carrot is announced again.
	p.step(ctx)
	if disp.count() != 2 {
		t.Fatalf("dispatches = %d, want 2", disp.count())
	}
}

func TestPanicIsContained(t *testing.T) {
	src := &scriptSource{steps: []step{{panic: true}, {items: carrot}}}
	disp := &fakeDispatcher{}
	p := newPoller(src, disp, Config{ErrorBackoff: 3 * time.Second})

	if wait := p.step(context.Background()); wait != 3*time.Second {
		t.Fatalf("panic wait = %s", wait)
	}
	st := p.Status()
	if st.ConsecutiveFailures != 1 || st.LastError == "" {
		t.Fatalf("status = %+v", st)
	}
	p.step(context.Background())
	if p.Status().ConsecutiveFailures != 0 || disp.count() != 1 {
		t.Fatal("loop should continue normally after a panic")
	}
}

func TestUnrecognizedShapeReplacesBaseline(t *testing.T) {
	src := &scriptSource{steps: []step{{items: carrot}, {err: stock.ErrUnrecognizedShape}, {items: carrot}}}
	disp := &fakeDispatcher{}
	p := newPoller(src, disp, Config{})
	ctx := context.Background()

	p.step(ctx)
	p.step(ctx)
	if st := p.Status(); st.ConsecutiveFailures != 0 {
		t.Fatalf("shape error must not count as failure: %+v", st)
	}
	p.step(ctx)
	if disp.count() != 2 {
		t.Fatalf("carrot should be new after an empty snapshot, dispatches = %d", disp.count())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &scriptSource{steps: []step{{items: carrot}}}
	p := newPoller(src, &fakeDispatcher{}, Config{})
	var beats int
	var mu sync.Mutex
	p.Heartbeat = func() { mu.Lock(); beats++; mu.Unlock() }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for p.Status().Ticks == 0 {
		select {
		case <-deadline:
			t.Fatal("no tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if beats != 1 {
		t.Fatalf("heartbeats = %d", beats)
	}
}

type hookDispatcher func()

func (h hookDispatcher) Dispatch(ctx context.Context, text string, items []string) dispatch.Report {
	h()
	return dispatch.Report{Sent: 1}
}

func TestStatusTracksTickInFlight(t *testing.T) {
	var p *Poller
	var during Status
	clock := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	p = newPoller(&scriptSource{steps: []step{{items: carrot}}}, hookDispatcher(func() {
		clock = clock.Add(time.Minute)
		p.Progress()
		during = p.Status()
	}), Config{})
	p.now = func() time.Time { return clock }

	start := clock
	if wait := p.step(context.Background()); wait != 30*time.Second {
		t.Fatalf("wait = %s", wait)
	}
	if !during.TickStarted.Equal(start) || !during.LastProgress.Equal(start.Add(time.Minute)) {
		t.Fatalf("status during dispatch = %+v", during)
	}
	if !during.NextTick.IsZero() {
		t.Fatal("next tick set while ticking")
	}
	st := p.Status()
	if !st.TickStarted.IsZero() || st.Ticks != 1 {
		t.Fatalf("status after tick = %+v", st)
	}

	p.scheduleNext(30 * time.Second)
	if got := p.Status().NextTick; !got.Equal(clock.Add(30 * time.Second)) {
		t.Fatalf("next tick = %s", got)
	}
}
