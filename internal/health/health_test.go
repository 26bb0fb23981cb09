package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gardenbot/internal/dispatch"
	"gardenbot/internal/poller"
	"gardenbot/internal/registry"
	"gardenbot/internal/stock"
	logx "gardenbot/pkg/logx"
)

type fakeLoop struct{ st poller.Status }

func (f fakeLoop) Status() poller.Status { return f.st }

type fakeStats struct{ v registry.StatsView }

func (f fakeStats) Stats() registry.StatsView { return f.v }

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newService(st poller.Status, now time.Time) *Service {
	s := New(Config{}, fakeLoop{st}, fakeStats{registry.StatsView{ProcessStart: t0, Approved: 2, PollInterval: 30 * time.Second}}, logx.Nop())
	s.now = func() time.Time { return now }
	return s
}

func TestRoot(t *testing.T) {
	s := newService(poller.Status{}, t0)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "gardenbot is running" {
		t.Fatalf("GET / = %d %q", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	cases := []struct {
		name string
		st   poller.Status
		now  time.Time
		want int
	}{
		{"fresh tick", poller.Status{Running: true, LastTick: t0, Interval: 30 * time.Second}, t0.Add(60 * time.Second), http.StatusOK},
		{"stale tick", poller.Status{Running: true, LastTick: t0, Interval: 30 * time.Second}, t0.Add(91 * time.Second), http.StatusServiceUnavailable},
		{"startup grace", poller.Status{Running: true}, t0.Add(10 * time.Second), http.StatusOK},
		{"never ticked", poller.Status{Running: true}, t0.Add(5 * time.Minute), http.StatusServiceUnavailable},
		{"loop stopped", poller.Status{LastTick: t0, Interval: 30 * time.Second}, t0, http.StatusServiceUnavailable},
		{"start delay", poller.Status{Running: true, NextTick: t0.Add(2 * time.Minute)}, t0.Add(100 * time.Second), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checkHealthz(t, newService(tc.st, tc.now), tc.want)
		})
	}
}

// The loop sleeps a 60s error backoff after a panic or a recovery; with a
// 10s interval that is longer than three intervals but still alive.
func TestHealthzAcrossErrorBackoffAndLongTicks(t *testing.T) {
	iv := 10 * time.Second
	backoff := poller.Status{Running: true, LastTick: t0, NextTick: t0.Add(time.Minute), Interval: iv}
	cases := []struct {
		name string
		st   poller.Status
		now  time.Time
		want int
	}{
		{"inside backoff", backoff, t0.Add(35 * time.Second), http.StatusOK},
		{"backoff just over", backoff, t0.Add(85 * time.Second), http.StatusOK},
		{"backoff overrun", backoff, t0.Add(91 * time.Second), http.StatusServiceUnavailable},
		{"long fan-out making progress", poller.Status{Running: true, LastTick: t0, TickStarted: t0.Add(iv), LastProgress: t0.Add(5 * time.Minute), Interval: iv}, t0.Add(5*time.Minute + 20*time.Second), http.StatusOK},
		{"tick stuck", poller.Status{Running: true, LastTick: t0, TickStarted: t0.Add(iv), LastProgress: t0.Add(iv), Interval: iv}, t0.Add(iv + 31*time.Second), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(Config{}, fakeLoop{tc.st}, fakeStats{registry.StatsView{ProcessStart: t0}}, logx.Nop())
			s.now = func() time.Time { return tc.now }
			checkHealthz(t, s, tc.want)
		})
	}
}

type panicSource struct{}

func (panicSource) Fetch(ctx context.Context) ([]stock.Item, error) { panic("bad payload") }

type tenSecondRegistry struct{}

func (tenSecondRegistry) TrackedSet() map[string]struct{} { return nil }
func (tenSecondRegistry) PollInterval() time.Duration     { return 10 * time.Second }

type noDispatch struct{}

func (noDispatch) Dispatch(ctx context.Context, text string, items []string) dispatch.Report {
	return dispatch.Report{}
}

func TestHealthyWhileLoopSleepsAfterPanic(t *testing.T) {
	pl := poller.New(poller.Config{ErrorBackoff: time.Minute}, panicSource{}, tenSecondRegistry{}, noDispatch{}, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pl.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	var st poller.Status
	for {
		st = pl.Status()
		if st.Ticks > 0 && !st.NextTick.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("loop never ticked: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := st.NextTick.Sub(st.LastTick); got < 59*time.Second {
		t.Fatalf("next tick in %s, want the error backoff", got)
	}

	s := New(Config{}, pl, fakeStats{registry.StatsView{ProcessStart: st.LastTick}}, logx.Nop())
	s.now = func() time.Time { return st.LastTick.Add(35 * time.Second) }
	if rep, ok := s.Evaluate(); !ok {
		t.Fatalf("35s into backoff reported %q", rep.Status)
	}
	s.now = func() time.Time { return st.NextTick.Add(31 * time.Second) }
	if _, ok := s.Evaluate(); ok {
		t.Fatal("loop overrunning its backoff still healthy")
	}
}

func checkHealthz(t *testing.T, s *Service, want int) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != want {
		t.Fatalf("code = %d, want %d (%s)", rec.Code, want, rec.Body.String())
	}
	var rep Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthzReportsStats(t *testing.T) {
	s := newService(poller.Status{Running: true, LastTick: t0, Interval: 30 * time.Second}, t0)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var rep Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Approved != 2 || rep.Status != "ok" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, fakeLoop{}, fakeStats{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("no address after start")
	}
	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "gardenbot is running" {
		t.Fatalf("body = %q", body)
	}
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatal("address still set after stop")
	}
}
