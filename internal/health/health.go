// Package health serves a small HTTP liveness surface for process
// supervisors and uptime checkers.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"gardenbot/internal/poller"
	"gardenbot/internal/registry"
	logx "gardenbot/pkg/logx"
)

const DefaultAddr = ":8080"

type Config struct {
	Enabled bool
	Addr    string
}

// LoopStatus reports the poll loop state.
type LoopStatus interface {
	Status() poller.Status
}

// StatsSource reports lifetime statistics.
type StatsSource interface {
	Stats() registry.StatsView
}

type Report struct {
	Status              string    `json:"status"`
	Uptime              string    `json:"uptime"`
	LastTick            time.Time `json:"last_tick,omitzero"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	Ticks               uint64    `json:"ticks"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Recoveries          uint64    `json:"recoveries"`
	LastError           string    `json:"last_error,omitempty"`
	Interval            string    `json:"interval"`
	TickStarted         time.Time `json:"tick_started,omitzero"`
	NextTick            time.Time `json:"next_tick,omitzero"`
	Approved            int       `json:"approved"`
	Pending             int       `json:"pending"`
	Tracked             int       `json:"tracked"`
	MessagesSent        uint64    `json:"messages_sent"`
	Restarts            uint64    `json:"restarts"`
}

type Service struct {
	mu    sync.Mutex
	log   logx.Logger
	cfg   Config
	loop  LoopStatus
	stats StatsSource
	now   func() time.Time

	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, loop LoopStatus, stats StatsSource, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, loop: loop, stats: stats, log: log, now: time.Now}
}

// Evaluate builds the current report. The loop is stale after three
// intervals without a sign of life. A running tick counts from its last
// progress and a sleeping loop from the tick it scheduled.
func (s *Service) Evaluate() (rep Report, healthy bool) {
	st := s.loop.Status()
	v := s.stats.Stats()
	now := s.now()

	interval := st.Interval
	if interval <= 0 {
		interval = v.PollInterval
	}
	healthy = st.Running && now.Sub(aliveRef(st, v.ProcessStart)) <= 3*interval

	rep = Report{
		Status:              "ok",
		Uptime:              v.Uptime.Round(time.Second).String(),
		LastTick:            st.LastTick,
		LastSuccess:         st.LastSuccess,
		Ticks:               st.Ticks,
		ConsecutiveFailures: st.ConsecutiveFailures,
		Recoveries:          st.Recoveries,
		LastError:           st.LastError,
		Interval:            interval.String(),
		TickStarted:         st.TickStarted,
		NextTick:            st.NextTick,
		Approved:            v.Approved,
		Pending:             v.Pending,
		Tracked:             v.Tracked,
		MessagesSent:        v.MessagesSent,
		Restarts:            v.RestartCount,
	}
	if !healthy {
		rep.Status = "stale"
	}
	return rep, healthy
}

func aliveRef(st poller.Status, processStart time.Time) time.Time {
	switch {
	case !st.TickStarted.IsZero():
		if st.LastProgress.After(st.TickStarted) {
			return st.LastProgress
		}
		return st.TickStarted
	case !st.NextTick.IsZero():
		return st.NextTick
	case !st.LastTick.IsZero():
		return st.LastTick
	default:
		return processStart
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("gardenbot is running"))
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		rep, ok := s.Evaluate()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(rep)
	})
	return mux
}

// Start binds the listener and serves in the background. It is a no-op when
// disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.ln, s.srv = ln, srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("health server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("health server started", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	_ = ln.Close()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("health server stopped")
}
