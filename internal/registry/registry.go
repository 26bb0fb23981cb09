package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gardenbot/internal/stock"
	"gardenbot/internal/storage"
	logx "gardenbot/pkg/logx"
)

// Service owns every piece of shared mutable state: destinations, tracked
// items, the poll interval, lifetime stats and admins. All methods are safe
// for concurrent use. Each mutation is persisted immediately; a failed write
// is logged and the in-memory state stays authoritative.
type Service struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	mu           sync.RWMutex
	owners       map[int64]struct{}
	approved     map[string]Destination
	pending      map[string]Destination
	tracked      map[string]struct{}
	interval     time.Duration
	stats        Stats
	processStart time.Time
	admins       map[int64]Admin
}

// Open loads persisted state from store, falling back to defaults for
// missing or unreadable records, and counts this process start.
func Open(ctx context.Context, store storage.Store, opts Options, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if store == nil {
		store = storage.NewMemory()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		store:        store,
		log:          log,
		now:          now,
		owners:       map[int64]struct{}{},
		approved:     map[string]Destination{},
		pending:      map[string]Destination{},
		tracked:      map[string]struct{}{},
		admins:       map[int64]Admin{},
		processStart: now(),
	}
	for _, id := range opts.Owners {
		s.owners[id] = struct{}{}
	}

	var approved, pending []Destination
	if s.load(ctx, storage.KeyApproved, &approved) {
		for _, d := range approved {
			d.Status = StatusApproved
			s.approved[d.ID] = d
		}
	}
	if s.load(ctx, storage.KeyPending, &pending) {
		for _, d := range pending {
			if _, dup := s.approved[d.ID]; dup {
				continue
			}
			d.Status = StatusPending
			s.pending[d.ID] = d
		}
	}

	var tr trackingRecord
	if !s.load(ctx, storage.KeyTracking, &tr) {
		tr.Items = opts.DefaultItems
		if len(tr.Items) == 0 {
			tr.Items = DefaultTrackedItems
		}
		tr.IntervalSeconds = int(opts.DefaultInterval / time.Second)
	}
	for _, it := range tr.Items {
		if c := stock.Canonical(it); c != "" {
			s.tracked[c] = struct{}{}
		}
	}
	s.interval = time.Duration(tr.IntervalSeconds) * time.Second
	if s.interval < MinPollInterval || s.interval > MaxPollInterval {
		s.interval = DefaultPollInterval
	}

	var admins []Admin
	if s.load(ctx, storage.KeyAdmins, &admins) {
		for _, a := range admins {
			s.admins[a.UserID] = a
		}
	}

	var st Stats
	if s.load(ctx, storage.KeyStats, &st) {
		s.stats = st
	}
	if s.stats.FirstStart.IsZero() {
		s.stats.FirstStart = s.processStart
	}
	s.stats.RestartCount++

	s.mu.Lock()
	s.persistTrackingLocked()
	s.persistStatsLocked()
	s.mu.Unlock()

	log.Info("registry loaded",
		logx.Int("approved", len(s.approved)),
		logx.Int("pending", len(s.pending)),
		logx.Int("tracked", len(s.tracked)),
		logx.Duration("interval", s.interval),
		logx.Uint64("restarts", s.stats.RestartCount),
	)
	return s
}

// load reports whether v was populated from store.
func (s *Service) load(ctx context.Context, key string, v any) bool {
	ok, err := s.store.Get(ctx, key, v)
	if err != nil {
		s.log.Warn("persisted record unusable; using default", logx.String("key", key), logx.Err(err))
		return false
	}
	return ok
}

func (s *Service) persistLocked(key string, v any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Put(ctx, key, v); err != nil {
		s.log.Error("persist failed", logx.String("key", key), logx.Err(err))
	}
}

func (s *Service) persistDestinationsLocked() {
	s.persistLocked(storage.KeyApproved, sortedDestinations(s.approved))
	s.persistLocked(storage.KeyPending, sortedDestinations(s.pending))
}

func (s *Service) persistTrackingLocked() {
	s.persistLocked(storage.KeyTracking, trackingRecord{
		Items:           sortedKeys(s.tracked),
		IntervalSeconds: int(s.interval / time.Second),
	})
}

func (s *Service) persistStatsLocked() { s.persistLocked(storage.KeyStats, s.stats) }

func (s *Service) persistAdminsLocked() {
	out := make([]Admin, 0, len(s.admins))
	for _, a := range s.admins {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	s.persistLocked(storage.KeyAdmins, out)
}

// --- destinations ---

// AddPending files a request. The id must not already be pending or approved.
func (s *Service) AddPending(id, title string, requestedBy int64, inviteRef string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approved[id]; ok {
		return fmt.Errorf("destination %s: %w", id, ErrExists)
	}
	if _, ok := s.pending[id]; ok {
		return fmt.Errorf("destination %s: %w", id, ErrExists)
	}
	s.pending[id] = Destination{
		ID:          id,
		Title:       strings.TrimSpace(title),
		Status:      StatusPending,
		RequestedBy: requestedBy,
		RequestedAt: s.now(),
		InviteRef:   strings.TrimSpace(inviteRef),
	}
	s.persistLocked(storage.KeyPending, sortedDestinations(s.pending))
	return nil
}

func (s *Service) RemovePending(id string) error {
	_, err := s.Reject(id)
	return err
}

// Approve moves id from pending to approved.
func (s *Service) Approve(id string, approvedBy int64) (Destination, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.pending[id]
	if !ok {
		return Destination{}, fmt.Errorf("pending destination %s: %w", id, ErrNotFound)
	}
	delete(s.pending, id)
	d.Status = StatusApproved
	d.ApprovedBy = approvedBy
	d.ApprovedAt = s.now()
	s.approved[id] = d
	s.stats.DestinationsApproved++
	s.persistDestinationsLocked()
	s.persistStatsLocked()
	return d, nil
}

// Reject drops a pending request. Approved destinations are untouched.
func (s *Service) Reject(id string) (Destination, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.pending[id]
	if !ok {
		return Destination{}, fmt.Errorf("pending destination %s: %w", id, ErrNotFound)
	}
	delete(s.pending, id)
	s.persistLocked(storage.KeyPending, sortedDestinations(s.pending))
	return d, nil
}

// Deregister removes an approved destination.
func (s *Service) Deregister(id string) error {
	return s.DeregisterMany([]string{id})
}

// DeregisterMany removes approved destinations in one persisted write.
// It returns ErrNotFound when none of the ids were approved.
func (s *Service) DeregisterMany(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, ok := s.approved[id]; ok {
			delete(s.approved, id)
			removed++
		}
	}
	if removed == 0 {
		return fmt.Errorf("approved destination: %w", ErrNotFound)
	}
	s.stats.DestinationsDropped += uint64(removed)
	s.persistLocked(storage.KeyApproved, sortedDestinations(s.approved))
	s.persistStatsLocked()
	return nil
}

// ListApproved returns a copy ordered by approval time.
func (s *Service) ListApproved() []Destination {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedDestinations(s.approved)
}

func (s *Service) ListPending() []Destination {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedDestinations(s.pending)
}

// Lookup finds a destination in either set.
func (s *Service) Lookup(id string) (Destination, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.approved[id]; ok {
		return d, true
	}
	d, ok := s.pending[id]
	return d, ok
}

// --- tracked items ---

// AddTrackedItem returns the canonical name that was added.
func (s *Service) AddTrackedItem(name string) (string, error) {
	c := stock.Canonical(name)
	if c == "" {
		return "", ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracked[c]; ok {
		return c, fmt.Errorf("item %q: %w", c, ErrExists)
	}
	s.tracked[c] = struct{}{}
	s.persistTrackingLocked()
	return c, nil
}

func (s *Service) RemoveTrackedItem(name string) (string, error) {
	c := stock.Canonical(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracked[c]; !ok {
		return c, fmt.Errorf("item %q: %w", c, ErrNotFound)
	}
	delete(s.tracked, c)
	s.persistTrackingLocked()
	return c, nil
}

func (s *Service) TrackedItems() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.tracked)
}

// TrackedSet returns a copy usable with stock.Filter.
func (s *Service) TrackedSet() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.tracked))
	for k := range s.tracked {
		out[k] = struct{}{}
	}
	return out
}

// --- interval ---

func (s *Service) SetPollInterval(seconds int) error {
	d := time.Duration(seconds) * time.Second
	if d < MinPollInterval || d > MaxPollInterval {
		return fmt.Errorf("%w: %ds not within [%d, %d]", ErrInvalidInterval, seconds,
			int(MinPollInterval/time.Second), int(MaxPollInterval/time.Second))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	s.persistTrackingLocked()
	return nil
}

func (s *Service) PollInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// --- stats ---

// RecordSent adds n delivered messages to the lifetime counter.
func (s *Service) RecordSent(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.MessagesSent += uint64(n)
	s.persistStatsLocked()
}

func (s *Service) Stats() StatsView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatsView{
		Stats:        s.stats,
		ProcessStart: s.processStart,
		Uptime:       s.now().Sub(s.processStart),
		Approved:     len(s.approved),
		Pending:      len(s.pending),
		Tracked:      len(s.tracked),
		Admins:       len(s.unionAdminsLocked()),
		PollInterval: s.interval,
	}
}

// --- admins ---

// SetOwners replaces the configured owners (config reload).
func (s *Service) SetOwners(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		s.owners[id] = struct{}{}
	}
}

func (s *Service) IsOwner(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.owners[userID]
	return ok
}

// IsAdmin is true for owners and persisted admins.
func (s *Service) IsAdmin(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.owners[userID]; ok {
		return true
	}
	_, ok := s.admins[userID]
	return ok
}

func (s *Service) AddAdmin(userID int64, username string, addedBy int64) error {
	if userID <= 0 {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[userID]; ok {
		return fmt.Errorf("admin %d: %w", userID, ErrExists)
	}
	if _, ok := s.admins[userID]; ok {
		return fmt.Errorf("admin %d: %w", userID, ErrExists)
	}
	s.admins[userID] = Admin{UserID: userID, Username: strings.TrimPrefix(strings.TrimSpace(username), "@"), AddedBy: addedBy, AddedAt: s.now()}
	s.persistAdminsLocked()
	return nil
}

func (s *Service) RemoveAdmin(userID, by int64) error {
	if userID == by {
		return ErrSelfRemoval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[userID]; ok {
		return ErrOwner
	}
	if _, ok := s.admins[userID]; !ok {
		return fmt.Errorf("admin %d: %w", userID, ErrNotFound)
	}
	delete(s.admins, userID)
	s.persistAdminsLocked()
	return nil
}

// ListAdmins returns owners first, then persisted admins, each by user id.
func (s *Service) ListAdmins() []Admin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unionAdminsLocked()
}

func (s *Service) unionAdminsLocked() []Admin {
	out := make([]Admin, 0, len(s.owners)+len(s.admins))
	for id := range s.owners {
		out = append(out, Admin{UserID: id, Owner: true})
	}
	for id, a := range s.admins {
		if _, owner := s.owners[id]; owner {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func sortedDestinations(m map[string]Destination) []Destination {
	out := make([]Destination, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].ApprovedAt, out[j].ApprovedAt
		if ti.IsZero() {
			ti, tj = out[i].RequestedAt, out[j].RequestedAt
		}
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
