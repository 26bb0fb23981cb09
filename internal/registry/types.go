package registry

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrExists          = errors.New("already exists")
	ErrInvalidID       = errors.New("invalid id")
	ErrInvalidName     = errors.New("invalid item name")
	ErrInvalidInterval = errors.New("poll interval out of range")
	ErrSelfRemoval     = errors.New("cannot remove yourself")
	ErrOwner           = errors.New("owners are configured, not managed")
)

const (
	MinPollInterval     = 10 * time.Second
	MaxPollInterval     = 300 * time.Second
	DefaultPollInterval = 30 * time.Second
)

// DefaultTrackedItems seeds the tracked set when nothing is persisted.
var DefaultTrackedItems = []string{"corn", "cacao", "tomato", "carrot", "potato", "onion", "pumpkin"}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
)

// Destination is a chat that asked for, or receives, announcements.
type Destination struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Status      Status    `json:"status"`
	RequestedBy int64     `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	ApprovedBy  int64     `json:"approved_by,omitempty"`
	ApprovedAt  time.Time `json:"approved_at,omitzero"`
	InviteRef   string    `json:"invite_ref,omitempty"`
}

// Stats are lifetime counters persisted across restarts.
type Stats struct {
	MessagesSent         uint64    `json:"messages_sent"`
	DestinationsApproved uint64    `json:"destinations_approved"`
	DestinationsDropped  uint64    `json:"destinations_dropped"`
	RestartCount         uint64    `json:"restart_count"`
	FirstStart           time.Time `json:"first_start"`
}

// StatsView is Stats plus live state for display.
type StatsView struct {
	Stats
	ProcessStart time.Time
	Uptime       time.Duration
	Approved     int
	Pending      int
	Tracked      int
	Admins       int
	PollInterval time.Duration
}

type Admin struct {
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	AddedBy  int64     `json:"added_by,omitempty"`
	AddedAt  time.Time `json:"added_at,omitzero"`
	Owner    bool      `json:"-"`
}

type trackingRecord struct {
	Items           []string `json:"items"`
	IntervalSeconds int      `json:"interval_seconds"`
}

// Options seeds a fresh registry.
type Options struct {
	Owners          []int64
	DefaultItems    []string
	DefaultInterval time.Duration
	Now             func() time.Time
}
