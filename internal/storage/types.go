package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RecordVersion is the envelope version written by this build.
const RecordVersion = 1

// Well-known record keys.
const (
	KeyApproved = "destinations.approved"
	KeyPending  = "destinations.pending"
	KeyTracking = "tracking"
	KeyStats    = "stats"
	KeyAdmins   = "admins"
)

var (
	ErrClosed = errors.New("storage closed")
	// ErrCorrupt is returned by Get when a record cannot be decoded.
	ErrCorrupt = errors.New("storage record corrupt")
	// ErrUnsupportedVersion is returned by Get for records written by a newer build.
	ErrUnsupportedVersion = errors.New("storage record version unsupported")
)

// Config configures storage.
//
// Driver values: "memory" (default when empty), "file", "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action. Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}

type envelope struct {
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

func encodeEnvelope(v any, now time.Time) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: RecordVersion, UpdatedAt: now.UTC(), Data: data})
}

func decodeEnvelope(key string, raw []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	if env.Version > RecordVersion {
		return fmt.Errorf("%w: %s: version %d", ErrUnsupportedVersion, key, env.Version)
	}
	if env.Version < 1 || len(env.Data) == 0 {
		return fmt.Errorf("%w: %s: missing version or data", ErrCorrupt, key)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}
