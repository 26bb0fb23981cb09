package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	logx "gardenbot/pkg/logx"
)

// fileStore writes one JSON file per key under a state directory.
//
// Layout:
//   - <dir>/<key>.json   (versioned envelope, replaced atomically)
//   - <dir>/audit.jsonl  (append-only JSON Lines)
type fileStore struct {
	log logx.Logger
	dir string

	mu        sync.Mutex
	auditFile *os.File
}

var keyRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	af, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("dir", dir))
	return &fileStore{log: log, dir: dir, auditFile: af}, nil
}

func (s *fileStore) pathFor(key string) (string, error) {
	if !keyRe.MatchString(key) {
		return "", errors.New("invalid storage key: " + key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

func (s *fileStore) Get(ctx context.Context, key string, v any) (bool, error) {
	_ = ctx
	p, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	raw, err := os.ReadFile(p)
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := decodeEnvelope(key, raw, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Put(ctx context.Context, key string, v any) error {
	_ = ctx
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	raw, err := encodeEnvelope(v, time.Now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return writeFileAtomic(p, raw)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
