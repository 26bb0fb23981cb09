package stock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "gardenbot/pkg/logx"
)

const (
	DefaultURL       = "https://growagarden.gg/api/stock"
	DefaultTimeout   = 15 * time.Second
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	DefaultReferer   = "https://growagarden.gg/"
	DefaultOrigin    = "https://growagarden.gg"

	maxBodyBytes = 8 << 20
)

type SourceConfig struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
	Referer   string
	Origin    string
	// CategoryOrder overrides DefaultCategoryOrder when non-empty.
	CategoryOrder []string
}

func (c SourceConfig) withDefaults() SourceConfig {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = DefaultURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Referer == "" {
		c.Referer = DefaultReferer
	}
	if c.Origin == "" {
		c.Origin = DefaultOrigin
	}
	if len(c.CategoryOrder) == 0 {
		c.CategoryOrder = DefaultCategoryOrder
	}
	return c
}

// Source fetches and normalizes the upstream stock document. It never
// retries; retry policy belongs to the poll loop.
type Source struct {
	client *http.Client
	log    logx.Logger

	mu  sync.RWMutex
	cfg SourceConfig
}

func NewSource(cfg SourceConfig, client *http.Client, log logx.Logger) *Source {
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Source{client: client, log: log, cfg: cfg.withDefaults()}
}

// Apply swaps the source settings; the next Fetch uses them.
func (s *Source) Apply(cfg SourceConfig) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Source) config() SourceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Fetch performs one GET bounded by the configured timeout and returns the
// flattened item list. Failures are *FetchError or ErrUnrecognizedShape.
func (s *Source) Fetch(ctx context.Context) ([]Item, error) {
	cfg := s.config()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, Err: err}
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", cfg.Referer)
	req.Header.Set("Origin", cfg.Origin)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{Kind: KindHTTPStatus, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &FetchError{Kind: KindDecode, Err: err}
	}

	items, shape, err := Normalize(doc, cfg.CategoryOrder, s.log)
	if err != nil {
		return nil, err
	}
	s.log.Debug("stock fetched",
		logx.String("shape", shape),
		logx.Int("items", len(items)),
		logx.Int("bytes", len(body)),
		logx.Duration("took", time.Since(start)),
	)
	return items, nil
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	return &FetchError{Kind: KindTransport, Err: fmt.Errorf("get: %w", err)}
}
