package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Locker serialises work per key across goroutines (or processes).
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker with one mutex per key.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

const (
	defaultLockKeyPrefix     = "mission:lock:user:"
	defaultLockLease         = 30 * time.Second
	defaultLockRetryInterval = 50 * time.Millisecond
	maxResponseSizeBytes     = 2 << 20

	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`
)

type UpstashRedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	Lease   time.Duration `envconfig:"LEASE" split_words:"true" default:"30s"`
}

// Enabled reports whether a distributed lock backend is configured.
func (c UpstashRedisConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// LockerOption customizes UpstashLocker.
type LockerOption func(*UpstashLocker)

func WithKeyPrefix(prefix string) LockerOption {
	return func(l *UpstashLocker) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			l.keyPrefix = trimmed
		}
	}
}

func WithLease(lease time.Duration) LockerOption {
	return func(l *UpstashLocker) {
		l.lease = lease
	}
}

func WithRetryInterval(interval time.Duration) LockerOption {
	return func(l *UpstashLocker) {
		if interval > 0 {
			l.retryInterval = interval
		}
	}
}

func WithHTTPClient(client *http.Client) LockerOption {
	return func(l *UpstashLocker) {
		if client != nil {
			l.httpClient = client
		}
	}
}

func WithLockLogger(logger zerolog.Logger) LockerOption {
	return func(l *UpstashLocker) {
		l.logger = logger
	}
}

// UpstashLocker is a lease-based distributed lock over the Upstash Redis REST API.
type UpstashLocker struct {
	baseURL       string
	token         string
	httpClient    *http.Client
	keyPrefix     string
	lease         time.Duration
	retryInterval time.Duration
	logger        zerolog.Logger
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func NewUpstashLocker(cfg UpstashRedisConfig, opts ...LockerOption) (*UpstashLocker, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = defaultLockLease
	}

	locker := &UpstashLocker{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		keyPrefix:     defaultLockKeyPrefix,
		lease:         lease,
		retryInterval: defaultLockRetryInterval,
		logger:        zerolog.Nop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(locker)
		}
	}

	if locker.lease <= 0 {
		return nil, errors.New("lock lease must be > 0")
	}

	return locker, nil
}

func (l *UpstashLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey, err := l.redisKey(key)
	if err != nil {
		return nil, err
	}
	owner := uuid.NewString()

	for {
		acquired, err := l.tryAcquire(ctx, redisKey, owner)
		if err != nil {
			return nil, err
		}
		if acquired {
			break
		}

		timer := time.NewTimer(l.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even if the caller's context is gone; the lease covers the worst case.
			timeout := l.httpClient.Timeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			releaseCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if _, err := l.exec(releaseCtx, []any{"EVAL", releaseScript, 1, redisKey, owner}); err != nil {
				l.logger.Warn().Err(err).Str("key", redisKey).Msg("release distributed lock failed")
			}
		})
	}, nil
}

func (l *UpstashLocker) tryAcquire(ctx context.Context, redisKey, owner string) (bool, error) {
	resp, err := l.exec(ctx, []any{"SET", redisKey, owner, "NX", "PX", l.lease.Milliseconds()})
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return false, nil
	}

	var status string
	if err := json.Unmarshal(result, &status); err != nil {
		return false, fmt.Errorf("decode lock reply: %w", err)
	}
	return status == "OK", nil
}

func (l *UpstashLocker) redisKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("lock key is empty")
	}
	return strings.TrimSpace(l.keyPrefix) + key, nil
}

func (l *UpstashLocker) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}
