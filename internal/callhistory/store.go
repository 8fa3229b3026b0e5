// Package callhistory persists finished calls per account in Redis.
package callhistory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/404-not-find/SipVoice/internal/sipevent"
)

type Options struct {
	Enabled    bool
	Addr       string
	Username   string
	Password   string
	DB         int
	Prefix     string
	TTL        time.Duration
	MaxEntries int
}

const (
	defaultPrefix     = "sipvoice:callhistory:v1"
	defaultMaxEntries = 100
)

// Outcome of a recorded call.
type Outcome string

const (
	OutcomeAnswered   Outcome = "answered"
	OutcomeMissed     Outcome = "missed"
	OutcomeUnanswered Outcome = "unanswered"
	OutcomeFailed     Outcome = "failed"
)

// Entry is one call in the history of an account.
type Entry struct {
	Outcome     Outcome            `json:"outcome"`
	Direction   sipevent.Direction `json:"direction,omitempty"`
	AccountID   string             `json:"account_id"`
	CallID      int                `json:"call_id"`
	RemoteURI   string             `json:"remote_uri,omitempty"`
	DisplayName string             `json:"display_name,omitempty"`
	Number      string             `json:"number,omitempty"`
	Duration    int                `json:"duration_seconds,omitempty"`
	AudioCodec  string             `json:"audio_codec,omitempty"`
	Status      int                `json:"status,omitempty"`
	RXLost      int64              `json:"rx_lost,omitempty"`
	TXLost      int64              `json:"tx_lost,omitempty"`
	At          time.Time          `json:"at"`
}

// Store keeps the newest MaxEntries entries of each account in a Redis list.
// A nil *Store is a disabled store: writes are dropped and reads are empty.
type Store struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	maxEntries int
}

// New connects to Redis. It returns a nil store when history is disabled.
func New(ctx context.Context, opts Options) (*Store, error) {
	if !opts.Enabled {
		return nil, nil
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required when call history is enabled")
	}
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.Username),
		Password: opts.Password,
		DB:       opts.DB,
	})

	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewWithClient(c, opts), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(c *redis.Client, opts Options) *Store {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Store{client: c, prefix: prefix, ttl: opts.TTL, maxEntries: maxEntries}
}

func (s *Store) Close() {
	if s == nil || s.client == nil {
		return
	}
	_ = s.client.Close()
}

func (s *Store) key(accountID string) string {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		accountID = "unknown"
	}
	return fmt.Sprintf("%s:%s", s.prefix, accountID)
}

// Append adds e at the head of its account list, trims the list and refreshes its TTL.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if s == nil || s.client == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	key := s.key(e.AccountID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, int64(s.maxEntries-1))
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store history entry: %w", err)
	}
	return nil
}

// Recent returns up to n entries of an account, newest first.
func (s *Store) Recent(ctx context.Context, accountID string, n int) ([]Entry, error) {
	if s == nil || s.client == nil || n <= 0 {
		return nil, nil
	}
	data, err := s.client.LRange(ctx, s.key(accountID), 0, int64(n-1)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read call history: %w", err)
	}

	out := make([]Entry, 0, len(data))
	for _, raw := range data {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
