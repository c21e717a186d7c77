package linking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

// Grant is what a binding code stands for.
type Grant struct {
	Chat      chat.Key  `json:"chat"`
	Issuer    int64     `json:"issuer"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CodeStore keeps issued binding codes. Take must be atomic: of two concurrent
// takes of the same code at most one succeeds.
type CodeStore interface {
	Put(ctx context.Context, code string, g Grant) error
	Take(ctx context.Context, code string) (Grant, bool, error)
}

// NewCode returns a fresh opaque code: 16 hex characters of a random UUID.
func NewCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// normalizeCode tolerates the spacing and casing users introduce when relaying a code.
func normalizeCode(code string) string {
	return strings.ToLower(strings.Join(strings.Fields(code), ""))
}

// MemoryCodeStore is an in-process CodeStore. Expired grants are pruned on
// every Put, so codes that are never redeemed do not accumulate.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]Grant
	now   func() time.Time
}

func NewMemoryCodeStore() *MemoryCodeStore {
	return newMemoryCodeStore(time.Now)
}

func newMemoryCodeStore(now func() time.Time) *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]Grant), now: now}
}

func (s *MemoryCodeStore) Put(_ context.Context, code string, g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for c, old := range s.codes {
		if !now.Before(old.ExpiresAt) {
			delete(s.codes, c)
		}
	}
	if _, exists := s.codes[code]; exists {
		return fmt.Errorf("binding code collision")
	}
	s.codes[code] = g
	return nil
}

func (s *MemoryCodeStore) Take(_ context.Context, code string) (Grant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.codes[code]
	if ok {
		delete(s.codes, code)
	}
	return g, ok, nil
}

// RedisCodeStore keeps codes in Redis so several bridge processes can share
// them. Keys expire with the grant; Take uses GETDEL.
type RedisCodeStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCodeStore creates a store using keys "<prefix>:<code>".
func NewRedisCodeStore(client *redis.Client, prefix string) *RedisCodeStore {
	if prefix == "" {
		prefix = "chatbridge:bindcode"
	}
	return &RedisCodeStore{client: client, prefix: prefix}
}

func (s *RedisCodeStore) key(code string) string { return s.prefix + ":" + code }

func (s *RedisCodeStore) Put(ctx context.Context, code string, g Grant) error {
	ttl := time.Until(g.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("binding code already expired")
	}
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(code), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis set binding code: %w", err)
	}
	if !ok {
		return fmt.Errorf("binding code collision")
	}
	return nil
}

func (s *RedisCodeStore) Take(ctx context.Context, code string) (Grant, bool, error) {
	data, err := s.client.GetDel(ctx, s.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Grant{}, false, nil
	}
	if err != nil {
		return Grant{}, false, fmt.Errorf("redis take binding code: %w", err)
	}
	var g Grant
	if err := json.Unmarshal(data, &g); err != nil {
		return Grant{}, false, fmt.Errorf("decode binding code: %w", err)
	}
	return g, true, nil
}
