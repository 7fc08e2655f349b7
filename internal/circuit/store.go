package circuit

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store persists serialized per-provider circuit records. Implementations
// must make CompareAndSwap atomic so that a horizontally scaled fleet agrees
// on every transition.
type Store interface {
	// Get returns the raw record for a provider, "" when absent.
	Get(ctx context.Context, providerID string) (string, error)
	// CompareAndSwap replaces the record only when the stored value equals
	// old ("" means absent). An empty new deletes the record.
	CompareAndSwap(ctx context.Context, providerID, old, new string) (bool, error)
}

// casScript performs the compare-and-swap in a single atomic step.
// KEYS[1] = record key
// ARGV[1] = expected current value ('' = absent)
// ARGV[2] = replacement ('' = delete)
var casScript = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	if cur == false then
		cur = ''
	end
	if cur ~= ARGV[1] then
		return 0
	end
	if ARGV[2] == '' then
		redis.call('DEL', KEYS[1])
	else
		redis.call('SET', KEYS[1], ARGV[2])
	end
	return 1
`)

// RedisStore keeps circuit records in the shared store under cb:{provider_id}.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) key(providerID string) string { return "cb:" + providerID }

func (s *RedisStore) Get(ctx context.Context, providerID string) (string, error) {
	v, err := s.rdb.Get(ctx, s.key(providerID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, providerID, old, new string) (bool, error) {
	ok, err := casScript.Run(ctx, s.rdb, []string{s.key(providerID)}, old, new).Int()
	if err != nil {
		return false, err
	}
	return ok == 1, nil
}

// MemoryStore is the process-local fallback for single-process deployments.
// Opting into it forfeits fleet-wide agreement on breaker state.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]string
}

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, providerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[providerID], nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, providerID, old, new string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[providerID] != old {
		return false, nil
	}
	if new == "" {
		delete(s.records, providerID)
	} else {
		s.records[providerID] = new
	}
	return true, nil
}
