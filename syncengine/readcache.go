package syncengine

import (
	"sync"
	"time"

	"bitbucket.org/mediflowhq/inventory_agent/config"
)

const readCacheSetKey = "agent:readcache:keys"

// readCache holds in-memory copies of server read responses, mirrored to redis
// when available. This is the layer that gets discarded on going offline (so
// reads fall through to the durable local store) and invalidated after replay
// (so the next read fetches fresh server state).
type readCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttl  time.Duration
}

func newReadCache() *readCache {
	return &readCache{
		data: map[string][]byte{},
		ttl:  5 * time.Minute,
	}
}

func (rc *readCache) Get(key string) ([]byte, bool) {
	rc.mu.Lock()
	v, ok := rc.data[key]
	rc.mu.Unlock()
	if ok {
		return v, true
	}
	var remote []byte
	if found, err := config.GetRedisObject("agent:readcache:"+key, &remote); err == nil && found {
		rc.mu.Lock()
		rc.data[key] = remote
		rc.mu.Unlock()
		return remote, true
	}
	return nil, false
}

func (rc *readCache) Set(key string, value []byte) {
	rc.mu.Lock()
	rc.data[key] = value
	rc.mu.Unlock()
	_ = config.SetRedisObject("agent:readcache:"+key, value, rc.ttl)
	_ = config.AddRedisSet(readCacheSetKey, "agent:readcache:"+key)
}

// Flush drops everything, local and redis tiers both.
func (rc *readCache) Flush() {
	rc.mu.Lock()
	rc.data = map[string][]byte{}
	rc.mu.Unlock()
	if members, err := config.GetRedisSetMembers(readCacheSetKey); err == nil && len(members) > 0 {
		_ = config.RemoveRedisKey(members...)
		_ = config.RemoveRedisKey(readCacheSetKey)
	}
}
