package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and as a fallback when
// Redis is unavailable. Blocking operations park on a condition variable;
// there is no polling.
type MemoryStore struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lists  map[string][][]byte
	kv     map[string][]byte
	sets   map[string]map[string]struct{}
	expiry map[string]time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		lists:  make(map[string][][]byte),
		kv:     make(map[string][]byte),
		sets:   make(map[string]map[string]struct{}),
		expiry: make(map[string]time.Time),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// reap drops the key if its TTL has lapsed. Caller holds mu.
func (m *MemoryStore) reap(key string) {
	exp, ok := m.expiry[key]
	if !ok || time.Now().Before(exp) {
		return
	}
	delete(m.expiry, key)
	delete(m.kv, key)
	delete(m.lists, key)
	delete(m.sets, key)
}

func (m *MemoryStore) Push(ctx context.Context, queue string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(queue)
	cp := append([]byte(nil), payload...)
	m.lists[queue] = append([][]byte{cp}, m.lists[queue]...)
	m.cond.Broadcast()
	return nil
}

func (m *MemoryStore) RPush(ctx context.Context, queue string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(queue)
	cp := append([]byte(nil), payload...)
	m.lists[queue] = append(m.lists[queue], cp)
	m.cond.Broadcast()
	return nil
}

func (m *MemoryStore) Pop(ctx context.Context, queues []string, timeout time.Duration) (string, []byte, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, m.cond.Broadcast)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, m.cond.Broadcast)
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		for _, q := range queues {
			m.reap(q)
			if l := m.lists[q]; len(l) > 0 {
				// Pop from the tail: Push prepends, so tail is oldest.
				v := l[len(l)-1]
				m.lists[q] = l[:len(l)-1]
				return q, v, nil
			}
		}
		if !time.Now().Before(deadline) {
			return "", nil, nil
		}
		m.cond.Wait()
	}
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
	return nil
}

func (m *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) {
	m.kv[key] = append([]byte(nil), value...)
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
}

func (m *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	if _, ok := m.kv[key]; ok {
		return false, nil
	}
	m.setLocked(key, value, ttl)
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	v, ok := m.kv[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		m.reap(k)
		if v, ok := m.kv[k]; ok {
			out[i] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
		delete(m.lists, k)
		delete(m.sets, k)
		delete(m.expiry, k)
	}
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	if _, ok := m.kv[key]; ok {
		return true, nil
	}
	if l, ok := m.lists[key]; ok && len(l) > 0 {
		return true, nil
	}
	if s, ok := m.sets[key]; ok && len(s) > 0 {
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(key)
	if _, ok := m.kv[key]; !ok {
		if _, ok := m.lists[key]; !ok {
			if _, ok := m.sets[key]; !ok {
				return nil
			}
		}
	}
	m.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (m *MemoryStore) SAdd(ctx context.Context, set string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(set)
	s, ok := m.sets[set]
	if !ok {
		s = make(map[string]struct{})
		m.sets[set] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(ctx context.Context, set string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(set)
	s, ok := m.sets[set]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(s, mem)
	}
	return nil
}

func (m *MemoryStore) SMembers(ctx context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap(set)
	s := m.sets[set]
	out := make([]string, 0, len(s))
	for mem := range s {
		out = append(out, mem)
	}
	return out, nil
}

func (m *MemoryStore) BlockingMove(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, m.cond.Broadcast)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, m.cond.Broadcast)
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.reap(src)
		if l := m.lists[src]; len(l) > 0 {
			v := l[0]
			m.lists[src] = l[1:]
			m.lists[dst] = append(m.lists[dst], v)
			m.cond.Broadcast()
			return v, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		m.cond.Wait()
	}
}

// ListLen reports the current length of a list. Test helper.
func (m *MemoryStore) ListLen(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lists[key])
}

// ListItems returns a copy of a list, head first. Test helper.
func (m *MemoryStore) ListItems(key string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.lists[key]))
	for i, v := range m.lists[key] {
		out[i] = append([]byte(nil), v...)
	}
	return out
}

// TTL reports the remaining TTL of a key, or zero when none is set.
// Test helper.
func (m *MemoryStore) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expiry[key]
	if !ok {
		return 0
	}
	return time.Until(exp)
}
