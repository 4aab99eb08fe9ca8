package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

// DefaultTTL is how long a clean verdict short-circuits rescanning.
const DefaultTTL = time.Hour

// CacheableMethods are the only HTTP methods whose URIs may be cached:
// body-less requests where the resource is identified by the URI alone.
var CacheableMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"OPTIONS": true,
}

// Service is the clean-URL cache: a URI whose content scanned clean is
// fingerprinted into the store so subsequent fetches skip the pipeline.
type Service struct {
	store  store.Store
	policy *Policy
}

// NewService returns the cache service over the given store and policy.
func NewService(st store.Store, policy *Policy) *Service {
	if policy == nil {
		policy = NewPolicy(nil)
	}
	return &Service{store: st, policy: policy}
}

func cacheKey(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return "aether:cache:uri:" + hex.EncodeToString(sum[:])
}

// CheckCache reports whether the URI may bypass scanning, via policy or a
// prior clean verdict.
func (s *Service) CheckCache(ctx context.Context, uri string) (bool, error) {
	if s.policy.ShouldBypass(uri) {
		return true, nil
	}
	return s.store.Exists(ctx, cacheKey(uri))
}

// StoreCache records a clean verdict for the URI. Callers gate this on
// CacheableMethods.
func (s *Service) StoreCache(ctx context.Context, uri string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return s.store.Set(ctx, cacheKey(uri), []byte("1"), ttl)
}

// NotableType exposes the policy's registry classification.
func (s *Service) NotableType(uri string) string {
	return s.policy.NotableType(uri)
}
