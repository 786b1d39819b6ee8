// Package cache stores remote lookups in Redis so repeated runs against the
// same organisation do not refetch them.
//
// The importer uses it for the integrations directory of an organisation,
// which rarely changes between runs.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{Namespace: "integrations", OrgID: "org-1"}
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch and store
//		_ = manager.Set(ctx, key, cache.NewEntry(body, 10*time.Minute))
//	}
//
// # Metrics
//
//   - importer_cache_hits_total
//   - importer_cache_misses_total
//   - importer_cache_errors_total{operation}
package cache
