// Package storage provides the session configuration store: a small
// string-to-string key-value space that holds the installer's settings
// and the persisted package list.
//
// # Implementations
//
// MemoryStore: in-process map guarded by sync.RWMutex
//   - No persistence (settings live as long as the coordinator)
//   - Suitable for a single coordinator and for tests
//
// RedisStore: one Redis hash, one field per setting
//   - Settings survive coordinator restarts
//   - Operators can inspect or edit settings with redis-cli (HGETALL pipcast:conf)
//
// # Errors
//
// ErrKeyNotFound is returned by Get for missing keys. Use GetDefault when a
// missing key has a meaningful default.
//
// # Usage
//
//	store := storage.NewMemoryStore()
//	_ = store.Set(ctx, "pipcast.virtualenv.enabled", "true")
//	v, err := storage.GetDefault(ctx, store, "pipcast.virtualenv.type", "native")
package storage
