package pool

import "github.com/websoft9/sshbridge/internal/sshadapter"

// Key identifies one idle slot in the pool. ShareKey is empty for a plain
// "keep" retention; a non-empty ShareKey makes this the extended key used by
// relinquish(mode=share) (§4.4).
type Key struct {
	sshadapter.CacheKey
	ShareKey string
}

// keyOf builds the plain cache key for a connect/reuse request.
func keyOf(ck sshadapter.CacheKey) Key {
	return Key{CacheKey: ck}
}

// extendedKeyOf builds the share-scoped key.
func extendedKeyOf(ck sshadapter.CacheKey, shareKey string) Key {
	return Key{CacheKey: ck, ShareKey: shareKey}
}
