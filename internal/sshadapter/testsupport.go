package sshadapter

// NewTestSession constructs a Session with no underlying SSH client, for use
// by other packages' tests that exercise pool bookkeeping (idle-map
// insertion, TTL timers, share keys) without dialing a real connection.
// Close is a no-op on such a session.
func NewTestSession(key CacheKey) *Session {
	return &Session{
		key:      key,
		rows:     defaultRows,
		cols:     defaultCols,
		reusable: true,
	}
}
