// Package pool implements the daemon-side idle connection pool and
// credential cache described in §4.4: reuse/connect/relinquish over a map of
// live SSH sessions keyed by (cache key, optional share key).
package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/websoft9/sshbridge/internal/sshadapter"
)

const (
	// KeepTTL is how long a "keep" relinquish holds a session idle (§4.4).
	KeepTTL = 12 * time.Hour
	// ShareTTL is how long a "share" relinquish holds a session idle (§4.4).
	ShareTTL = 5 * time.Second
)

// ConnectRequest carries one connect()/reuse() attempt's parameters,
// matching the CONNECT/REUSE frame payloads (§4.2/§4.4).
type ConnectRequest struct {
	Key         sshadapter.CacheKey
	ShareKey    string
	Fingerprint string
	PrivateKey  []byte
	Passphrase  string
	Password    string
	TryKeyboard bool
	Reusable    bool
}

type idleEntry struct {
	session *sshadapter.Session
	timer   *time.Timer
}

// Pool holds idle SSH sessions and cached credentials. Safe for concurrent
// use; one Pool instance per daemon process (§5).
type Pool struct {
	mu    sync.Mutex
	idle  map[Key]*idleEntry
	creds map[sshadapter.CacheKey]*CachedCredential
	seq   uint64

	log zerolog.Logger
}

// New returns an empty Pool.
func New(log zerolog.Logger) *Pool {
	return &Pool{
		idle:  make(map[Key]*idleEntry),
		creds: make(map[sshadapter.CacheKey]*CachedCredential),
		log:   log.With().Str("component", "pool").Logger(),
	}
}

// Reuse atomically removes and returns the idle session matching req's key
// (extended if ShareKey is set), swapping in observer and cancelling its
// retention timer. Returns nil with no error when there is no match; the
// caller is responsible for emitting the UNCONNECTED("no cached connection to
// reuse") event in that case. (Connect, by contrast, emits its own
// UNCONNECTED events through observer.)
func (p *Pool) Reuse(req ConnectRequest, observer sshadapter.Observer) *sshadapter.Session {
	key := keyOf(req.Key)
	if req.ShareKey != "" {
		key = extendedKeyOf(req.Key, req.ShareKey)
	}

	p.mu.Lock()
	entry, ok := p.idle[key]
	if ok {
		delete(p.idle, key)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	entry.timer.Stop()
	entry.session.ClearRetentionTimer()
	entry.session.SetObserver(observer)
	if observer != nil {
		observer.Notify(sshadapter.Event{
			Kind:        sshadapter.EventConnected,
			Fingerprint: entry.session.Fingerprint(),
			Banner:      entry.session.Banner(),
		})
	}
	return entry.session
}

// Connect dials a new SSH session, substituting a cached credential when req
// carries none, and caching a sanitized copy of whatever credential
// ultimately succeeded (§4.4).
func (p *Pool) Connect(ctx context.Context, req ConnectRequest, observer sshadapter.Observer, broker *sshadapter.ChallengeBroker) (*sshadapter.Session, error) {
	hasDirectCreds := len(req.PrivateKey) > 0 || req.Password != ""

	var usedCached *CachedCredential
	if !hasDirectCreds {
		p.mu.Lock()
		cred := p.creds[req.Key]
		p.mu.Unlock()
		if cred == nil {
			if observer != nil {
				observer.Notify(sshadapter.Event{Kind: sshadapter.EventUnconnected, Reason: "no credentials provided"})
			}
			return nil, fmt.Errorf("no credentials provided")
		}
		req.PrivateKey = cred.PrivateKey
		req.Passphrase = cred.Passphrase
		req.Password = cred.Password
		req.TryKeyboard = false
		usedCached = cred
	}

	// If the private key doesn't parse and another credential is available,
	// drop it and fall back to that credential (§4.4).
	if len(req.PrivateKey) > 0 && !privateKeyParses(req.PrivateKey, req.Passphrase) {
		req.PrivateKey = nil
		req.Passphrase = ""
		if req.Password == "" {
			if observer != nil {
				observer.Notify(sshadapter.Event{Kind: sshadapter.EventUnconnected, Reason: "authentication denied"})
			}
			return nil, fmt.Errorf("authentication denied")
		}
	}

	params := sshadapter.ConnectParams{
		Key:         req.Key,
		Fingerprint: req.Fingerprint,
		PrivateKey:  req.PrivateKey,
		Passphrase:  req.Passphrase,
		Password:    req.Password,
		TryKeyboard: req.TryKeyboard,
	}

	sess, err := sshadapter.Establish(ctx, params, observer, broker)
	if err != nil {
		if usedCached != nil && isAuthDenied(err) {
			p.evictCredentialIfSame(req.Key, usedCached)
		}
		return nil, err
	}

	sess.SetReusable(req.Reusable)

	if usedCached == nil && !req.TryKeyboard {
		p.mu.Lock()
		p.seq++
		p.creds[req.Key] = &CachedCredential{
			PrivateKey: req.PrivateKey,
			Passphrase: req.Passphrase,
			Password:   req.Password,
			identity:   p.seq,
		}
		p.mu.Unlock()
	}

	return sess, nil
}

// privateKeyParses reports whether key (optionally passphrase-encrypted)
// parses as an SSH private key, used to decide whether to fall back to a
// remaining credential before ever dialing (§4.4).
func privateKeyParses(key []byte, passphrase string) bool {
	var err error
	if passphrase != "" {
		_, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		_, err = ssh.ParsePrivateKey(key)
	}
	return err == nil
}

func isAuthDenied(err error) bool {
	return err != nil && err.Error() == "authentication denied"
}

// evictCredentialIfSame removes creds[key] only if it is still the exact
// entry that was used, avoiding evicting a newer credential written by a
// racing connect (§4.4).
func (p *Pool) evictCredentialIfSame(key sshadapter.CacheKey, used *CachedCredential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.creds[key]; ok && current.sameIdentity(used) {
		delete(p.creds, key)
	}
}

// Relinquish disposes of a session per mode (§4.4): drop closes it outright;
// keep retains it for KeepTTL under its plain cache key (or closes it if the
// session is not reusable); share retains it for ShareTTL under an extended
// key and returns the share key.
func (p *Pool) Relinquish(sess *sshadapter.Session, mode string) (shareKey string) {
	if sess == nil {
		return ""
	}

	switch mode {
	case "drop":
		_ = sess.Close()
		return ""
	case "keep":
		if !sess.Reusable() {
			_ = sess.Close()
			return ""
		}
		p.install(keyOf(sess.Key()), sess, KeepTTL)
		return ""
	case "share":
		key := extendedKeyOf(sess.Key(), shareKeyFor(sess))
		p.install(key, sess, ShareTTL)
		return key.ShareKey
	default:
		_ = sess.Close()
		return ""
	}
}

// shareKeyFor generates a share key once per session and reuses it on
// subsequent shares of the same session: "share() on the same SSH session
// returns the same shareKey on every call". The key lives on the session
// itself, so it is freed along with the session rather than leaking in a
// second, unbounded map.
func shareKeyFor(sess *sshadapter.Session) string {
	if k := sess.ShareKey(); k != "" {
		return k
	}
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	k := hex.EncodeToString(buf)
	sess.SetShareKey(k)
	return sess.ShareKey()
}

// install places sess into the idle map under key, closing and evicting any
// existing entry there first, and arms a TTL timer that evicts and closes
// the session on expiry. A cleanupObserver replaces sess's observer so a
// disconnect that arrives while idle also triggers eviction.
func (p *Pool) install(key Key, sess *sshadapter.Session, ttl time.Duration) {
	p.mu.Lock()
	if old, ok := p.idle[key]; ok {
		delete(p.idle, key)
		p.mu.Unlock()
		old.timer.Stop()
		_ = old.session.Close()
		p.mu.Lock()
	}

	timer := time.AfterFunc(ttl, func() {
		p.expire(key)
	})
	entry := &idleEntry{session: sess, timer: timer}
	p.idle[key] = entry
	p.mu.Unlock()

	sess.SetRetentionTimer(timer)
	sess.SetObserver(sshadapter.ObserverFunc(func(e sshadapter.Event) {
		if e.Kind == sshadapter.EventDisconnected {
			p.expire(key)
		}
	}))

	p.log.Debug().
		Str("user", key.Username).Str("host", key.Hostname).Int("port", key.Port).
		Str("ttl", humanize.RelTime(time.Now(), time.Now().Add(ttl), "", "")).
		Msg("session retained in pool")
}

// expire removes and closes the idle entry for key, if it is still present
// (idempotent against a racing TTL fire and disconnect-triggered eviction).
func (p *Pool) expire(key Key) {
	p.mu.Lock()
	entry, ok := p.idle[key]
	if ok {
		delete(p.idle, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()
	_ = entry.session.Close()
}

// Clear drains every idle session and relinquishes each with drop (§4.4,
// used during graceful shutdown).
func (p *Pool) Clear() {
	p.mu.Lock()
	entries := make([]*idleEntry, 0, len(p.idle))
	for k, e := range p.idle {
		entries = append(entries, e)
		delete(p.idle, k)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		_ = e.session.Close()
	}
}

// Size reports the number of idle sessions currently retained, for
// diagnostics logging (§9).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
