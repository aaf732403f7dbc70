// Package sshadapter wraps golang.org/x/crypto/ssh behind the narrow
// interface the daemon needs: connect, exec, stdin/stdout/stderr streaming,
// PTY + resize, and keyboard-interactive challenges (§4.3).
package sshadapter

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Default timing constants (§4.3, §5).
const (
	DialTimeout          = 10 * time.Second
	KeepaliveInterval    = 10 * time.Second
	KeepaliveMissTolerance = 3
)

// CacheKey identifies one (username, lowercased hostname, port) triple.
type CacheKey struct {
	Username string
	Hostname string
	Port     int
}

// ConnectParams carries everything needed to dial and authenticate.
type ConnectParams struct {
	Key               CacheKey
	Fingerprint       string // expected base64(sha256(hostkey)); empty = trust-on-first-use
	PrivateKey        []byte
	Passphrase        string
	Password          string
	TryKeyboard       bool
}

// minWindow/maxWindow bound PTY dimensions (§3, §4.3, §8).
const (
	minWindow     = 1
	maxWindow     = 512
	defaultRows   = 24
	defaultCols   = 80
)

// Session is an owning handle to one authenticated SSH connection. It holds
// the window size, the current command channel (if any), and the queued
// stdin/resize requests that accumulate before a channel exists.
//
// Invariant: at most one active command channel per Session.
type Session struct {
	mu sync.Mutex

	client      *ssh.Client
	key         CacheKey
	fingerprint string
	banner      *string
	reusable    bool
	shareKey    string

	rows, cols int

	current     *ssh.Session
	currentStdin io.WriteCloser
	stdinQueue  [][]byte
	stdinEOF    bool
	pendingRows, pendingCols int
	hasPendingResize bool

	observer Observer

	retentionTimer *time.Timer

	keepaliveCancel context.CancelFunc
	closed          bool
}

// Key returns the session's cache key.
func (s *Session) Key() CacheKey {
	return s.key
}

// Fingerprint returns the remote host key fingerprint observed at connect time.
func (s *Session) Fingerprint() string {
	return s.fingerprint
}

// Banner returns the server banner observed at connect time, or nil.
func (s *Session) Banner() *string {
	return s.banner
}

// Reusable reports whether the session may be returned to the pool.
func (s *Session) Reusable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reusable
}

// SetReusable overrides the reusable flag (used by pool.Connect when a
// CONNECT request declares its intent, and by Exec when a channel fault
// taints the session per §9).
func (s *Session) SetReusable(v bool) {
	s.mu.Lock()
	s.reusable = v
	s.mu.Unlock()
}

// SetObserver swaps the event sink, e.g. when pool.Reuse hands a pooled
// session to a new client handler.
func (s *Session) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// ShareKey returns the share key previously assigned by SetShareKey, or ""
// if the session has never been shared.
func (s *Session) ShareKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shareKey
}

// SetShareKey assigns the session's share key exactly once; later calls are
// no-ops so repeated shares of the same session keep returning the same key.
func (s *Session) SetShareKey(key string) {
	s.mu.Lock()
	if s.shareKey == "" {
		s.shareKey = key
	}
	s.mu.Unlock()
}

// SetRetentionTimer stores the pool's idle-expiry timer handle so it travels
// with the session per §3's data model. ClearRetentionTimer stops and clears
// it; both are no-ops on a nil timer.
func (s *Session) SetRetentionTimer(t *time.Timer) {
	s.mu.Lock()
	s.retentionTimer = t
	s.mu.Unlock()
}

func (s *Session) ClearRetentionTimer() {
	s.mu.Lock()
	t := s.retentionTimer
	s.retentionTimer = nil
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Window returns the current stored PTY dimensions.
func (s *Session) Window() (rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// Establish dials and authenticates an SSH connection. The observer receives
// Connected/Unconnected/Banner/Challenge events as they occur; Establish
// itself returns (session, nil) on success or (nil, err) on failure, where
// err message text follows the §4.3 classification for Unconnected.
//
// Establish blocks for the duration of the dial and handshake, including any
// keyboard-interactive round trip. Callers that need to relay
// CHALLENGE_RESPONSE frames while this call is in flight must run it on its
// own goroutine and call broker.Respond from elsewhere.
func Establish(ctx context.Context, params ConnectParams, observer Observer, broker *ChallengeBroker) (*Session, error) {
	authMethods, err := buildAuthMethodsWithBroker(params, observer, broker)
	if err != nil {
		return nil, err
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method supplied")
	}

	sess := &Session{
		key:      params.Key,
		rows:     defaultRows,
		cols:     defaultCols,
		observer: observer,
	}

	var observedFingerprint string
	var observedBanner *string

	clientCfg := &ssh.ClientConfig{
		User: params.Key.Username,
		Auth: authMethods,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			observedFingerprint = fingerprintOf(key)
			if params.Fingerprint != "" && params.Fingerprint != observedFingerprint {
				return &FingerprintMismatchError{Expected: params.Fingerprint, Received: observedFingerprint}
			}
			return nil
		},
		BannerCallback: func(message string) error {
			if message == "" {
				return nil
			}
			if len(message) == 0 || message[len(message)-1] != '\n' {
				message += "\n"
			}
			observedBanner = &message
			if observer != nil {
				observer.Notify(Event{Kind: EventBanner, Banner: &message})
			}
			return nil
		},
		Timeout: DialTimeout,
	}

	addr := net.JoinHostPort(params.Key.Hostname, portString(params.Key.Port))

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, clientCfg)
		ch <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		reason := "connection timed out"
		if observer != nil {
			observer.Notify(Event{Kind: EventUnconnected, Reason: reason})
		}
		return nil, fmt.Errorf("%s", reason)
	case r := <-ch:
		if r.err != nil {
			reason := classify(r.err)
			if observer != nil {
				observer.Notify(Event{Kind: EventUnconnected, Reason: reason})
			}
			return nil, fmt.Errorf("%s", reason)
		}
		sess.client = r.client
		sess.fingerprint = observedFingerprint
		sess.banner = observedBanner
		sess.reusable = false
		sess.startKeepalive()
		if observer != nil {
			observer.Notify(Event{Kind: EventConnected, Fingerprint: observedFingerprint, Banner: observedBanner})
		}
		return sess, nil
	}
}

func portString(p int) string {
	if p == 0 {
		p = 22
	}
	return fmt.Sprintf("%d", p)
}

// startKeepalive sends a "keepalive@openssh.com" global request every
// KeepaliveInterval and closes the session if KeepaliveMissTolerance
// consecutive requests go unanswered.
func (s *Session) startKeepalive() {
	ctx, cancel := context.WithCancel(context.Background())
	s.keepaliveCancel = cancel
	go func() {
		ticker := time.NewTicker(KeepaliveInterval)
		defer ticker.Stop()
		misses := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				done := make(chan error, 1)
				go func() {
					_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
					done <- err
				}()
				select {
				case err := <-done:
					if err != nil {
						misses++
					} else {
						misses = 0
					}
				case <-time.After(KeepaliveInterval):
					misses++
				}
				if misses >= KeepaliveMissTolerance {
					s.disconnect("remote connection closed unexpectedly")
					return
				}
			}
		}
	}()
}

// disconnect tears down the session after it was Ready/Executing and
// notifies the observer with a Disconnected event (§4.3).
func (s *Session) disconnect(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	obs := s.observer
	s.mu.Unlock()

	_ = s.client.Close()
	if obs != nil {
		obs.Notify(Event{Kind: EventDisconnected, Reason: reason})
	}
}

// Close terminates the underlying SSH connection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.keepaliveCancel != nil {
		s.keepaliveCancel()
	}
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}
