package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/websoft9/sshbridge/internal/audit"
	"github.com/websoft9/sshbridge/internal/pool"
	"github.com/websoft9/sshbridge/internal/protocol"
	"github.com/websoft9/sshbridge/internal/sshadapter"
)

func target(key sshadapter.CacheKey) string {
	return fmt.Sprintf("%s@%s:%d", key.Username, key.Hostname, key.Port)
}

// Handler is the per-connection state machine of §4.5: it mediates between
// one client's frame stream and the SSH adapter/pool. One Handler owns at
// most one session at a time (never both attached and idle, per §3).
type Handler struct {
	id   string
	conn net.Conn
	dec  *protocol.Decoder

	writeMu sync.Mutex
	enc     *protocol.Encoder

	mu                       sync.Mutex
	state                    State
	session                  *sshadapter.Session
	broker                   *sshadapter.ChallengeBroker
	pendingRows, pendingCols int
	shuttingDown             bool

	pool *pool.Pool
	log  zerolog.Logger

	closeOnce sync.Once
}

// New wraps an accepted connection with a fresh Initial-state handler.
func New(conn net.Conn, p *pool.Pool, log zerolog.Logger) *Handler {
	id := uuid.NewString()
	return &Handler{
		id:    id,
		conn:  conn,
		dec:   protocol.NewDecoder(conn),
		enc:   protocol.NewEncoder(conn),
		pool:  p,
		log:   log.With().Str("conn", id).Logger(),
		state: Initial,
	}
}

// Run reads and dispatches frames until the connection closes or a protocol
// violation occurs. It always returns after the connection and any attached
// session have been disposed of.
func (h *Handler) Run() {
	defer h.handleDisconnect()
	h.log.Debug().Msg("connection accepted")
	for {
		f, err := h.dec.Read()
		if err != nil {
			return
		}
		if !h.dispatch(f) {
			return
		}
	}
}

// RequestShutdown asks the handler to wind down as part of daemon-wide
// graceful shutdown (§5). If a command is in flight, disposal is deferred
// until its RESULT is emitted; otherwise the connection is closed now.
func (h *Handler) RequestShutdown() {
	h.mu.Lock()
	if h.state == Executing {
		h.shuttingDown = true
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.handleDisconnect()
}

func (h *Handler) dispatch(f protocol.Frame) bool {
	h.mu.Lock()
	st := h.state
	h.mu.Unlock()

	switch st {
	case Initial:
		return h.dispatchInitial(f)
	case Connecting:
		return h.dispatchConnecting(f)
	case Ready:
		return h.dispatchReady(f)
	case Executing:
		return h.dispatchExecuting(f)
	default:
		return false
	}
}

func (h *Handler) dispatchInitial(f protocol.Frame) bool {
	switch f.Type {
	case protocol.Reuse:
		p, err := protocol.DecodeReuse(f.Data)
		if err != nil {
			h.fail(err)
			return false
		}
		req := pool.ConnectRequest{
			Key:      sshadapter.CacheKey{Username: p.Username, Hostname: p.Hostname, Port: p.Port},
			ShareKey: p.ShareKey,
		}
		sess := h.pool.Reuse(req, h)
		if sess == nil {
			h.writeJSON(protocol.Unconnected, protocol.ReasonPayload{Reason: "no cached connection to reuse"})
			audit.Write(h.log, audit.Entry{ConnID: h.id, Action: "session.reuse", Target: target(req.Key), Status: audit.StatusFailed, Reason: "no cached connection to reuse"})
			return true
		}
		h.mu.Lock()
		h.session = sess
		h.state = Ready
		h.applyPendingWindowLocked()
		h.mu.Unlock()
		audit.Write(h.log, audit.Entry{ConnID: h.id, Action: "session.reuse", Target: target(req.Key), Status: audit.StatusSuccess})
		return true

	case protocol.Connect:
		p, err := protocol.DecodeConnect(f.Data)
		if err != nil {
			h.fail(err)
			return false
		}
		req := pool.ConnectRequest{
			Key:         sshadapter.CacheKey{Username: p.Username, Hostname: p.Hostname, Port: p.Port},
			Fingerprint: p.Fingerprint,
			PrivateKey:  []byte(p.PrivateKey),
			Passphrase:  p.Passphrase,
			Password:    p.Password,
			TryKeyboard: p.TryKeyboard,
			Reusable:    p.Reusable,
		}
		var broker *sshadapter.ChallengeBroker
		if p.TryKeyboard {
			broker = sshadapter.NewChallengeBroker()
		}
		h.mu.Lock()
		h.state = Connecting
		h.broker = broker
		h.mu.Unlock()

		go h.runConnect(req, broker)
		return true

	case protocol.Resize:
		return h.handleResize(f)

	case protocol.Stdin:
		// STDIN outside Executing is silently ignored: the caller cannot
		// know exactly when a command ends.
		return true

	default:
		h.failUnexpected(f, Initial)
		return false
	}
}

func (h *Handler) runConnect(req pool.ConnectRequest, broker *sshadapter.ChallengeBroker) {
	ctx, cancel := context.WithTimeout(context.Background(), sshadapter.DialTimeout)
	defer cancel()

	sess, err := h.pool.Connect(ctx, req, h, broker)

	h.mu.Lock()
	h.broker = nil
	if err == nil {
		h.session = sess
	} else if h.state == Connecting {
		h.state = Initial
	}
	h.mu.Unlock()

	if err != nil {
		audit.Write(h.log, audit.Entry{ConnID: h.id, Action: "session.connect", Target: target(req.Key), Status: audit.StatusFailed, Reason: err.Error()})
	} else {
		audit.Write(h.log, audit.Entry{ConnID: h.id, Action: "session.connect", Target: target(req.Key), Status: audit.StatusSuccess})
	}
}

func (h *Handler) dispatchConnecting(f protocol.Frame) bool {
	switch f.Type {
	case protocol.ChallengeResponse:
		p, err := protocol.DecodeChallengeResponse(f.Data)
		if err != nil {
			h.fail(err)
			return false
		}
		h.mu.Lock()
		broker := h.broker
		h.mu.Unlock()
		if broker != nil {
			broker.Respond(p.Responses)
		}
		return true

	case protocol.Resize:
		return h.handleResize(f)

	case protocol.Stdin:
		return true

	default:
		h.failUnexpected(f, Connecting)
		return false
	}
}

func (h *Handler) dispatchReady(f protocol.Frame) bool {
	switch f.Type {
	case protocol.SimpleCommand, protocol.PTYCommand:
		cmd, err := protocol.ValidateCommand(f.Type, f.Data)
		if err != nil {
			h.fail(err)
			return false
		}
		h.mu.Lock()
		h.state = Executing
		sess := h.session
		h.mu.Unlock()
		audit.Write(h.log, audit.Entry{ConnID: h.id, Action: "session.exec", Target: target(sess.Key()), Status: audit.StatusSuccess})
		go sess.Exec(cmd, f.Type == protocol.PTYCommand)
		return true

	case protocol.Share:
		h.mu.Lock()
		sess := h.session
		h.session = nil
		h.state = Initial
		h.mu.Unlock()
		audit.Write(h.log, audit.Entry{ConnID: h.id, Action: "session.share", Target: target(sess.Key()), Status: audit.StatusSuccess})
		shareKey := h.pool.Relinquish(sess, "share")
		h.writeJSON(protocol.Shared, protocol.SharedPayload{ShareKey: shareKey})
		return true

	case protocol.Resize:
		return h.handleResize(f)

	case protocol.ChallengeResponse:
		// Late arrival for a challenge that already resolved.
		return true

	case protocol.Stdin:
		return true

	default:
		h.failUnexpected(f, Ready)
		return false
	}
}

func (h *Handler) dispatchExecuting(f protocol.Frame) bool {
	switch f.Type {
	case protocol.Stdin:
		h.mu.Lock()
		sess := h.session
		h.mu.Unlock()
		if len(f.Data) == 0 {
			_ = sess.EndStdin()
		} else {
			_ = sess.WriteStdin(f.Data)
		}
		return true

	case protocol.Resize:
		return h.handleResize(f)

	default:
		h.failUnexpected(f, Executing)
		return false
	}
}

func (h *Handler) handleResize(f protocol.Frame) bool {
	p, err := protocol.DecodeResize(f.Data)
	if err != nil {
		h.fail(err)
		return false
	}
	h.mu.Lock()
	sess := h.session
	if sess == nil {
		h.pendingRows, h.pendingCols = p.Rows, p.Cols
	}
	h.mu.Unlock()
	if sess != nil {
		sess.Resize(p.Rows, p.Cols)
	}
	return true
}

// applyPendingWindowLocked pushes a RESIZE received before a session existed
// onto the newly attached session. Caller must hold h.mu.
func (h *Handler) applyPendingWindowLocked() {
	if h.session == nil {
		return
	}
	if h.pendingRows != 0 || h.pendingCols != 0 {
		h.session.Resize(h.pendingRows, h.pendingCols)
		h.pendingRows, h.pendingCols = 0, 0
	}
}

// Notify implements sshadapter.Observer: the SSH adapter and pool call back
// into the handler on every connect/banner/challenge/stream/result event.
func (h *Handler) Notify(e sshadapter.Event) {
	switch e.Kind {
	case sshadapter.EventConnected:
		h.writeJSON(protocol.Connected, protocol.ConnectedPayload{Fingerprint: e.Fingerprint, Banner: e.Banner})
		h.mu.Lock()
		h.state = Ready
		h.applyPendingWindowLocked()
		h.mu.Unlock()

	case sshadapter.EventUnconnected:
		h.writeJSON(protocol.Unconnected, protocol.ReasonPayload{Reason: e.Reason})
		h.mu.Lock()
		if h.state == Connecting {
			h.state = Initial
		}
		h.session = nil
		h.mu.Unlock()

	case sshadapter.EventDisconnected:
		h.writeJSON(protocol.Disconnected, protocol.ReasonPayload{Reason: e.Reason})
		h.mu.Lock()
		h.session = nil
		h.state = Initial
		h.mu.Unlock()

	case sshadapter.EventChallenge:
		h.writeJSON(protocol.Challenge, protocol.ChallengePayload{
			Title:        e.Challenge.Title,
			Instructions: e.Challenge.Instructions,
			Language:     e.Challenge.Language,
			Prompts:      e.Challenge.Prompts,
		})

	case sshadapter.EventBanner:
		if e.Banner != nil {
			h.log.Debug().Str("banner", *e.Banner).Msg("server banner")
		}

	case sshadapter.EventStdout:
		h.writeRaw(protocol.Stdout, e.Data)

	case sshadapter.EventStderr:
		h.writeRaw(protocol.Stderr, e.Data)

	case sshadapter.EventResult:
		h.writeJSON(protocol.Result, protocol.ResultPayload{Code: e.Result.Code, Signal: e.Result.Signal, Error: e.Result.Err})
		h.mu.Lock()
		if h.state == Executing {
			h.state = Ready
		}
		sess := h.session
		shutdown := h.shuttingDown
		h.mu.Unlock()
		if sess != nil {
			if e.Result.Err != nil {
				audit.Write(h.log, audit.Entry{ConnID: h.id, Action: "session.exec.result", Target: target(sess.Key()), Status: audit.StatusFailed, Reason: *e.Result.Err})
			} else {
				audit.Write(h.log, audit.Entry{ConnID: h.id, Action: "session.exec.result", Target: target(sess.Key()), Status: audit.StatusSuccess})
			}
		}
		if shutdown {
			h.handleDisconnect()
		}
	}
}

func (h *Handler) fail(err error) {
	h.writeJSON(protocol.Exception, protocol.ReasonPayload{Reason: err.Error()})
	h.mu.Lock()
	h.state = Errored
	h.mu.Unlock()
	h.handleDisconnect()
}

func (h *Handler) failUnexpected(f protocol.Frame, st State) {
	h.fail(fmt.Errorf("unexpected frame %s in state %s", f.Type, st))
}

func (h *Handler) writeJSON(t protocol.Type, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("frame", t.String()).Msg("marshal outbound payload")
		return
	}
	h.writeRaw(t, data)
}

func (h *Handler) writeRaw(t protocol.Type, data []byte) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.enc.Encode(t, data); err != nil {
		h.log.Debug().Err(err).Str("frame", t.String()).Msg("write outbound frame")
	}
}

// handleDisconnect tears the handler down exactly once: relinquishes any
// attached session per §4.5 ("on socket close: if in Ready, keep; in any
// other state, drop"), closes the broker if a challenge was pending, and
// closes the connection.
func (h *Handler) handleDisconnect() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		sess := h.session
		st := h.state
		broker := h.broker
		h.session = nil
		h.broker = nil
		h.state = Errored
		h.mu.Unlock()

		if broker != nil {
			broker.Close()
		}
		if sess != nil {
			mode := "drop"
			if st == Ready {
				mode = "keep"
			}
			h.pool.Relinquish(sess, mode)
		}
		_ = h.conn.Close()
		h.log.Debug().Msg("connection closed")
	})
}
