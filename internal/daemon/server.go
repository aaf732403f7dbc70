package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/websoft9/sshbridge/internal/pool"
)

// defaultRateLimit bounds new connections/second accepted on the local
// socket; defaultMaxPending bounds concurrent in-flight handlers (§5).
const (
	defaultRateLimit  rate.Limit = 50
	defaultMaxPending            = 256
)

// Server owns the listening socket, the connection pool, and the set of
// live handlers; it drives the accept loop described in §5/§6.
type Server struct {
	SocketPath string
	Pool       *pool.Pool
	Log        zerolog.Logger
	RateLimit  rate.Limit
	MaxPending int

	limiter *rate.Limiter
	sem     chan struct{}

	mu       sync.Mutex
	handlers map[*Handler]struct{}
}

// NewServer constructs a Server bound to socketPath, backed by p.
func NewServer(socketPath string, p *pool.Pool, log zerolog.Logger) *Server {
	return &Server{
		SocketPath: socketPath,
		Pool:       p,
		Log:        log.With().Str("component", "daemon").Logger(),
		RateLimit:  defaultRateLimit,
		MaxPending: defaultMaxPending,
		handlers:   make(map[*Handler]struct{}),
	}
}

// ListenAndServe binds the Unix domain socket (removing any stale file
// first, per §6), accepts connections until ctx is cancelled, and on
// cancellation asks every live handler to wind down before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.RateLimit == 0 {
		s.RateLimit = defaultRateLimit
	}
	if s.MaxPending == 0 {
		s.MaxPending = defaultMaxPending
	}
	s.limiter = rate.NewLimiter(s.RateLimit, int(s.RateLimit))
	s.sem = make(chan struct{}, s.MaxPending)

	if err := os.Remove(s.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", s.SocketPath, err)
	}
	s.Log.Info().Str("socket", s.SocketPath).Msg("listening")

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return nil
	})

	group.Go(func() error {
		return s.acceptLoop(ctx, ln)
	})

	err = group.Wait()
	s.shutdownHandlers()
	s.Pool.Clear()
	_ = os.Remove(s.SocketPath)
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.Log.Warn().Err(err).Msg("accept error")
			continue
		}

		if !s.limiter.Allow() {
			_ = conn.Close()
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			_ = conn.Close()
			continue
		}

		h := New(conn, s.Pool, s.Log)
		s.track(h)
		go func() {
			defer func() { <-s.sem }()
			defer s.untrack(h)
			h.Run()
		}()
	}
}

func (s *Server) track(h *Handler) {
	s.mu.Lock()
	s.handlers[h] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(h *Handler) {
	s.mu.Lock()
	delete(s.handlers, h)
	s.mu.Unlock()
}

// shutdownHandlers asks every still-live handler to wind down and waits
// briefly for them to finish their current command, if any (§5).
func (s *Server) shutdownHandlers() {
	s.mu.Lock()
	live := make([]*Handler, 0, len(s.handlers))
	for h := range s.handlers {
		live = append(live, h)
	}
	s.mu.Unlock()

	for _, h := range live {
		h.RequestShutdown()
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.handlers)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	s.Log.Warn().Msg("shutdown deadline reached with handlers still live")
}
